package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dense-identity/agentdesk/internal/telephony"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

type ConsoleConfig struct {
	AgentID string `env:"AGENT_ID,required"`

	// SIP identity, read again by EnvIdentityProvider on every registration
	SipUsername string `env:"SIP_USERNAME"`
	SipPassword string `env:"SIP_PASSWORD"`
	SipDomain   string `env:"SIP_DOMAIN"`

	// Baresip ctrl_tcp connection
	BaresipAddr           string        `env:"BARESIP_ADDR" envDefault:"localhost:4444"`
	BaresipCommandTimeout time.Duration `env:"BARESIP_CMD_TIMEOUT" envDefault:"2s"`

	RegisterTimeout time.Duration `env:"REGISTER_TIMEOUT" envDefault:"10s"`

	// Call log
	CallLogLimit   int    `env:"CALL_LOG_LIMIT" envDefault:"100"`
	CallLogBackend string `env:"CALL_LOG_BACKEND" envDefault:"memory"`
	SQLitePath     string `env:"CALL_LOG_SQLITE_PATH" envDefault:"calllog.db"`

	// Redis configuration
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:""`

	// RedisSessionTTL bounds how long logged session IDs are kept for dedupe
	RedisSessionTTL time.Duration `env:"REDIS_SESSION_TTL" envDefault:"720h"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"console"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:""`
	Verbose     bool   `env:"VERBOSE" envDefault:"false"`
}

// Validate checks the settings env tags cannot express
func (c *ConsoleConfig) Validate() error {
	if c == nil {
		return errors.New("nil console config")
	}
	var problems []string
	if strings.TrimSpace(c.AgentID) == "" {
		problems = append(problems, "AGENT_ID is blank")
	}
	if c.CallLogLimit <= 0 {
		problems = append(problems, "CALL_LOG_LIMIT must be positive")
	}
	switch c.CallLogBackend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			problems = append(problems, "REDIS_ADDR is required for the redis backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			problems = append(problems, "CALL_LOG_SQLITE_PATH is required for the sqlite backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown CALL_LOG_BACKEND %q", c.CallLogBackend))
	}
	if c.RegisterTimeout <= 0 {
		problems = append(problems, "REGISTER_TIMEOUT must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", telephony.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Identity returns the SIP identity held in the config
func (c *ConsoleConfig) Identity() telephony.Identity {
	return telephony.Identity{
		Username:   strings.TrimSpace(c.SipUsername),
		Credential: c.SipPassword,
		Domain:     strings.TrimSpace(c.SipDomain),
	}
}

type identityEnv struct {
	Username string `env:"SIP_USERNAME"`
	Password string `env:"SIP_PASSWORD"`
	Domain   string `env:"SIP_DOMAIN"`
}

// EnvIdentityProvider reads the SIP identity from the environment each time
// it is asked, so rotated credentials are picked up on the next registration.
type EnvIdentityProvider struct{}

func (EnvIdentityProvider) Identity(ctx context.Context) (telephony.Identity, error) {
	if err := ctx.Err(); err != nil {
		return telephony.Identity{}, err
	}
	raw, err := New[identityEnv]()
	if err != nil {
		return telephony.Identity{}, fmt.Errorf("read identity: %w", err)
	}
	id := telephony.Identity{
		Username:   strings.TrimSpace(raw.Username),
		Credential: raw.Password,
		Domain:     strings.TrimSpace(raw.Domain),
	}
	if err := id.Validate(); err != nil {
		return telephony.Identity{}, err
	}
	return id, nil
}
