package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dense-identity/agentdesk/internal/telephony"
)

func TestConsoleConfigDefaults(t *testing.T) {
	t.Setenv("AGENT_ID", "agent-7")

	cfg, err := New[ConsoleConfig]()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "localhost:4444", cfg.BaresipAddr)
	assert.Equal(t, 2*time.Second, cfg.BaresipCommandTimeout)
	assert.Equal(t, 10*time.Second, cfg.RegisterTimeout)
	assert.Equal(t, 100, cfg.CallLogLimit)
	assert.Equal(t, BackendMemory, cfg.CallLogBackend)
	assert.Equal(t, 30*24*time.Hour, cfg.RedisSessionTTL)
}

func TestConsoleConfigRequiresAgent(t *testing.T) {
	t.Setenv("AGENT_ID", "")
	os.Unsetenv("AGENT_ID")
	_, err := New[ConsoleConfig]()
	assert.Error(t, err)
}

func TestConsoleConfigValidate(t *testing.T) {
	t.Setenv("AGENT_ID", "agent-7")
	t.Setenv("CALL_LOG_BACKEND", "postgres")
	t.Setenv("CALL_LOG_LIMIT", "0")

	cfg, err := New[ConsoleConfig]()
	require.NoError(t, err)
	err = cfg.Validate()
	require.ErrorIs(t, err, telephony.ErrConfig)
	assert.Contains(t, err.Error(), "postgres")
	assert.Contains(t, err.Error(), "CALL_LOG_LIMIT")
}

func TestEnvIdentityProvider(t *testing.T) {
	t.Setenv("SIP_USERNAME", "1001")
	t.Setenv("SIP_PASSWORD", "secret")
	t.Setenv("SIP_DOMAIN", "pbx.local")

	id, err := EnvIdentityProvider{}.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sip:1001@pbx.local", id.AOR())

	t.Setenv("SIP_PASSWORD", "")
	_, err = EnvIdentityProvider{}.Identity(context.Background())
	assert.ErrorIs(t, err, telephony.ErrConfig)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env.agent")
	require.NoError(t, os.WriteFile(path, []byte("AGENTDESK_TEST_VALUE=from-file\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("AGENTDESK_TEST_VALUE", "")
	os.Unsetenv("AGENTDESK_TEST_VALUE")

	require.NoError(t, LoadEnv())
	assert.Equal(t, "from-file", os.Getenv("AGENTDESK_TEST_VALUE"))

	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, LoadEnv())
}
