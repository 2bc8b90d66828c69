package calllog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRedisPrefix = "agentdesk:calllog:v1"
	// DefaultSessionTTL is how long a session claim outlives its append
	DefaultSessionTTL = 30 * 24 * time.Hour
)

type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
	// SessionTTL defaults to DefaultSessionTTL
	SessionTTL time.Duration
	Logger     *zap.Logger
}

// RedisStore keeps one list per agent, newest entry at the head
type RedisStore struct {
	client     *redis.Client
	prefix     string
	sessionTTL time.Duration
	log        *zap.Logger
}

// NewRedisStore connects and pings the server
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required for the redis call log")
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(opts.Username),
		Password: opts.Password,
		DB:       opts.DB,
	})

	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log := opts.Logger.Named("calllog")
	log.Info("connected to redis", zap.String("addr", addr))
	rs := NewRedisStoreFromClient(rdb, prefix, log)
	if opts.SessionTTL > 0 {
		rs.sessionTTL = opts.SessionTTL
	}
	return rs, nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(rdb *redis.Client, prefix string, log *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisStore{client: rdb, prefix: prefix, sessionTTL: DefaultSessionTTL, log: log}
}

func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

func (rs *RedisStore) listKey(agentID string) string {
	return fmt.Sprintf("%s:agent:%s:calls", rs.prefix, strings.TrimSpace(agentID))
}

func (rs *RedisStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", rs.prefix, sessionID)
}

// Append claims the session key first so a second append for the same
// session never reaches the list.
func (rs *RedisStore) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	claimed, err := rs.client.SetNX(ctx, rs.sessionKey(e.SessionID), e.AgentID, rs.sessionTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to claim session: %w", err)
	}
	if !claimed {
		return ErrDuplicate
	}

	if err := rs.client.LPush(ctx, rs.listKey(e.AgentID), data).Err(); err != nil {
		if derr := rs.client.Del(ctx, rs.sessionKey(e.SessionID)).Err(); derr != nil {
			rs.log.Warn("failed to release session claim", zap.String("session", e.SessionID), zap.Error(derr))
		}
		return fmt.Errorf("failed to store entry: %w", err)
	}
	return nil
}

func (rs *RedisStore) ListRecent(ctx context.Context, agentID string, limit int) ([]Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	data, err := rs.client.LRange(ctx, rs.listKey(agentID), 0, stop).Result()
	if err != nil {
		if err == redis.Nil {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to get call history: %w", err)
	}

	entries := make([]Entry, 0, len(data))
	for _, raw := range data {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			rs.log.Warn("failed to unmarshal entry", zap.String("agent", agentID), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (rs *RedisStore) EvictOldest(ctx context.Context, agentID string) error {
	err := rs.client.RPop(ctx, rs.listKey(agentID)).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to evict entry: %w", err)
	}
	return nil
}

func (rs *RedisStore) Count(ctx context.Context, agentID string) (int, error) {
	n, err := rs.client.LLen(ctx, rs.listKey(agentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return int(n), nil
}
