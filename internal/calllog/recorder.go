package calllog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/dense-identity/agentdesk/internal/events"
	"github.com/dense-identity/agentdesk/internal/telephony"
)

const (
	DefaultLimit        = 100
	defaultWriteTimeout = 5 * time.Second
)

type Config struct {
	Store  Store
	Events events.Publisher
	// Limit is the number of entries kept per agent
	Limit  int
	Now    func() time.Time
	Logger *zap.Logger
}

// Recorder appends one entry per session and trims each agent's history to
// Limit, oldest first.
type Recorder struct {
	store Store
	pub   events.Publisher
	limit int
	now   func() time.Time
	log   *zap.Logger

	mu   sync.Mutex
	seen *lru.Cache[string, struct{}]
}

func NewRecorder(cfg Config) *Recorder {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = events.PublisherFunc(func(events.Event) {})
	}
	seen, _ := lru.New[string, struct{}](cfg.Limit * 4)
	return &Recorder{
		store: cfg.Store,
		pub:   cfg.Events,
		limit: cfg.Limit,
		now:   cfg.Now,
		log:   cfg.Logger.Named("calllog"),
		seen:  seen,
	}
}

// Record stores e. A second record for the same session is dropped without error.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if strings.TrimSpace(e.SessionID) == "" {
		return fmt.Errorf("%w: entry has no session id", telephony.ErrConfig)
	}
	if strings.TrimSpace(e.AgentID) == "" {
		return fmt.Errorf("%w: entry has no agent id", telephony.ErrConfig)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen.Contains(e.SessionID) {
		r.log.Debug("duplicate entry dropped", zap.String("session", e.SessionID))
		return nil
	}
	if err := r.store.Append(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicate) {
			r.seen.Add(e.SessionID, struct{}{})
			r.log.Debug("duplicate entry dropped by store", zap.String("session", e.SessionID))
			return nil
		}
		return fmt.Errorf("record %s: %w", e.SessionID, err)
	}
	r.seen.Add(e.SessionID, struct{}{})

	if err := r.trim(ctx, e.AgentID); err != nil {
		r.log.Warn("trim failed", zap.String("agent", e.AgentID), zap.Error(err))
	}

	r.log.Info("call logged",
		zap.String("agent", e.AgentID),
		zap.String("session", e.SessionID),
		zap.String("outcome", string(e.Outcome)),
		zap.Int("duration", e.DurationSeconds),
	)
	r.pub.Publish(events.CallLogged{
		Meta:            events.NewMeta(nil),
		EntryID:         e.ID,
		SessionID:       e.SessionID,
		AgentID:         e.AgentID,
		Direction:       e.Direction,
		RemoteParty:     e.RemoteParty,
		EndedAt:         e.Timestamp,
		Outcome:         e.Outcome,
		DurationSeconds: e.DurationSeconds,
	})
	return nil
}

func (r *Recorder) trim(ctx context.Context, agentID string) error {
	n, err := r.store.Count(ctx, agentID)
	if err != nil {
		return err
	}
	for ; n > r.limit; n-- {
		if err := r.store.EvictOldest(ctx, agentID); err != nil {
			return err
		}
	}
	return nil
}

// Query returns the agent's history, newest first
func (r *Recorder) Query(ctx context.Context, agentID string) ([]Entry, error) {
	entries, err := r.store.ListRecent(ctx, agentID, r.limit)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", agentID, err)
	}
	return entries, nil
}

// EntryFromCompletion builds the log entry for a classified call
func EntryFromCompletion(c telephony.Completion) Entry {
	return Entry{
		SessionID:       c.SessionID,
		AgentID:         c.AgentID,
		Timestamp:       c.EndedAt,
		Direction:       c.Direction,
		RemoteParty:     c.RemoteParty,
		Outcome:         c.Outcome,
		DurationSeconds: c.DurationSeconds(),
	}
}

// HandleSessionStateChanged records the completion carried by a terminal transition
func (r *Recorder) HandleSessionStateChanged(evt events.SessionStateChanged) {
	if evt.Completion == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	if err := r.Record(ctx, EntryFromCompletion(*evt.Completion)); err != nil {
		r.log.Error("failed to record call", zap.String("session", evt.SessionID), zap.Error(err))
	}
}

// Subscribe records every completion published on bus
func (r *Recorder) Subscribe(bus *events.Bus) (cancel func()) {
	return bus.Subscribe(func(evt events.Event) {
		if sc, ok := evt.(events.SessionStateChanged); ok {
			r.HandleSessionStateChanged(sc)
		}
	}, events.TypeSessionStateChanged)
}
