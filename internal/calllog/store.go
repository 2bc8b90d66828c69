// Package calllog keeps a bounded, most-recent-first history of completed
// calls per agent.
package calllog

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dense-identity/agentdesk/internal/telephony"
)

// defaultSessionMemory bounds how many logged session IDs a MemoryStore remembers
const defaultSessionMemory = 4096

// ErrDuplicate is returned by a Store when the session is already logged
var ErrDuplicate = errors.New("session already logged")

// Entry is one completed call. Exactly one exists per session.
type Entry struct {
	ID              string              `json:"id"`
	SessionID       string              `json:"sessionId"`
	AgentID         string              `json:"agentId"`
	Timestamp       time.Time           `json:"timestamp"`
	Direction       telephony.Direction `json:"direction"`
	RemoteParty     string              `json:"remoteParty"`
	Outcome         telephony.Outcome   `json:"outcome"`
	DurationSeconds int                 `json:"durationSeconds"`
}

// Store persists entries. Append must return ErrDuplicate for a session it
// already holds.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// ListRecent returns at most limit entries for agentID, newest first
	ListRecent(ctx context.Context, agentID string, limit int) ([]Entry, error)
	// EvictOldest removes the single oldest entry for agentID
	EvictOldest(ctx context.Context, agentID string) error
	Count(ctx context.Context, agentID string) (int, error)
}

// MemoryStore keeps entries in process memory. Logged session IDs are
// remembered in a bounded LRU, so duplicate detection reaches back over the
// most recent sessions only.
type MemoryStore struct {
	mu       sync.Mutex
	byAgent  map[string][]Entry
	sessions *lru.Cache[string, struct{}]
}

func NewMemoryStore() *MemoryStore {
	return newMemoryStore(defaultSessionMemory)
}

func newMemoryStore(sessions int) *MemoryStore {
	seen, _ := lru.New[string, struct{}](sessions)
	return &MemoryStore{
		byAgent:  make(map[string][]Entry),
		sessions: seen,
	}
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions.Contains(e.SessionID) {
		return ErrDuplicate
	}
	s.sessions.Add(e.SessionID, struct{}{})
	s.byAgent[e.AgentID] = append(s.byAgent[e.AgentID], e)
	return nil
}

func (s *MemoryStore) ListRecent(_ context.Context, agentID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byAgent[agentID]
	n := len(list)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (s *MemoryStore) EvictOldest(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byAgent[agentID]
	if len(list) == 0 {
		return nil
	}
	// the session stays marked so a replayed completion is still a duplicate
	s.byAgent[agentID] = append(list[:0:0], list[1:]...)
	return nil
}

func (s *MemoryStore) Count(_ context.Context, agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAgent[agentID]), nil
}
