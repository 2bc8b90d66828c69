package calllog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dense-identity/agentdesk/internal/telephony"
)

// entryRow is the persisted form of Entry. Seq orders rows independently of
// wall-clock timestamps.
type entryRow struct {
	Seq             uint              `gorm:"primaryKey;autoIncrement"`
	ID              string            `gorm:"size:64;not null"`
	SessionID       string            `gorm:"size:64;uniqueIndex;not null"`
	AgentID         string            `gorm:"size:128;index;not null"`
	Timestamp       time.Time         `gorm:"not null"`
	Direction       string            `gorm:"size:16"`
	RemoteParty     string            `gorm:"size:256"`
	Outcome         telephony.Outcome `gorm:"size:16;index"`
	DurationSeconds int               `gorm:"default:0"`
}

func (entryRow) TableName() string { return "call_log_entries" }

func rowFromEntry(e Entry) entryRow {
	return entryRow{
		ID:              e.ID,
		SessionID:       e.SessionID,
		AgentID:         e.AgentID,
		Timestamp:       e.Timestamp,
		Direction:       e.Direction.String(),
		RemoteParty:     e.RemoteParty,
		Outcome:         e.Outcome,
		DurationSeconds: e.DurationSeconds,
	}
}

func (r entryRow) entry() Entry {
	dir, _ := telephony.ParseDirection(r.Direction)
	return Entry{
		ID:              r.ID,
		SessionID:       r.SessionID,
		AgentID:         r.AgentID,
		Timestamp:       r.Timestamp,
		Direction:       dir,
		RemoteParty:     r.RemoteParty,
		Outcome:         r.Outcome,
		DurationSeconds: r.DurationSeconds,
	}
}

// SQLStore persists entries in the call_log_entries table
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) a sqlite database at path. ":memory:" works for tests.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return db, nil
}

// NewSQLStore migrates the schema on db
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&entryRow{}); err != nil {
		return nil, fmt.Errorf("auto migrate call log: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Append(ctx context.Context, e Entry) error {
	row := rowFromEntry(e)
	err := s.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return fmt.Errorf("insert call log entry: %w", err)
}

func (s *SQLStore) ListRecent(ctx context.Context, agentID string, limit int) ([]Entry, error) {
	var rows []entryRow
	q := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list call log: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

func (s *SQLStore) EvictOldest(ctx context.Context, agentID string) error {
	var oldest entryRow
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Order("seq ASC").Limit(1).Take(&oldest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find oldest entry: %w", err)
	}
	if err := s.db.WithContext(ctx).Delete(&entryRow{}, oldest.Seq).Error; err != nil {
		return fmt.Errorf("evict entry: %w", err)
	}
	return nil
}

func (s *SQLStore) Count(ctx context.Context, agentID string) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&entryRow{}).Where("agent_id = ?", agentID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count call log: %w", err)
	}
	return int(n), nil
}
