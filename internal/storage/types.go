package storage

import (
	"context"
	"errors"
	"time"

	"chime/internal/notification"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//   - "redis": Redis server addressed by DSN (redis:// URL)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver string
	// Path is the file prefix (file), database file (sqlite) or key prefix (redis).
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// HistoryLimit caps the persisted terminal log. 0 means 1000.
	HistoryLimit int
}

// Store persists notification records across restarts.
//
// Active records (Pending, Fired) are keyed by ID and replaced on every
// save. Terminal records (Acknowledged, Cancelled) go to an append-only
// history that the store trims to its limit.
type Store interface {
	SaveRecord(ctx context.Context, r notification.Record) error
	DeleteRecord(ctx context.Context, id string) error
	AppendHistory(ctx context.Context, r notification.Record) error
	// LoadActive returns active records ordered by FireAt then Seq.
	LoadActive(ctx context.Context) ([]notification.Record, error)
	// RecentHistory returns up to limit terminal records, oldest first.
	RecentHistory(ctx context.Context, limit int) ([]notification.Record, error)
	Close() error
}

const defaultHistoryLimit = 1000

func historyLimit(cfg Config) int {
	if cfg.HistoryLimit > 0 {
		return cfg.HistoryLimit
	}
	return defaultHistoryLimit
}
