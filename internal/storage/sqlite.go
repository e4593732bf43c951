package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"chime/internal/notification"
	logx "chime/pkg/logx"
)

//go:embed migrations.sql
var schemaSQL string

const recordColumns = `id, title, body, state, seq, fire_at, created_at, fired_at, acked_at, cancelled_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	historyLimit int
	opCount      atomic.Uint64
	pruneEvery   uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps :memory: on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log, historyLimit: historyLimit(cfg), pruneEvery: 200}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveRecord(ctx context.Context, r notification.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(`+recordColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   state=excluded.state, fired_at=excluded.fired_at,
		   acked_at=excluded.acked_at, cancelled_at=excluded.cancelled_at`,
		recordArgs(r)...,
	)
	return err
}

func (s *sqliteStore) DeleteRecord(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) AppendHistory(ctx context.Context, r notification.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history(`+recordColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		recordArgs(r)...,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		if perr := s.pruneHistory(ctx); perr != nil {
			s.log.Debug("history prune failed", logx.Err(perr))
		}
	}
	return err
}

func (s *sqliteStore) pruneHistory(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM history WHERE hid <= (SELECT COALESCE(MAX(hid), 0) FROM history) - ?`,
		s.historyLimit,
	)
	return err
}

func (s *sqliteStore) LoadActive(ctx context.Context) ([]notification.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM notifications ORDER BY fire_at, seq`)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *sqliteStore) RecentHistory(ctx context.Context, limit int) ([]notification.Record, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM history ORDER BY hid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	out, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func recordArgs(r notification.Record) []any {
	return []any{
		r.ID, r.Title, r.Body, r.State.String(), int64(r.Seq),
		unixNano(r.FireAt), unixNano(r.CreatedAt),
		unixNano(r.FiredAt), unixNano(r.AckedAt), unixNano(r.CancelledAt),
	}
}

func scanRecords(rows *sql.Rows) ([]notification.Record, error) {
	defer rows.Close()
	var out []notification.Record
	for rows.Next() {
		var (
			r                                  notification.Record
			state                              string
			seq                                int64
			fireAt, created, fired, acked, can int64
		)
		if err := rows.Scan(&r.ID, &r.Title, &r.Body, &state, &seq, &fireAt, &created, &fired, &acked, &can); err != nil {
			return nil, err
		}
		st, err := notification.ParseState(state)
		if err != nil {
			return nil, err
		}
		r.State = st
		r.Seq = uint64(seq)
		r.FireAt = fromUnixNano(fireAt)
		r.CreatedAt = fromUnixNano(created)
		r.FiredAt = fromUnixNano(fired)
		r.AckedAt = fromUnixNano(acked)
		r.CancelledAt = fromUnixNano(can)
		out = append(out, r)
	}
	return out, rows.Err()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
