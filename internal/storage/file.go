package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"chime/internal/notification"
	logx "chime/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.active.snapshot.json (compacted active set)
//   - <prefix>.active.journal.jsonl (append-only put/del ops)
//   - <prefix>.history.jsonl        (append-only terminal records)
//
// The journal is compacted into the snapshot at open and every
// compactEvery writes. History is rewritten once it holds twice its limit.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	historyPath  string
	historyFile  *os.File

	active       map[string]notification.Record
	writes       int
	compactEvery int

	historyLimit int
	historyLines int
}

type journalOp struct {
	Op     string               `json:"op"` // put | del
	ID     string               `json:"id,omitempty"`
	Record *notification.Record `json:"record,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".active.snapshot.json",
		historyPath:  prefix + ".history.jsonl",
		active:       map[string]notification.Record{},
		compactEvery: 500,
		historyLimit: historyLimit(cfg),
	}
	journalPath := prefix + ".active.journal.jsonl"

	if err := loadSnapshot(s.snapshotPath, s.active); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, s.active); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	if err := s.compactLocked(); err != nil {
		log.Warn("journal compact failed", logx.Err(err))
	}

	n, err := countLines(s.historyPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = jf.Close()
		return nil, err
	}
	s.historyLines = n
	hf, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.historyFile = hf

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("active", len(s.active)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.compactLocked(), s.journal.Close())
		s.journal = nil
	}
	if s.historyFile != nil {
		errs = append(errs, s.historyFile.Close())
		s.historyFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) SaveRecord(_ context.Context, r notification.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	s.active[r.ID] = r
	return s.appendOpLocked(journalOp{Op: "put", Record: &r})
}

func (s *fileStore) DeleteRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.active[id]; !ok {
		return nil
	}
	delete(s.active, id)
	return s.appendOpLocked(journalOp{Op: "del", ID: id})
}

func (s *fileStore) appendOpLocked(op journalOp) error {
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadActive(context.Context) ([]notification.Record, error) {
	s.mu.Lock()
	out := slices.Collect(maps.Values(s.active))
	s.mu.Unlock()
	sortActive(out)
	return out, nil
}

func (s *fileStore) AppendHistory(_ context.Context, r notification.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.historyFile).Encode(r); err != nil {
		return err
	}
	s.historyLines++
	if s.historyLines >= 2*s.historyLimit {
		if err := s.trimHistoryLocked(); err != nil {
			s.log.Debug("history trim failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentHistory(_ context.Context, limit int) ([]notification.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := readHistory(s.historyPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return tail(recs, limit), nil
}

// compactLocked writes the active set to the snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	if err := writeJSONAtomic(s.snapshotPath, s.active); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err := s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) trimHistoryLocked() error {
	recs, err := readHistory(s.historyPath)
	if err != nil {
		return err
	}
	recs = tail(recs, s.historyLimit)

	tmp := s.historyPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	_ = s.historyFile.Close()
	if err := os.Rename(tmp, s.historyPath); err != nil {
		return err
	}
	hf, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.historyFile = nil
		return err
	}
	s.historyFile = hf
	s.historyLines = len(recs)
	return nil
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadSnapshot(path string, out map[string]notification.Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]notification.Record
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	maps.Copy(out, m)
	return nil
}

// maxLine bounds one JSONL line. Longer lines are skipped like torn ones
// so a single oversized record cannot keep the store from opening.
const maxLine = 1 << 20

// eachLine calls fn with every line of r that fits in maxLine bytes. The
// slice is reused between calls.
func eachLine(r io.Reader, fn func([]byte)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, more, err := br.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if !tooLong {
			buf = append(buf, chunk...)
			tooLong = len(buf) > maxLine
		}
		if more {
			continue
		}
		if !tooLong {
			fn(buf)
		}
		buf, tooLong = buf[:0], false
	}
}

// replayJournal applies put/del ops on top of out. A torn final line from a
// crash is skipped.
func replayJournal(path string, out map[string]notification.Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return eachLine(f, func(line []byte) {
		var op journalOp
		if err := json.Unmarshal(line, &op); err != nil {
			return
		}
		switch op.Op {
		case "put":
			if op.Record != nil && op.Record.ID != "" {
				out[op.Record.ID] = *op.Record
			}
		case "del":
			delete(out, op.ID)
		}
	})
}

func readHistory(path string) ([]notification.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []notification.Record
	err = eachLine(f, func(line []byte) {
		var r notification.Record
		if err := json.Unmarshal(line, &r); err != nil || r.ID == "" {
			return
		}
		out = append(out, r)
	})
	return out, err
}

// countLines counts newline-terminated lines plus an unterminated tail.
func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, last := 0, byte('\n')
	buf := make([]byte, 32*1024)
	for {
		k, err := f.Read(buf)
		if k > 0 {
			n += bytes.Count(buf[:k], []byte{'\n'})
			last = buf[k-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if last != '\n' {
		n++
	}
	return n, nil
}
