package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chime/internal/notification"
	rtsup "chime/internal/runtime/supervisor"
	logx "chime/pkg/logx"
)

const (
	defaultJournalQueue = 1024
	journalWriteTimeout = 2 * time.Second
)

// Journal mirrors scheduler transitions into a Store. It implements
// notification.Sink: Observe never blocks, and a single writer applies
// events in the order they were observed. Write failures are logged.
type Journal struct {
	store Store
	log   logx.Logger

	mu        sync.Mutex
	queue     chan notification.Event
	accepting bool
	sendWG    sync.WaitGroup
	sup       *rtsup.Supervisor

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// JournalStats is a best-effort view for health output.
type JournalStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

func NewJournal(store Store, log logx.Logger, queueSize int) *Journal {
	if log.IsZero() {
		log = logx.Nop()
	}
	if queueSize <= 0 {
		queueSize = defaultJournalQueue
	}
	return &Journal{
		store:     store,
		log:       log,
		queue:     make(chan notification.Event, queueSize),
		accepting: true,
	}
}

// Observe queues ev for writing. Events observed before Start are buffered.
func (j *Journal) Observe(ev notification.Event) {
	j.mu.Lock()
	if !j.accepting {
		j.mu.Unlock()
		j.dropped.Add(1)
		return
	}
	j.sendWG.Add(1)
	q := j.queue
	j.mu.Unlock()
	defer j.sendWG.Done()

	select {
	case q <- ev:
	default:
		j.dropped.Add(1)
		j.log.Warn("journal queue full; event dropped",
			logx.String("id", ev.Record.ID),
			logx.String("kind", string(ev.Kind)),
		)
	}
}

func (j *Journal) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.sup != nil || !j.accepting {
		return
	}
	j.sup = rtsup.New(ctx, rtsup.WithLogger(j.log))
	q := j.queue
	j.sup.Go0("journal.writer", func(c context.Context) {
		for ev := range q {
			j.write(ev)
		}
	})
}

// Stop stops intake and drains queued events until ctx is done.
func (j *Journal) Stop(ctx context.Context) {
	j.mu.Lock()
	if !j.accepting {
		j.mu.Unlock()
		return
	}
	j.accepting = false
	sup := j.sup
	j.mu.Unlock()

	j.sendWG.Wait()
	close(j.queue)
	if sup == nil {
		return
	}
	if err := sup.Wait(ctx); err != nil {
		j.log.Warn("journal drain incomplete", logx.Err(err), logx.Int("queued", len(j.queue)))
	}
}

func (j *Journal) Stats() JournalStats {
	return JournalStats{
		Written: j.written.Load(),
		Dropped: j.dropped.Load(),
		Failed:  j.failed.Load(),
		Queued:  len(j.queue),
	}
}

func (j *Journal) write(ev notification.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	var err error
	switch ev.Kind {
	case notification.EventScheduled, notification.EventFired:
		err = j.store.SaveRecord(ctx, ev.Record)
	case notification.EventAcknowledged, notification.EventCancelled:
		if err = j.store.AppendHistory(ctx, ev.Record); err == nil {
			err = j.store.DeleteRecord(ctx, ev.Record.ID)
		}
	default:
		return
	}
	if err != nil {
		j.failed.Add(1)
		j.log.Warn("journal write failed",
			logx.String("id", ev.Record.ID),
			logx.String("kind", string(ev.Kind)),
			logx.Err(err),
		)
		return
	}
	j.written.Add(1)
}
