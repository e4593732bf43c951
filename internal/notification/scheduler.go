package notification

import (
	"container/heap"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chime/internal/eventbus"
	logx "chime/pkg/logx"
)

// Scheduler owns notification records and moves them through their
// lifecycle against a Clock.
//
// All mutations are serialized by one mutex. Events are queued under that
// mutex and delivered outside it by a single drainer, so listeners observe
// transitions in the exact order they happened, whether Tick is driven by
// the clock's timers or called directly.
type Scheduler struct {
	mu sync.Mutex

	clock Clock
	log   logx.Logger
	bus   eventbus.Bus
	sink  Sink
	newID func() string

	seq     uint64
	active  map[string]*entry
	pending pendingQueue
	// stale counts cancelled entries still sitting in pending.
	stale   int
	history *history
	stats   Stats

	lseq      uint64
	listeners map[uint64]Listener

	queue    []Event
	draining bool
	closed   bool
}

type entry struct {
	rec   Record
	timer Timer
}

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

// WithBus publishes every transition on bus, with the EventKind as type.
func WithBus(bus eventbus.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

func WithSink(sink Sink) Option { return func(s *Scheduler) { s.sink = sink } }

// WithHistorySize bounds the acknowledged/cancelled log. Zero disables it.
func WithHistorySize(n int) Option { return func(s *Scheduler) { s.history = newHistory(n) } }

// WithIDGenerator replaces the default UUID generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:     SystemClock(),
		newID:     uuid.NewString,
		active:    map[string]*entry{},
		history:   newHistory(DefaultHistorySize),
		listeners: map[uint64]Listener{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// AddListener registers l and returns a function that removes it.
func (s *Scheduler) AddListener(l Listener) (remove func()) {
	if l == nil {
		return func() {}
	}
	s.mu.Lock()
	s.lseq++
	id := s.lseq
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Schedule creates a Pending record due after delay and returns its id.
func (s *Scheduler) Schedule(title, body string, delay time.Duration) (string, error) {
	if strings.TrimSpace(title) == "" {
		return "", fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if strings.TrimSpace(body) == "" {
		return "", fmt.Errorf("%w: body is required", ErrInvalidInput)
	}
	if delay < 0 {
		return "", fmt.Errorf("%w: delay must be >= 0, got %s", ErrInvalidInput, delay)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	id, err := s.uniqueIDLocked()
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	now := s.clock.Now()
	s.seq++
	e := &entry{rec: Record{
		ID:        id,
		Title:     title,
		Body:      body,
		FireAt:    now.Add(delay),
		State:     StatePending,
		Seq:       s.seq,
		CreatedAt: now,
	}}
	s.active[id] = e
	heap.Push(&s.pending, e)
	e.timer = s.clock.AfterFunc(delay, s.onTimer)
	s.stats.Scheduled++
	s.emitLocked(EventScheduled, e.rec, now)
	fireAt := e.rec.FireAt
	s.mu.Unlock()

	s.log.Debug("notification scheduled",
		logx.String("id", id),
		logx.Duration("delay", delay),
		logx.Time("fire_at", fireAt),
	)
	s.drain()
	return id, nil
}

// ScheduleSeconds is Schedule with a delay in whole seconds.
func (s *Scheduler) ScheduleSeconds(title, body string, delaySeconds int) (string, error) {
	if delaySeconds < 0 {
		return "", fmt.Errorf("%w: delay must be >= 0, got %ds", ErrInvalidInput, delaySeconds)
	}
	return s.Schedule(title, body, time.Duration(delaySeconds)*time.Second)
}

func (s *Scheduler) uniqueIDLocked() (string, error) {
	for range 3 {
		id := s.newID()
		if id == "" {
			continue
		}
		if _, dup := s.active[id]; !dup {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: could not generate a unique id", ErrInvalidInput)
}

// Cancel withdraws a Pending record. It fails with ErrNotFound once the
// record has fired, was already cancelled, or never existed.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	e, ok := s.active[id]
	if !ok || e.rec.State != StatePending {
		s.mu.Unlock()
		return fmt.Errorf("%w: no pending notification %q", ErrNotFound, id)
	}
	now := s.clock.Now()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.rec.State = StateCancelled
	e.rec.CancelledAt = now
	delete(s.active, id)
	s.stale++
	s.compactLocked()
	s.history.add(e.rec)
	s.stats.Cancelled++
	s.emitLocked(EventCancelled, e.rec, now)
	s.mu.Unlock()

	s.log.Debug("notification cancelled", logx.String("id", id))
	s.drain()
	return nil
}

// Acknowledge records the user's interaction with a Fired record.
func (s *Scheduler) Acknowledge(id string) error {
	s.mu.Lock()
	e, ok := s.active[id]
	if !ok || e.rec.State != StateFired {
		s.mu.Unlock()
		return fmt.Errorf("%w: no fired notification %q", ErrNotFound, id)
	}
	now := s.clock.Now()
	e.rec.State = StateAcknowledged
	e.rec.AckedAt = now
	delete(s.active, id)
	s.history.add(e.rec)
	s.stats.Acknowledged++
	s.emitLocked(EventAcknowledged, e.rec, now)
	s.mu.Unlock()

	s.log.Debug("notification acknowledged", logx.String("id", id))
	s.drain()
	return nil
}

// Tick fires every Pending record with FireAt <= now, in FireAt order with
// ties broken by insertion order. It returns the number of records fired.
// Calling it again with the same now fires nothing.
func (s *Scheduler) Tick(now time.Time) int {
	s.mu.Lock()
	fired := 0
	for s.pending.Len() > 0 {
		e := s.pending[0]
		if e.rec.State != StatePending {
			heap.Pop(&s.pending)
			s.stale--
			continue
		}
		if e.rec.FireAt.After(now) {
			break
		}
		heap.Pop(&s.pending)
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.rec.State = StateFired
		e.rec.FiredAt = now
		s.stats.FiredTotal++
		s.emitLocked(EventFired, e.rec, now)
		fired++
	}
	s.mu.Unlock()

	if fired > 0 {
		s.log.Debug("tick fired notifications", logx.Int("count", fired), logx.Time("now", now))
	}
	s.drain()
	return fired
}

func (s *Scheduler) onTimer() {
	s.Tick(s.clock.Now())
}

// ListPending returns the Pending records as of this call, ordered by
// FireAt then insertion order. The sequence can be ranged any number of times.
func (s *Scheduler) ListPending() iter.Seq[Record] {
	s.mu.Lock()
	snap := make([]Record, 0, len(s.active))
	for _, e := range s.active {
		if e.rec.State == StatePending {
			snap = append(snap, e.rec)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(snap, compareRecords)
	return func(yield func(Record) bool) {
		for _, r := range snap {
			if !yield(r) {
				return
			}
		}
	}
}

// ListFired returns records that fired and await acknowledgment.
func (s *Scheduler) ListFired() []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.active))
	for _, e := range s.active {
		if e.rec.State == StateFired {
			out = append(out, e.rec)
		}
	}
	s.mu.Unlock()
	slices.SortFunc(out, compareRecords)
	return out
}

// Get returns an active (Pending or Fired) record.
func (s *Scheduler) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[id]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// History returns acknowledged and cancelled records, oldest first.
func (s *Scheduler) History() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.recent()
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	for _, e := range s.active {
		switch e.rec.State {
		case StatePending:
			st.Pending++
		case StateFired:
			st.Fired++
		}
	}
	return st
}

// Restore loads previously persisted active records without emitting
// events. Pending records get a timer for their original FireAt, so records
// already due fire right away. Terminal records and ids already present are
// skipped.
func (s *Scheduler) Restore(recs []Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	now := s.clock.Now()
	recs = slices.Clone(recs)
	slices.SortFunc(recs, compareRecords)
	n := 0
	for _, r := range recs {
		if r.ID == "" || r.State.IsTerminal() || !r.State.IsValid() {
			continue
		}
		if _, dup := s.active[r.ID]; dup {
			continue
		}
		// Keep insertion order stable relative to records scheduled from now on.
		if r.Seq > s.seq {
			s.seq = r.Seq
		} else if r.Seq == 0 {
			s.seq++
			r.Seq = s.seq
		}
		e := &entry{rec: r}
		s.active[r.ID] = e
		if r.State == StatePending {
			heap.Push(&s.pending, e)
			e.timer = s.clock.AfterFunc(r.FireAt.Sub(now), s.onTimer)
		}
		n++
	}
	return n
}

// Close stops every timer. Records stay queryable and Tick still works,
// but Schedule fails with ErrClosed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, e := range s.active {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

// compactLocked rebuilds the heap once cancelled entries dominate it.
func (s *Scheduler) compactLocked() {
	if s.stale < 64 || s.stale*2 < s.pending.Len() {
		return
	}
	live := s.pending[:0]
	for _, e := range s.pending {
		if e.rec.State == StatePending {
			live = append(live, e)
		}
	}
	clear(s.pending[len(live):])
	s.pending = live
	heap.Init(&s.pending)
	s.stale = 0
}

func (s *Scheduler) emitLocked(kind EventKind, r Record, at time.Time) {
	s.queue = append(s.queue, Event{Kind: kind, Record: r, At: at})
}

// drain delivers queued events. Only one goroutine drains at a time; a
// caller that finds a drain in progress leaves its events to that drainer.
func (s *Scheduler) drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		ls := make([]Listener, 0, len(s.listeners))
		for _, id := range slices.Sorted(maps.Keys(s.listeners)) {
			ls = append(ls, s.listeners[id])
		}
		s.mu.Unlock()

		s.dispatch(ev, ls)

		s.mu.Lock()
	}
	s.queue = nil
	s.draining = false
	s.mu.Unlock()
}

func (s *Scheduler) dispatch(ev Event, ls []Listener) {
	if s.sink != nil {
		s.safeCall("sink", ev, func() { s.sink.Observe(ev) })
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: string(ev.Kind), Time: ev.At, Data: ev.Record})
	}
	for _, l := range ls {
		switch ev.Kind {
		case EventFired:
			s.safeCall("listener", ev, func() { l.OnFired(ev.Record) })
		case EventAcknowledged:
			s.safeCall("listener", ev, func() { l.OnAcknowledged(ev.Record) })
		}
	}
}

func (s *Scheduler) safeCall(who string, ev Event, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("notification "+who+" panicked",
				logx.String("event", string(ev.Kind)),
				logx.String("id", ev.Record.ID),
				logx.Any("panic", r),
			)
		}
	}()
	fn()
}

func compareRecords(a, b Record) int {
	switch {
	case a.before(b):
		return -1
	case b.before(a):
		return 1
	default:
		return 0
	}
}

// pendingQueue is a min-heap ordered by (FireAt, Seq).
type pendingQueue []*entry

func (q pendingQueue) Len() int           { return len(q) }
func (q pendingQueue) Less(i, j int) bool { return q[i].rec.before(q[j].rec) }
func (q pendingQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *pendingQueue) Push(x any) { *q = append(*q, x.(*entry)) }

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}
