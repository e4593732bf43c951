package notification

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"chime/internal/eventbus"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// recorder captures listener callbacks as "kind:title" strings.
type recorder struct {
	mu     sync.Mutex
	events []string
	fired  map[string]int
	acked  map[string]int
}

func newRecorder() *recorder {
	return &recorder{fired: map[string]int{}, acked: map[string]int{}}
}

func (r *recorder) OnFired(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "fired:"+rec.Title)
	r.fired[rec.ID]++
}

func (r *recorder) OnAcknowledged(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "acked:"+rec.Title)
	r.acked[rec.ID]++
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, *ManualClock, *recorder) {
	t.Helper()
	clock := NewManualClock(t0)
	seq := 0
	base := []Option{
		WithClock(clock),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("n%d", seq)
		}),
	}
	s := New(append(base, opts...)...)
	rec := newRecorder()
	s.AddListener(rec)
	t.Cleanup(s.Close)
	return s, clock, rec
}

func mustSchedule(t *testing.T, s *Scheduler, title, body string, delay time.Duration) string {
	t.Helper()
	id, err := s.Schedule(title, body, delay)
	if err != nil {
		t.Fatalf("Schedule(%q) error = %v", title, err)
	}
	return id
}

func pendingIDs(s *Scheduler) []string {
	var ids []string
	for r := range s.ListPending() {
		ids = append(ids, r.ID)
	}
	return ids
}

func stateOf(t *testing.T, s *Scheduler, id string) State {
	t.Helper()
	if r, ok := s.Get(id); ok {
		return r.State
	}
	for _, r := range s.History() {
		if r.ID == id {
			return r.State
		}
	}
	t.Fatalf("record %q not found in active set or history", id)
	return 0
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)

	tests := []struct {
		name  string
		title string
		body  string
		delay time.Duration
	}{
		{name: "empty title", title: "", body: "b", delay: 0},
		{name: "blank title", title: "   ", body: "b", delay: 0},
		{name: "empty body", title: "t", body: "", delay: 0},
		{name: "negative delay", title: "t", body: "b", delay: -time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Schedule(tt.title, tt.body, tt.delay)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("Schedule() error = %v, want ErrInvalidInput", err)
			}
		})
	}
	if _, err := s.ScheduleSeconds("t", "b", -1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("ScheduleSeconds(-1) error = %v, want ErrInvalidInput", err)
	}
	if got := s.Stats().Pending; got != 0 {
		t.Fatalf("Pending = %d after rejected requests, want 0", got)
	}
}

func TestScheduleReturnsUniquePendingIDs(t *testing.T) {
	t.Parallel()
	s := New(WithClock(NewManualClock(t0)))
	t.Cleanup(s.Close)

	seen := map[string]bool{}
	for i := range 200 {
		id, err := s.ScheduleSeconds("title", "body", i%7)
		if err != nil {
			t.Fatalf("ScheduleSeconds() error = %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		r, ok := s.Get(id)
		if !ok || r.State != StatePending {
			t.Fatalf("record %q state = %v, want pending", id, r.State)
		}
		if want := t0.Add(time.Duration(i%7) * time.Second); !r.FireAt.Equal(want) {
			t.Fatalf("FireAt = %v, want %v", r.FireAt, want)
		}
	}
}

func TestScheduleRetriesDuplicateIDs(t *testing.T) {
	t.Parallel()
	ids := []string{"a", "a", "b"}
	i := 0
	s := New(WithClock(NewManualClock(t0)), WithIDGenerator(func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}))
	t.Cleanup(s.Close)

	first := mustSchedule(t, s, "t", "b", time.Second)
	second := mustSchedule(t, s, "t", "b", time.Second)
	if first != "a" || second != "b" {
		t.Fatalf("ids = %q, %q; want a, b", first, second)
	}
}

func TestCancelPending(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)
	id := mustSchedule(t, s, "C", "c", 5*time.Second)
	keep := mustSchedule(t, s, "K", "k", 5*time.Second)

	if err := s.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got := pendingIDs(s); !slices.Equal(got, []string{keep}) {
		t.Fatalf("ListPending() = %v, want [%s]", got, keep)
	}
	if got := stateOf(t, s, id); got != StateCancelled {
		t.Fatalf("state = %v, want cancelled", got)
	}
}

func TestCancelNotFound(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)

	fired := mustSchedule(t, s, "F", "f", 0)
	s.Tick(t0)
	cancelled := mustSchedule(t, s, "X", "x", time.Second)
	if err := s.Cancel(cancelled); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	for _, id := range []string{fired, cancelled, "unknown"} {
		if err := s.Cancel(id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Cancel(%q) error = %v, want ErrNotFound", id, err)
		}
	}
}

func TestAcknowledgeNotFound(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestScheduler(t)

	pending := mustSchedule(t, s, "P", "p", time.Minute)
	if err := s.Acknowledge(pending); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Acknowledge(pending) error = %v, want ErrNotFound", err)
	}
	if err := s.Acknowledge("unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Acknowledge(unknown) error = %v, want ErrNotFound", err)
	}

	id := mustSchedule(t, s, "A", "a", 0)
	s.Tick(t0)
	if err := s.Acknowledge(id); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if err := s.Acknowledge(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Acknowledge() error = %v, want ErrNotFound", err)
	}
	if rec.acked[id] != 1 {
		t.Fatalf("OnAcknowledged count = %d, want 1", rec.acked[id])
	}
}

func TestTickFiresDueOnce(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestScheduler(t)

	var ids []string
	for i := range 5 {
		ids = append(ids, mustSchedule(t, s, fmt.Sprintf("T%d", i), "b", time.Duration(i)*time.Second))
	}
	now := t0.Add(10 * time.Second)
	if got := s.Tick(now); got != 5 {
		t.Fatalf("Tick() fired %d, want 5", got)
	}
	if got := s.Tick(now); got != 0 {
		t.Fatalf("second Tick() fired %d, want 0", got)
	}
	for _, id := range ids {
		if got := stateOf(t, s, id); got != StateFired {
			t.Fatalf("state(%s) = %v, want fired", id, got)
		}
		if rec.fired[id] != 1 {
			t.Fatalf("OnFired(%s) count = %d, want 1", id, rec.fired[id])
		}
	}
}

func TestScenarioFireThenAcknowledge(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestScheduler(t)

	id := mustSchedule(t, s, "A", "a", 0)
	s.Tick(t0)
	if got := stateOf(t, s, id); got != StateFired {
		t.Fatalf("state = %v, want fired", got)
	}
	if err := s.Acknowledge(id); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if got := stateOf(t, s, id); got != StateAcknowledged {
		t.Fatalf("state = %v, want acknowledged", got)
	}
	if _, ok := s.Get(id); ok {
		t.Fatal("acknowledged record should leave the active set")
	}
	if got, want := rec.snapshot(), []string{"fired:A", "acked:A"}; !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestScenarioNotYetDue(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestScheduler(t)

	id := mustSchedule(t, s, "B", "b", 10*time.Second)
	s.Tick(t0.Add(5 * time.Second))
	if got := stateOf(t, s, id); got != StatePending {
		t.Fatalf("state = %v, want pending", got)
	}
	s.Tick(t0.Add(10 * time.Second))
	if got := stateOf(t, s, id); got != StateFired {
		t.Fatalf("state = %v, want fired", got)
	}
	if rec.fired[id] != 1 {
		t.Fatalf("OnFired count = %d, want 1", rec.fired[id])
	}
}

func TestScenarioCancelBeforeDue(t *testing.T) {
	t.Parallel()
	s, clock, rec := newTestScheduler(t)

	id := mustSchedule(t, s, "C", "c", 5*time.Second)
	clock.Advance(time.Second)
	if err := s.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	clock.Advance(4 * time.Second)
	s.Tick(t0.Add(5 * time.Second))

	if got := stateOf(t, s, id); got != StateCancelled {
		t.Fatalf("state = %v, want cancelled", got)
	}
	if len(rec.snapshot()) != 0 {
		t.Fatalf("events = %v, want none", rec.snapshot())
	}
	if clock.Timers() != 0 {
		t.Fatalf("armed timers = %d, want 0", clock.Timers())
	}
}

func TestScenarioTiesFireInInsertionOrder(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestScheduler(t)

	mustSchedule(t, s, "late", "x", 3*time.Second)
	mustSchedule(t, s, "first", "x", 2*time.Second)
	mustSchedule(t, s, "second", "x", 2*time.Second)
	mustSchedule(t, s, "third", "x", 2*time.Second)

	s.Tick(t0.Add(time.Minute))
	want := []string{"fired:first", "fired:second", "fired:third", "fired:late"}
	if got := rec.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestTimersMatchExplicitTicks(t *testing.T) {
	t.Parallel()

	run := func(driveByTimers bool) []string {
		s, clock, rec := newTestScheduler(t)
		mustSchedule(t, s, "a", "x", 4*time.Second)
		b := mustSchedule(t, s, "b", "x", 2*time.Second)
		mustSchedule(t, s, "c", "x", 2*time.Second)
		d := mustSchedule(t, s, "d", "x", 3*time.Second)
		if err := s.Cancel(d); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if driveByTimers {
			clock.Advance(2 * time.Second)
			if err := s.Acknowledge(b); err != nil {
				t.Fatalf("Acknowledge() error = %v", err)
			}
			clock.Advance(2 * time.Second)
		} else {
			s.Tick(t0.Add(2 * time.Second))
			if err := s.Acknowledge(b); err != nil {
				t.Fatalf("Acknowledge() error = %v", err)
			}
			s.Tick(t0.Add(4 * time.Second))
		}
		return rec.snapshot()
	}

	timers, ticks := run(true), run(false)
	want := []string{"fired:b", "fired:c", "acked:b", "fired:a"}
	if !slices.Equal(timers, want) {
		t.Fatalf("timer-driven events = %v, want %v", timers, want)
	}
	if !slices.Equal(ticks, timers) {
		t.Fatalf("tick-driven events = %v, timer-driven = %v", ticks, timers)
	}
}

func TestListPendingSnapshot(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)

	c := mustSchedule(t, s, "c", "x", 3*time.Second)
	a := mustSchedule(t, s, "a", "x", time.Second)
	b := mustSchedule(t, s, "b", "x", 2*time.Second)

	seq := s.ListPending()
	want := []string{a, b, c}

	// Mutations after the call are not visible.
	if err := s.Cancel(b); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	mustSchedule(t, s, "z", "x", 0)

	for pass := range 2 {
		var got []string
		for r := range seq {
			got = append(got, r.ID)
		}
		if !slices.Equal(got, want) {
			t.Fatalf("pass %d: ListPending() = %v, want %v", pass, got, want)
		}
	}

	// Early break stops iteration.
	n := 0
	for range seq {
		n++
		break
	}
	if n != 1 {
		t.Fatalf("iterations after break = %d, want 1", n)
	}
}

func TestListenerReentrantAcknowledge(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestScheduler(t)

	var errs []error
	s.AddListener(ListenerFuncs{Fired: func(r Record) {
		errs = append(errs, s.Acknowledge(r.ID))
	}})

	mustSchedule(t, s, "A", "a", 0)
	mustSchedule(t, s, "B", "b", 0)
	s.Tick(t0)

	for _, err := range errs {
		if err != nil {
			t.Fatalf("Acknowledge() from listener error = %v", err)
		}
	}
	want := []string{"fired:A", "fired:B", "acked:A", "acked:B"}
	if got := rec.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRemoveListener(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)
	extra := newRecorder()
	remove := s.AddListener(extra)
	remove()
	remove()

	mustSchedule(t, s, "A", "a", 0)
	s.Tick(t0)
	if len(extra.snapshot()) != 0 {
		t.Fatalf("removed listener got %v", extra.snapshot())
	}
}

func TestListenerPanicDoesNotStall(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestScheduler(t)
	s.AddListener(ListenerFuncs{Fired: func(Record) { panic("bad listener") }})

	mustSchedule(t, s, "A", "a", 0)
	s.Tick(t0)
	mustSchedule(t, s, "B", "b", 0)
	s.Tick(t0)

	if got, want := rec.snapshot(), []string{"fired:A", "fired:B"}; !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestSinkAndBusSeeEveryTransition(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		kinds []EventKind
	)
	sink := SinkFunc(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, string(EventFired), string(EventAcknowledged))
	defer unsub()

	s, _, _ := newTestScheduler(t, WithSink(sink), WithBus(bus))
	a := mustSchedule(t, s, "A", "a", 0)
	b := mustSchedule(t, s, "B", "b", time.Hour)
	s.Tick(t0)
	if err := s.Acknowledge(a); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if err := s.Cancel(b); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	want := []EventKind{EventScheduled, EventScheduled, EventFired, EventAcknowledged, EventCancelled}
	mu.Lock()
	got := append([]EventKind(nil), kinds...)
	mu.Unlock()
	if !slices.Equal(got, want) {
		t.Fatalf("sink kinds = %v, want %v", got, want)
	}

	for _, wantType := range []EventKind{EventFired, EventAcknowledged} {
		select {
		case e := <-ch:
			if e.Type != string(wantType) {
				t.Fatalf("bus event = %s, want %s", e.Type, wantType)
			}
			if r, ok := e.Data.(Record); !ok || r.ID != a {
				t.Fatalf("bus data = %#v, want record %s", e.Data, a)
			}
		default:
			t.Fatalf("missing bus event %s", wantType)
		}
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t, WithHistorySize(3))

	var ids []string
	for i := range 5 {
		id := mustSchedule(t, s, fmt.Sprintf("h%d", i), "x", time.Hour)
		ids = append(ids, id)
		if err := s.Cancel(id); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
	}
	h := s.History()
	if len(h) != 3 {
		t.Fatalf("len(History()) = %d, want 3", len(h))
	}
	if h[0].ID != ids[2] || h[2].ID != ids[4] {
		t.Fatalf("History() = %v..%v, want %v..%v", h[0].ID, h[2].ID, ids[2], ids[4])
	}
}

func TestManyCancellationsCompactQueue(t *testing.T) {
	t.Parallel()
	s, _, rec := newTestScheduler(t, WithHistorySize(0))

	var keep []string
	for i := range 300 {
		id := mustSchedule(t, s, fmt.Sprintf("r%d", i), "x", time.Duration(i)*time.Millisecond)
		if i%10 == 0 {
			keep = append(keep, id)
			continue
		}
		if err := s.Cancel(id); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
	}
	s.mu.Lock()
	qlen := s.pending.Len()
	s.mu.Unlock()
	if qlen >= 300 {
		t.Fatalf("pending queue length = %d, expected compaction", qlen)
	}
	if got := pendingIDs(s); !slices.Equal(got, keep) {
		t.Fatalf("ListPending() = %v, want %v", got, keep)
	}
	s.Tick(t0.Add(time.Second))
	if got := len(rec.snapshot()); got != len(keep) {
		t.Fatalf("fired = %d, want %d", got, len(keep))
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t)

	a := mustSchedule(t, s, "a", "x", 0)
	mustSchedule(t, s, "b", "x", 0)
	c := mustSchedule(t, s, "c", "x", time.Hour)
	mustSchedule(t, s, "d", "x", time.Hour)
	s.Tick(t0)
	_ = s.Acknowledge(a)
	_ = s.Cancel(c)

	got := s.Stats()
	want := Stats{Pending: 1, Fired: 1, Scheduled: 4, FiredTotal: 2, Acknowledged: 1, Cancelled: 1}
	if got != want {
		t.Fatalf("Stats() = %+v, want %+v", got, want)
	}
	if fired := s.ListFired(); len(fired) != 1 || fired[0].Title != "b" {
		t.Fatalf("ListFired() = %+v", fired)
	}
}

func TestRestoreRearmsTimers(t *testing.T) {
	t.Parallel()
	s, clock, rec := newTestScheduler(t)

	n := s.Restore([]Record{
		{ID: "later", Title: "L", Body: "l", FireAt: t0.Add(2 * time.Second), State: StatePending, Seq: 7},
		{ID: "overdue", Title: "O", Body: "o", FireAt: t0.Add(-time.Minute), State: StatePending, Seq: 3},
		{ID: "waiting", Title: "W", Body: "w", FireAt: t0.Add(-time.Hour), State: StateFired, Seq: 1},
		{ID: "done", Title: "D", Body: "d", State: StateAcknowledged, Seq: 2},
	})
	if n != 3 {
		t.Fatalf("Restore() = %d, want 3", n)
	}
	if len(rec.snapshot()) != 0 {
		t.Fatal("Restore() must not emit events")
	}

	clock.Advance(0)
	clock.Advance(2 * time.Second)
	if got, want := rec.snapshot(), []string{"fired:O", "fired:L"}; !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if err := s.Acknowledge("waiting"); err != nil {
		t.Fatalf("Acknowledge(restored fired) error = %v", err)
	}

	// New records sort after restored ones with the same FireAt.
	id := mustSchedule(t, s, "new", "x", 0)
	r, _ := s.Get(id)
	if r.Seq <= 7 {
		t.Fatalf("Seq = %d, want > 7", r.Seq)
	}
}

func TestCloseRejectsSchedule(t *testing.T) {
	t.Parallel()
	s, clock, _ := newTestScheduler(t)
	mustSchedule(t, s, "a", "x", time.Second)
	s.Close()
	if clock.Timers() != 0 {
		t.Fatalf("armed timers after Close = %d, want 0", clock.Timers())
	}
	if _, err := s.Schedule("b", "x", 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("Schedule() after Close error = %v, want ErrClosed", err)
	}
}

func TestConcurrentCancelAndTick(t *testing.T) {
	t.Parallel()
	s := New(WithClock(NewManualClock(t0)))
	t.Cleanup(s.Close)
	rec := newRecorder()
	s.AddListener(rec)

	ids := make([]string, 100)
	for i := range ids {
		ids[i] = mustSchedule(t, s, "r", "x", time.Second)
	}

	var (
		wg        sync.WaitGroup
		cancelled sync.Map
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			if s.Cancel(id) == nil {
				cancelled.Store(id, true)
			}
		}
	}()
	go func() {
		defer wg.Done()
		s.Tick(t0.Add(time.Second))
	}()
	wg.Wait()

	for _, id := range ids {
		_, wasCancelled := cancelled.Load(id)
		rec.mu.Lock()
		fired := rec.fired[id]
		rec.mu.Unlock()
		if wasCancelled == (fired == 1) || fired > 1 {
			t.Fatalf("record %s: cancelled=%v fired=%d; exactly one must win", id, wasCancelled, fired)
		}
	}
}
