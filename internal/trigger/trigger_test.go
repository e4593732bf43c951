package trigger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"chime/internal/eventbus"
	"chime/internal/notification"
	logx "chime/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   SpecKind
		source string
		every  time.Duration
		expr   string
	}{
		{name: "cron", raw: "*/15 * * * *", kind: SpecCron, source: "cron", expr: "*/15 * * * *"},
		{name: "cron with seconds", raw: "0 */15 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 15m", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", expr: "0 0 * * *"},
		{name: "duration", raw: "15m", kind: SpecInterval, source: "duration", every: 15 * time.Minute, expr: "@every 15m0s"},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", every: 45 * time.Second},
		{name: "every prefix hhmm", raw: "every:00:15", kind: SpecInterval, source: "hhmm", every: 15 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", every: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error = %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Source != tt.source {
				t.Fatalf("ParseSchedule(%q) = %v/%s, want %v/%s", tt.raw, got.Kind, got.Source, tt.kind, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
			if tt.expr != "" && got.Expr() != tt.expr {
				t.Fatalf("Expr() = %q, want %q", got.Expr(), tt.expr)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "-5m", "00:00", "01:75", "cron:", "interval:", "* * *", "cron:61 * * * *"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) error = nil", raw)
		}
	}
}

func TestIntervalSpreadOnlyDelaysFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sched, spread := intervalWithSpread(10*time.Second, now, "x")
	if spread < 0 || spread >= 10*time.Second {
		t.Fatalf("spread = %v, want [0, 10s)", spread)
	}
	first := sched.Next(now)
	if want := now.Add(10*time.Second + spread); !first.Equal(want) {
		t.Fatalf("first Next = %v, want %v", first, want)
	}
	if second := sched.Next(first); second.Sub(first) != 10*time.Second {
		t.Fatalf("second gap = %v, want 10s", second.Sub(first))
	}

	_, spread = intervalWithSpread(time.Hour, now, "y")
	if spread >= maxStartupSpread {
		t.Fatalf("spread = %v, want < %v", spread, maxStartupSpread)
	}
}

func TestServiceAddReplaceRemove(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }

	if err := s.Add("", "15m", 0, noop); err == nil {
		t.Fatal("Add() with empty name error = nil")
	}
	if err := s.Add("a", "bogus", 0, noop); err == nil {
		t.Fatal("Add() with bad schedule error = nil")
	}
	if err := s.Add("a", "15m", 0, noop); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Add("b", "0 * * * *", 0, noop); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Add("a", "1h", 0, noop); err != nil {
		t.Fatalf("Add() replace error = %v", err)
	}

	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	tasks := s.Tasks()
	if len(tasks) != 2 || tasks[0].Name != "b" || tasks[1].Name != "a" || tasks[1].Spec != "@every 1h0m0s" {
		t.Fatalf("Tasks() = %+v", tasks)
	}
	if tasks[0].Next.IsZero() {
		t.Fatal("cron task has no next run after Start")
	}
	if !s.Remove("a") || s.Remove("a") {
		t.Fatal("Remove() should succeed once")
	}
	if got := len(s.Tasks()); got != 1 {
		t.Fatalf("len(Tasks()) = %d, want 1", got)
	}
}

func TestRunNowRecordsOutcome(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	runs, unsub := bus.Subscribe(4, EventRun)
	defer unsub()

	s := New(Config{}, logx.Nop(), bus)
	_ = s.Add("boom", "1h", 0, func(context.Context) error { return errors.New("boom") })
	_ = s.Add("panic", "1h", 0, func(context.Context) error { panic("bad") })

	run, err := s.RunNow(context.Background(), "boom")
	if err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if run.Error != "boom" {
		t.Fatalf("run = %+v", run)
	}
	if ev := <-runs; ev.Data.(Run).Name != "boom" {
		t.Fatalf("bus run = %+v", ev.Data)
	}
	if run, _ := s.RunNow(context.Background(), "panic"); run.Error == "" {
		t.Fatal("panicking task should report an error")
	}
	if _, err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("RunNow(missing) error = nil")
	}

	info := s.Tasks()[0]
	if info.Runs != 1 || info.Failed != 1 || info.LastErr != "boom" {
		t.Fatalf("Tasks()[0] = %+v", info)
	}
}

func TestRunNowSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	entered, release := make(chan struct{}), make(chan struct{})
	_ = s.Add("slow", "1h", 0, func(context.Context) error {
		close(entered)
		<-release
		return nil
	})

	done := make(chan Run)
	go func() {
		r, _ := s.RunNow(context.Background(), "slow")
		done <- r
	}()
	<-entered
	if r, _ := s.RunNow(context.Background(), "slow"); !r.Skipped {
		t.Fatalf("second run = %+v, want skipped", r)
	}
	close(release)
	if r := <-done; r.Skipped {
		t.Fatal("first run reported as skipped")
	}
	if info := s.Tasks()[0]; info.Runs != 1 || info.Skipped != 1 {
		t.Fatalf("Tasks()[0] = %+v", info)
	}
}

func TestApplyTogglesEnabled(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop(), nil)
	_ = s.Add("t", "0 * * * *", 0, func(context.Context) error { return nil })
	s.Start(context.Background())
	if next := s.Tasks()[0].Next; !next.IsZero() {
		t.Fatalf("disabled service scheduled next = %v", next)
	}

	s.Apply(Config{Enabled: true, Timezone: "UTC"})
	if s.Tasks()[0].Next.IsZero() {
		t.Fatal("Apply(enabled) did not start the service")
	}
	s.Apply(Config{Enabled: true, Timezone: "Asia/Jakarta"})
	if s.Tasks()[0].Next.IsZero() {
		t.Fatal("timezone change lost the schedule")
	}
	s.Apply(Config{Enabled: false})
	if !s.Tasks()[0].Next.IsZero() {
		t.Fatal("Apply(disabled) left the service running")
	}

	s.Stop(context.Background())
	s.Apply(Config{Enabled: true})
	if !s.Tasks()[0].Next.IsZero() {
		t.Fatal("Apply after Stop restarted the service")
	}
}

func TestApplyTimezoneWhileTaskRuns(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop(), nil)
	entered, release := make(chan struct{}), make(chan struct{})
	var once atomic.Bool
	_ = s.Add("slow", "@every 1s", 0, func(context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(entered)
		}
		<-release
		return nil
	})
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()
	defer close(release)

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("task never fired")
	}

	applied := make(chan struct{})
	go func() {
		s.Apply(Config{Enabled: true, Timezone: "Asia/Jakarta"})
		close(applied)
	}()
	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("Apply() blocked on the running task")
	}

	tasks := make(chan []TaskInfo, 1)
	go func() { tasks <- s.Tasks() }()
	select {
	case got := <-tasks:
		if len(got) != 1 || got[0].Next.IsZero() {
			t.Fatalf("Tasks() = %+v after timezone change", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Tasks() blocked after timezone change")
	}
}

type countingTicker struct {
	n    atomic.Int32
	last atomic.Int64
}

func (c *countingTicker) Tick(now time.Time) int {
	c.n.Add(1)
	c.last.Store(now.UnixNano())
	return 0
}

func TestTickJobSweepsScheduler(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := notification.NewManualClock(start)
	sched := notification.New(notification.WithClock(clock))
	t.Cleanup(sched.Close)

	fired := make(chan string, 1)
	sched.AddListener(notification.ListenerFuncs{Fired: func(r notification.Record) { fired <- r.ID }})

	id, err := sched.Schedule("You've got a new message!", "Check your inbox.", 10*time.Second)
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	// The sweep sees a later time than the armed timer has.
	later := start.Add(time.Minute)
	s := New(Config{}, logx.Nop(), nil)
	if err := s.RegisterTick("", sched, func() time.Time { return later }); err != nil {
		t.Fatalf("RegisterTick() error = %v", err)
	}
	if run, _ := s.RunNow(context.Background(), TickTask); run.Error != "" {
		t.Fatalf("tick run = %+v", run)
	}
	select {
	case got := <-fired:
		if got != id {
			t.Fatalf("fired %q, want %q", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("background tick did not fire the due record")
	}
	if info := s.Tasks()[0]; info.Spec != "@every 15m0s" {
		t.Fatalf("tick spec = %q", info.Spec)
	}
}

func TestTickJobHonorsCancelledContext(t *testing.T) {
	t.Parallel()
	ticker := &countingTicker{}
	job := TickJob(ticker, time.Now, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := job(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("job() error = %v, want context.Canceled", err)
	}
	if err := job(context.Background()); err != nil || ticker.n.Load() != 1 {
		t.Fatalf("job() = %v, ticks = %d", err, ticker.n.Load())
	}
}
