package trigger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"chime/internal/eventbus"
	logx "chime/pkg/logx"
)

// EventRun is published on the bus after every task run (Data: Run).
const EventRun = "trigger.run"

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means Local
}

type Job func(ctx context.Context) error

type Run struct {
	Name    string
	Took    time.Duration
	Skipped bool
	Error   string
}

type TaskInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Spread   time.Duration `json:"spread,omitempty"`
	Next     time.Time     `json:"next,omitzero"`
	Prev     time.Time     `json:"prev,omitzero"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	Failed   uint64        `json:"failed"`
	LastErr  string        `json:"last_error,omitempty"`
	LastTook time.Duration `json:"last_took,omitempty"`
}

type task struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     Job

	entryID cron.EntryID
	spread  time.Duration

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64

	lastMu   sync.Mutex
	lastErr  string
	lastTook time.Duration
}

// Service owns a cron instance and a set of named tasks. Tasks survive
// Stop/Start and timezone changes; a task whose previous run is still in
// flight is skipped rather than stacked.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config
	loc *time.Location

	c      *cron.Cron
	parent context.Context // set by Start, cleared by Stop
	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup

	order []string
	tasks map[string]*task
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus, tasks: map[string]*task{}}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Add registers or replaces the task called name.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	t := &task{name: name, spec: ps, timeout: timeout, job: job}
	s.tasks[name] = t
	s.order = append(s.order, name)
	if s.c != nil {
		if err := s.registerLocked(t); err != nil {
			return err
		}
	}
	s.log.Debug("task registered",
		logx.String("name", name),
		logx.String("spec", ps.Expr()),
		logx.String("next", s.previewLocked(t, 3)),
	)
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	if s.c != nil && t.entryID != 0 {
		s.c.Remove(t.entryID)
	}
	delete(s.tasks, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	return true
}

// Start begins triggering when the config is enabled. Calling Start on a
// running or disabled service is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.parent = ctx
	if !s.cfg.Enabled {
		s.log.Info("trigger disabled")
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startLocked()
	s.log.Info("trigger started", logx.String("tz", s.loc.String()), logx.Int("tasks", len(s.tasks)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, name := range s.order {
		if err := s.registerLocked(s.tasks[name]); err != nil {
			s.log.Error("task register failed", logx.String("name", name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop stops triggering and waits for in-flight runs until ctx is done.
// A later Apply does not restart a stopped service.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	s.parent = nil
	s.mu.Unlock()
	s.halt(ctx)
}

func (s *Service) halt(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("trigger stopped")
	case <-ctx.Done():
		s.log.Warn("trigger stop timed out with runs in flight")
	}
}

// Apply swaps the config. A timezone change restarts the cron clock; an
// enabled flip starts or stops it.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	parent := s.parent
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.halt(ctx)
	case !running && cfg.Enabled && parent != nil:
		s.Start(parent)
	case running && strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone):
		s.mu.Lock()
		if s.c != nil {
			// Runs already in flight finish on their own; execute's guard
			// keeps the new clock from stacking on them.
			s.c.Stop()
			s.startLocked()
			s.log.Info("trigger restarted", logx.String("tz", s.loc.String()))
		}
		s.mu.Unlock()
	}
}

// RunNow executes name immediately on the caller's goroutine, honoring the
// skip-if-running rule.
func (s *Service) RunNow(ctx context.Context, name string) (Run, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return Run{}, fmt.Errorf("unknown task %q", name)
	}
	return s.execute(ctx, t), nil
}

func (s *Service) registerLocked(t *task) error {
	ctx := s.ctx
	job := cron.FuncJob(func() {
		if ctx == nil || ctx.Err() != nil {
			return
		}
		s.execute(ctx, t)
	})

	if t.spec.Kind == SpecInterval {
		sched, spread := intervalWithSpread(t.spec.Every, time.Now().In(s.loc), t.name)
		t.spread = spread
		t.entryID = s.c.Schedule(sched, job)
		return nil
	}
	t.spread = 0
	id, err := s.c.AddJob(t.spec.Cron, job)
	if err != nil {
		return err
	}
	t.entryID = id
	return nil
}

func (s *Service) execute(ctx context.Context, t *task) Run {
	if !t.running.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		s.log.Debug("task still running; skipped", logx.String("name", t.name))
		run := Run{Name: t.name, Skipped: true}
		s.publish(run)
		return run
	}
	s.runs.Add(1)
	defer func() {
		t.running.Store(false)
		s.runs.Done()
	}()

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	start := time.Now()
	err := safeRun(ctx, t.job)
	run := Run{Name: t.name, Took: time.Since(start)}

	t.runs.Add(1)
	t.lastMu.Lock()
	t.lastTook = run.Took
	t.lastErr = ""
	if err != nil {
		run.Error = err.Error()
		t.lastErr = run.Error
	}
	t.lastMu.Unlock()

	if err != nil {
		t.failed.Add(1)
		s.log.Warn("task failed", logx.String("name", t.name), logx.Duration("took", run.Took), logx.Err(err))
	} else {
		s.log.Trace("task done", logx.String("name", t.name), logx.Duration("took", run.Took))
	}
	s.publish(run)
	return run
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return job(ctx)
}

func (s *Service) publish(r Run) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: EventRun, Time: time.Now(), Data: r})
}

func (s *Service) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.order))
	for _, name := range s.order {
		t := s.tasks[name]
		info := TaskInfo{
			Name:    name,
			Spec:    t.spec.Expr(),
			Spread:  t.spread,
			Runs:    t.runs.Load(),
			Skipped: t.skipped.Load(),
			Failed:  t.failed.Load(),
		}
		t.lastMu.Lock()
		info.LastErr, info.LastTook = t.lastErr, t.lastTook
		t.lastMu.Unlock()
		if s.c != nil && t.entryID != 0 {
			e := s.c.Entry(t.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewLocked lists the next n run times, for debug logs only.
func (s *Service) previewLocked(t *task, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || t.spec.Kind != SpecCron {
		return ""
	}
	sched, err := cronParser.Parse(t.spec.Cron)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	at := time.Now().In(loc)
	parts := make([]string, 0, n)
	for range n {
		at = sched.Next(at)
		if at.IsZero() {
			break
		}
		parts = append(parts, at.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
