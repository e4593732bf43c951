package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"chime/internal/eventbus"
	"chime/internal/notification"
	rtsup "chime/internal/runtime/supervisor"
	logx "chime/pkg/logx"
)

type jobKind uint8

const (
	jobFired jobKind = iota + 1
	jobAcknowledged
)

func (k jobKind) String() string {
	if k == jobAcknowledged {
		return "acknowledged"
	}
	return "fired"
}

type job struct {
	kind     jobKind
	rec      notification.Record
	ch       Channel
	queuedAt time.Time
}

// Dispatcher hands fired records to every configured channel through a
// bounded queue and a worker pool, with a shared rate limit and retries.
//
// It implements notification.Listener. A delivery that still fails after
// its retries is logged and reported on the bus; the record simply stays
// Fired until the user acknowledges it some other way.
type Dispatcher struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus

	cfg      Config
	limiter  *rate.Limiter
	channels []Channel

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

var _ notification.Listener = (*Dispatcher)(nil)

func NewDispatcher(cfg Config, channels []Channel, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{log: log, bus: bus, channels: slices.Clone(channels)}
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	d.cfg = cfg
	// Burst = rate so a handful of notifications due together go out at once.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SetChannels replaces the fanout targets for records fired from now on.
func (d *Dispatcher) SetChannels(channels []Channel) {
	d.mu.Lock()
	d.channels = slices.Clone(channels)
	d.mu.Unlock()
}

func (d *Dispatcher) Channels() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.channels))
	for _, c := range d.channels {
		names = append(names, c.Name())
	}
	return names
}

// Supervisor returns the worker supervisor (nil if not started).
func (d *Dispatcher) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.queue != nil {
		d.mu.Unlock()
		return
	}
	d.queue = make(chan job, d.cfg.QueueSize)
	d.accepting = true
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log), rtsup.WithCancelOnError(false))
	sup, q, workers := d.sup, d.queue, d.cfg.Workers
	d.mu.Unlock()

	for i := range workers {
		sup.GoRestart(fmt.Sprintf("delivery.worker.%d", i), func(c context.Context) error {
			d.workerLoop(c, q)
			d.mu.Lock()
			stopping := d.stopDone != nil
			d.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("delivery worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	d.log.Debug("delivery started", logx.Int("workers", workers), logx.Int("channels", len(d.Channels())))
}

// Stop stops intake and drains the queue best-effort until ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	q, sup := d.queue, d.sup
	if q == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	go func() {
		defer close(done)
		d.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		d.mu.Lock()
		d.queue = nil
		d.sup = nil
		d.stopDone = nil
		d.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (d *Dispatcher) OnFired(r notification.Record) { d.fanout(jobFired, r) }

func (d *Dispatcher) OnAcknowledged(r notification.Record) { d.fanout(jobAcknowledged, r) }

// Deliver queues r for every channel outside the listener path, for example
// to resend a record that is still Fired.
func (d *Dispatcher) Deliver(r notification.Record) error { return d.fanout(jobFired, r) }

func (d *Dispatcher) fanout(kind jobKind, r notification.Record) error {
	d.mu.Lock()
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		d.drop(kind, r, "", ErrStopped)
		return ErrStopped
	}
	targets := make([]Channel, 0, len(d.channels))
	for _, c := range d.channels {
		if kind == jobAcknowledged {
			if _, ok := c.(AckChannel); !ok {
				continue
			}
		}
		targets = append(targets, c)
	}
	q := d.queue
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	if len(targets) == 0 {
		if kind == jobFired {
			d.drop(kind, r, "", ErrNoChannel)
			return ErrNoChannel
		}
		return nil
	}
	now := time.Now()
	var errs []error
	for _, c := range targets {
		select {
		case q <- job{kind: kind, rec: r, ch: c, queuedAt: now}:
		default:
			d.drop(kind, r, c.Name(), ErrQueueFull)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), ErrQueueFull))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) drop(kind jobKind, r notification.Record, channel string, err error) {
	d.dropped.Add(1)
	d.log.Warn("delivery dropped",
		logx.String("id", r.ID),
		logx.String("kind", kind.String()),
		logx.String("channel", channel),
		logx.Err(err),
	)
	d.publish(EventDropped, Event{Channel: channel, ID: r.ID, Kind: kind.String(), Error: err.Error()})
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	queued := 0
	if d.queue != nil {
		queued = len(d.queue)
	}
	d.mu.Unlock()
	return Stats{
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
		Queued:  queued,
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			d.sendWithRetry(ctx, j)
		}
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, j job) {
	d.mu.Lock()
	cfg, lim := d.cfg, d.limiter
	d.mu.Unlock()

	log := d.log.With(
		logx.String("id", j.rec.ID),
		logx.String("channel", j.ch.Name()),
		logx.String("kind", j.kind.String()),
	)
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	attempt := 1
	for ; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := d.send(callCtx, j)
		cancel()
		if err == nil {
			d.sent.Add(1)
			latency := time.Since(j.queuedAt)
			log.Debug("delivered", logx.Int("attempt", attempt), logx.Duration("latency", latency))
			d.publish(EventSent, Event{Channel: j.ch.Name(), ID: j.rec.ID, Kind: j.kind.String(), Attempts: attempt, Latency: latency})
			return
		}
		lastErr = err
		log.Debug("deliver failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt == maxAttempts {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, attempt)) {
			return
		}
	}

	d.failed.Add(1)
	log.Warn("delivery failed", logx.Int("attempts", attempt), logx.Err(lastErr))
	d.publish(EventFailed, Event{
		Channel:  j.ch.Name(),
		ID:       j.rec.ID,
		Kind:     j.kind.String(),
		Attempts: attempt,
		Latency:  time.Since(j.queuedAt),
		Error:    lastErr.Error(),
	})
}

func (d *Dispatcher) send(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panic: %v", r)
		}
	}()
	if j.kind == jobAcknowledged {
		if ac, ok := j.ch.(AckChannel); ok {
			return ac.Acknowledged(ctx, j.rec)
		}
		return nil
	}
	return j.ch.Deliver(ctx, j.rec)
}

func (d *Dispatcher) publish(typ string, ev Event) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1) capped at
// RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
