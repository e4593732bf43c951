// Package app wires the notification scheduler to its collaborators:
// persistence, delivery channels, the permission gate, the background
// trigger, the Telegram front end, metrics and systemd.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"chime/internal/config"
	"chime/internal/delivery"
	"chime/internal/eventbus"
	"chime/internal/notification"
	"chime/internal/observability"
	"chime/internal/observability/httpserver"
	"chime/internal/permission"
	"chime/internal/runtime/sdnotify"
	rtsup "chime/internal/runtime/supervisor"
	"chime/internal/storage"
	kit "chime/internal/transport"
	"chime/internal/transport/telegram"
	tgadapter "chime/internal/transport/telegram/adapter"
	"chime/internal/transport/telegram/router"
	"chime/internal/trigger"
	logx "chime/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	clock notification.Clock

	store   storage.Store
	journal *storage.Journal

	sched    *notification.Scheduler
	dispatch *delivery.Dispatcher
	console  *delivery.Console
	gate     *permission.Static
	trig     *trigger.Service

	// Telegram is optional; all three are nil without a bot token.
	adapter *tgadapter.Adapter
	router  *router.Router
	bot     *telegram.Bot
	updates chan kit.Update

	metrics *observability.Metrics
	http    *httpserver.Server
	sd      *sdnotify.Notifier

	// Delivery and the journal drain after the app context is cancelled,
	// so they run on their own context.
	drainCtx    context.Context
	drainCancel context.CancelFunc
}

type Option func(*options)

type options struct {
	clock   notification.Clock
	console io.Writer
}

// WithClock replaces the wall clock used by the scheduler and the tick.
func WithClock(c notification.Clock) Option { return func(o *options) { o.clock = c } }

// WithConsoleOutput redirects the console delivery channel (default stdout).
func WithConsoleOutput(w io.Writer) Option { return func(o *options) { o.console = w } }

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{clock: notification.SystemClock(), console: os.Stdout}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// The bot doubles as the remote log sender, but it needs a logger
	// first; it is attached with SetSender below.
	logs, root := logx.New(mapLogConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     eventbus.New(),
		clock:   o.clock,
		updates: make(chan kit.Update, 256),
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	if a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage"))); err != nil {
		return nil, a.abort(err)
	}
	schedOpts := []notification.Option{
		notification.WithClock(o.clock),
		notification.WithLogger(root.With(logx.String("comp", "scheduler"))),
		notification.WithBus(a.bus),
		notification.WithHistorySize(historySize(cfg)),
	}
	if a.store != nil {
		a.journal = storage.NewJournal(a.store, root.With(logx.String("comp", "journal")), 0)
		schedOpts = append(schedOpts, notification.WithSink(a.journal))
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	a.sched = notification.New(schedOpts...)

	st, err := mapPermission(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.gate = permission.NewStatic(st, root.With(logx.String("comp", "permission")))

	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		acfg, err := mapAdapterConfig(cfg)
		if err != nil {
			return nil, a.abort(err)
		}
		if a.adapter, err = tgadapter.New(acfg, root.With(logx.String("comp", "telegram"))); err != nil {
			return nil, a.abort(err)
		}
		a.router = router.New(root.With(logx.String("comp", "router")), a.adapter, 4)
		a.router.SetAllowedChats(allowedChats(cfg))
		a.bot = telegram.New(mapBotConfig(cfg), a.adapter, root.With(logx.String("comp", "bot")))
		a.bot.Bind(a)
		a.gate.SetPrompter(a.bot.Prompt)
		logs.SetSender(a.bot)
	} else if cfg.Logging.Telegram.Enabled {
		log.Warn("logging.telegram is enabled but telegram.token is empty")
	}

	a.console = delivery.NewConsole(o.console, root.With(logx.String("comp", "console")))
	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.dispatch = delivery.NewDispatcher(dcfg, a.channels(cfg), root.With(logx.String("comp", "delivery")), a.bus)
	a.sched.AddListener(a.dispatch)

	a.trig = trigger.New(mapTriggerConfig(cfg), root.With(logx.String("comp", "trigger")), a.bus)
	if err := a.trig.RegisterTick(tickSchedule(cfg), a.sched, a.clock.Now); err != nil {
		return nil, a.abort(fmt.Errorf("trigger.schedule: %w", err))
	}

	a.metrics = observability.NewMetrics(a.sched, a.bus)
	a.http = httpserver.New(mapHTTPConfig(cfg), httpserver.Sources{
		Metrics: a.metrics.Handler(),
		Health:  func(ctx context.Context) any { return a.Health(ctx) },
		Pending: a.Pending,
		History: a.RecentHistory,
	}, root)
	a.sd = sdnotify.New(mapSystemdConfig(cfg), a.watchdogCheck, root)
	return a, nil
}

// abort releases what New already opened.
func (a *App) abort(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
	return err
}

func historySize(cfg *config.Config) int {
	if cfg.Scheduler.HistorySize > 0 {
		return cfg.Scheduler.HistorySize
	}
	return notification.DefaultHistorySize
}

// channels builds the delivery fanout for cfg. Unknown or unavailable
// channels are skipped with a warning.
func (a *App) channels(cfg *config.Config) []delivery.Channel {
	var out []delivery.Channel
	for _, name := range channelNames(cfg) {
		switch name {
		case "console":
			out = append(out, a.console)
		case "telegram":
			if a.bot == nil {
				a.log.Warn("telegram channel requested but telegram.token is empty")
				continue
			}
			out = append(out, a.bot)
		default:
			a.log.Warn("unknown delivery channel", logx.String("channel", name))
		}
	}
	return out
}

// validate runs the checks that need packages config cannot import.
func validate(cfg *config.Config) error {
	var errs []error
	if _, err := trigger.ParseSchedule(tickSchedule(cfg)); err != nil {
		errs = append(errs, fmt.Errorf("trigger.schedule: %w", err))
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Scheduler exposes the core for embedding and tests.
func (a *App) Scheduler() *notification.Scheduler { return a.sched }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()
	a.drainCtx, a.drainCancel = context.WithCancel(context.WithoutCancel(ctx))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	// Overdue records fire as soon as they are restored, so the journal and
	// the dispatcher must already be consuming.
	if a.journal != nil {
		a.journal.Start(a.drainCtx)
	}
	a.dispatch.Start(a.drainCtx)
	if a.journal != nil {
		loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		recs, err := a.store.LoadActive(loadCtx)
		cancel()
		if err != nil {
			a.log.Warn("restore failed; starting empty", logx.Err(err))
		} else if n := a.sched.Restore(recs); n > 0 {
			a.log.Info("notifications restored", logx.Int("count", n))
		}
	}

	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.updates); err != nil {
			return err
		}
		a.router.SetRegistry(runCtx, a.bot.Commands(), a.bot.Callbacks())
		a.sup.Go("telegram.dispatch", func(c context.Context) error {
			return a.router.DispatchLoop(c, a.updates)
		})
	}

	a.trig.Start(runCtx)
	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })
	a.http.Start(runCtx)
	a.startEventLog()

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sd.Ready(runCtx)
	a.log.Info("app started",
		logx.Bool("telegram", a.bot != nil),
		logx.Bool("storage", a.store != nil),
		logx.String("channels", strings.Join(a.dispatch.Channels(), ",")),
	)
	return nil
}

// startEventLog mirrors lifecycle events into the debug log.
func (a *App) startEventLog() {
	if !a.log.Enabled(logx.LevelDebug) {
		return
	}
	events, unsub := a.bus.Subscribe(128,
		string(notification.EventScheduled),
		string(notification.EventFired),
		string(notification.EventAcknowledged),
		string(notification.EventCancelled),
	)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				r, _ := e.Data.(notification.Record)
				a.log.Debug("event", logx.String("type", e.Type), logx.String("id", r.ID), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sd.Stopping(ctx)
	a.sup.Cancel()

	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	a.step(ctx, "scheduler", time.Second, func(context.Context) error { a.sched.Close(); return nil })
	a.step(ctx, "delivery", 3*time.Second, func(c context.Context) error { a.dispatch.Stop(c); return nil })
	if a.adapter != nil {
		a.step(ctx, "telegram", 2*time.Second, a.adapter.Stop)
	}
	if a.journal != nil {
		a.step(ctx, "journal", 2*time.Second, func(c context.Context) error { a.journal.Stop(c); return nil })
	}
	if a.store != nil {
		a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	}
	a.drainCancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by limit and the caller's deadline, so
// a stuck component cannot stall the rest.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
