// Package sdnotify reports readiness and liveness to systemd when the
// process runs as a Type=notify unit. Outside systemd every call is a no-op.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	rtsup "chime/internal/runtime/supervisor"
	logx "chime/pkg/logx"
)

type Config struct {
	Notify   bool
	Watchdog bool
}

// HealthFunc gates watchdog pings; a non-nil error skips the ping so
// systemd restarts a wedged process.
type HealthFunc func(ctx context.Context) error

type Notifier struct {
	cfg    Config
	log    logx.Logger
	health HealthFunc

	notify   func(state string) (bool, error)
	interval func() (time.Duration, error)

	sup *rtsup.Supervisor
}

func New(cfg Config, health HealthFunc, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "sdnotify")),
		health:   health,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		interval: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

// Ready sends READY=1 and starts the watchdog loop when systemd asked for one.
func (n *Notifier) Ready(ctx context.Context) {
	if !n.cfg.Notify {
		return
	}
	n.send(daemon.SdNotifyReady)
	if !n.cfg.Watchdog {
		return
	}
	every, err := n.interval()
	if err != nil {
		n.log.Warn("watchdog interval unreadable", logx.Err(err))
		return
	}
	if every <= 0 {
		n.log.Debug("watchdog not requested by unit")
		return
	}
	// Ping at half the deadline.
	every /= 2
	n.sup = rtsup.New(ctx, rtsup.WithLogger(n.log), rtsup.WithCancelOnError(false))
	n.sup.Go0("sdnotify.watchdog", func(c context.Context) {
		n.watchdogLoop(c, every)
	})
	n.log.Info("watchdog enabled", logx.Duration("interval", every))
}

func (n *Notifier) watchdogLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n.health != nil {
				hctx, cancel := context.WithTimeout(ctx, every)
				err := n.health(hctx)
				cancel()
				if err != nil {
					n.log.Warn("watchdog ping skipped", logx.Err(err))
					continue
				}
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

// Stopping sends STOPPING=1 and ends the watchdog loop.
func (n *Notifier) Stopping(ctx context.Context) {
	if !n.cfg.Notify {
		return
	}
	n.send(daemon.SdNotifyStopping)
	if n.sup != nil {
		n.sup.Cancel()
		_ = n.sup.Wait(ctx)
		n.sup = nil
	}
}

func (n *Notifier) send(state string) {
	sent, err := n.notify(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case !sent:
		n.log.Trace("sd_notify skipped; NOTIFY_SOCKET unset", logx.String("state", state))
	}
}
