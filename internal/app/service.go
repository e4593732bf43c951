package app

import (
	"context"
	"errors"
	"slices"
	"time"

	"chime/internal/delivery"
	"chime/internal/notification"
	"chime/internal/permission"
	"chime/internal/storage"
	"chime/internal/transport/telegram"
	logx "chime/pkg/logx"
)

const (
	demoTitle = "You've got a new message!"
	demoBody  = "Check your inbox."
	demoDelay = 10 * time.Second
)

var _ telegram.Service = (*App)(nil)

// Notify schedules a notification once the permission gate allows it,
// prompting the user first when the status is undetermined.
func (a *App) Notify(ctx context.Context, title, body string, delay time.Duration) (string, error) {
	if err := permission.Require(ctx, a.gate); err != nil {
		return "", err
	}
	return a.sched.Schedule(title, body, delay)
}

// NotifyDemo schedules the sample notification.
func (a *App) NotifyDemo(ctx context.Context) (string, time.Duration, error) {
	id, err := a.Notify(ctx, demoTitle, demoBody, demoDelay)
	return id, demoDelay, err
}

func (a *App) Cancel(id string) error      { return a.sched.Cancel(id) }
func (a *App) Acknowledge(id string) error { return a.sched.Acknowledge(id) }

func (a *App) Get(id string) (notification.Record, bool) { return a.sched.Get(id) }

func (a *App) Pending() []notification.Record { return slices.Collect(a.sched.ListPending()) }

func (a *App) Fired() []notification.Record { return a.sched.ListFired() }

func (a *App) History() []notification.Record { return a.sched.History() }

// RecentHistory returns up to limit terminal records, oldest first. The
// store outlives restarts, so it is preferred when configured.
func (a *App) RecentHistory(limit int) []notification.Record {
	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		recs, err := a.store.RecentHistory(ctx, limit)
		if err == nil {
			return recs
		}
		if !errors.Is(err, storage.ErrClosed) {
			a.log.Warn("history read failed; using memory", logx.Err(err))
		}
	}
	h := a.sched.History()
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return h
}

func (a *App) PermissionStatus(ctx context.Context) permission.Status { return a.gate.Status(ctx) }

func (a *App) RequestPermission(ctx context.Context) permission.Status { return a.gate.Request(ctx) }

// HealthReport is served on /healthz.
type HealthReport struct {
	Status     string                `json:"status"`
	Permission permission.Status     `json:"permission"`
	Scheduler  notification.Stats    `json:"scheduler"`
	Delivery   delivery.Stats        `json:"delivery"`
	Journal    *storage.JournalStats `json:"journal,omitempty"`
	Tasks      []taskHealth          `json:"tasks"`
	BusDropped uint64                `json:"bus_dropped"`
	Telegram   bool                  `json:"telegram"`
}

type taskHealth struct {
	Name    string    `json:"name"`
	Next    time.Time `json:"next,omitzero"`
	Runs    uint64    `json:"runs"`
	Failed  uint64    `json:"failed"`
	LastErr string    `json:"last_error,omitempty"`
}

func (a *App) Health(ctx context.Context) HealthReport {
	h := HealthReport{
		Status:     "ok",
		Permission: a.gate.Status(ctx),
		Scheduler:  a.sched.Stats(),
		Delivery:   a.dispatch.Stats(),
		BusDropped: a.bus.Dropped(),
		Telegram:   a.bot != nil,
	}
	if a.journal != nil {
		js := a.journal.Stats()
		h.Journal = &js
	}
	for _, t := range a.trig.Tasks() {
		h.Tasks = append(h.Tasks, taskHealth{Name: t.Name, Next: t.Next, Runs: t.Runs, Failed: t.Failed, LastErr: t.LastErr})
	}
	if a.sup != nil && a.sup.Err() != nil {
		h.Status = "failing"
	}
	return h
}

// watchdogCheck fails once the app supervisor has recorded a fatal error.
func (a *App) watchdogCheck(context.Context) error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}
