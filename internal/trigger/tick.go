package trigger

import (
	"context"
	"time"

	logx "chime/pkg/logx"
)

const (
	// TickTask is the name of the background sweep task.
	TickTask = "background.tick"
	// DefaultTickSchedule is the usual minimum interval for background fetch.
	DefaultTickSchedule = "15m"
)

// Ticker is the part of the notification scheduler the sweep needs.
type Ticker interface {
	Tick(now time.Time) int
}

// NowFunc reports the current time; notification.Clock.Now fits.
type NowFunc func() time.Time

// TickJob returns a Job that fires every due record at the time now reports.
func TickJob(t Ticker, now NowFunc, log logx.Logger) Job {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if n := t.Tick(now()); n > 0 {
			log.Info("background tick fired overdue notifications", logx.Int("fired", n))
		}
		return nil
	}
}

// RegisterTick adds the background tick task on schedule (DefaultTickSchedule
// when empty).
func (s *Service) RegisterTick(schedule string, t Ticker, now NowFunc) error {
	if schedule == "" {
		schedule = DefaultTickSchedule
	}
	return s.Add(TickTask, schedule, 30*time.Second, TickJob(t, now, s.log))
}
