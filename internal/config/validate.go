package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks bounds and formats that a hot reload must not break.
// Checks that need other packages (trigger schedules) run in the app validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if cfg.Scheduler.HistorySize < 0 {
		add("scheduler.history_size must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	d := cfg.Delivery
	if d.Workers < 0 {
		add("delivery.workers must be >= 0")
	}
	if d.QueueSize < 0 {
		add("delivery.queue_size must be >= 0")
	}
	if d.RatePerSec < 0 {
		add("delivery.rate_per_sec must be >= 0")
	}
	if d.RetryMax < 0 {
		add("delivery.retry_max must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"delivery.retry_base", d.RetryBase},
		{"delivery.retry_max_delay", d.RetryMaxDelay},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ch := range d.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case "console", "telegram":
		default:
			add("delivery.channels: unknown channel %q", ch)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Permission.Status)) {
	case "", "granted", "denied", "undetermined":
	default:
		add("permission.status: unknown status %q", cfg.Permission.Status)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none", "file", "sqlite":
	case "redis":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn is required for the redis driver")
		}
	default:
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	if cfg.Logging.Telegram.RatePerSec < 0 {
		add("logging.telegram.rate_per_sec must be >= 0")
	}
	if cfg.Systemd.Watchdog && !cfg.Systemd.Notify {
		add("systemd.watchdog requires systemd.notify")
	}
	return errors.Join(errs...)
}
