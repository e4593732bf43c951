package config

import (
	"slices"
	"strings"

	logx "chime/pkg/logx"
)

// Restart-only sections are reported by SummarizeConfigChange but not applied live.
var restartOnly = []string{"storage", "telegram", "systemd"}

// RequiresRestart reports whether any changed section cannot be hot-applied.
func RequiresRestart(sections []string) bool {
	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			return true
		}
	}
	return false
}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Tokens and DSNs are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)
	trim := strings.TrimSpace
	set := func(s string) bool { return trim(s) != "" }

	if oldCfg.Logging != newCfg.Logging {
		l := newCfg.Logging
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.telegram_enabled", l.Telegram.Enabled),
		)
	}

	if oldCfg.Scheduler.HistorySize != newCfg.Scheduler.HistorySize ||
		trim(oldCfg.Scheduler.Timezone) != trim(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize),
			logx.String("scheduler.timezone", trim(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Trigger.Enabled != newCfg.Trigger.Enabled ||
		trim(oldCfg.Trigger.Schedule) != trim(newCfg.Trigger.Schedule) {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.Bool("trigger.enabled", newCfg.Trigger.Enabled),
			logx.String("trigger.schedule", trim(newCfg.Trigger.Schedule)),
		)
	}

	od, nd := oldCfg.Delivery, newCfg.Delivery
	if od.Workers != nd.Workers || od.QueueSize != nd.QueueSize || od.RatePerSec != nd.RatePerSec ||
		od.RetryMax != nd.RetryMax || trim(od.RetryBase) != trim(nd.RetryBase) ||
		trim(od.RetryMaxDelay) != trim(nd.RetryMaxDelay) || !slices.Equal(od.Channels, nd.Channels) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.workers", nd.Workers),
			logx.Int("delivery.rate_per_sec", nd.RatePerSec),
			logx.Int("delivery.retry_max", nd.RetryMax),
			logx.String("delivery.channels", strings.Join(nd.Channels, ",")),
		)
	}

	if !strings.EqualFold(trim(oldCfg.Permission.Status), trim(newCfg.Permission.Status)) {
		changed = append(changed, "permission")
		attrs = append(attrs, logx.String("permission.status", trim(newCfg.Permission.Status)))
	}

	if oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		trim(oldCfg.Telegram.PollTimeout) != trim(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
			logx.Bool("telegram.token_set", set(newCfg.Telegram.Token)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", trim(newCfg.Storage.Driver)),
			logx.String("storage.path", trim(newCfg.Storage.Path)),
			logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
		)
	}

	if oldCfg.HTTP.Enabled != newCfg.HTTP.Enabled || trim(oldCfg.HTTP.Addr) != trim(newCfg.HTTP.Addr) ||
		oldCfg.HTTP.Pprof != newCfg.HTTP.Pprof || oldCfg.HTTP.Token != newCfg.HTTP.Token {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", trim(newCfg.HTTP.Addr)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
			logx.Bool("http.token_set", set(newCfg.HTTP.Token)),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
			logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
		)
	}

	return changed, attrs
}
