package app

import (
	"fmt"
	"strings"
	"time"

	"chime/internal/config"
	"chime/internal/delivery"
	"chime/internal/observability/httpserver"
	"chime/internal/permission"
	"chime/internal/runtime/sdnotify"
	"chime/internal/storage"
	"chime/internal/transport/telegram"
	tgadapter "chime/internal/transport/telegram/adapter"
	"chime/internal/trigger"
	logx "chime/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Remote: logx.RemoteConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Delivery
	base, err := config.ParseDurationField("delivery.retry_base", d.RetryBase)
	if err != nil {
		return delivery.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("delivery.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return delivery.Config{}, err
	}
	retryMax := d.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return delivery.Config{
		Workers:       d.Workers,
		QueueSize:     d.QueueSize,
		RatePerSec:    d.RatePerSec,
		RetryMax:      retryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

// channelNames returns the configured channels, defaulting to console plus
// telegram when a bot token is set.
func channelNames(cfg *config.Config) []string {
	if len(cfg.Delivery.Channels) > 0 {
		out := make([]string, 0, len(cfg.Delivery.Channels))
		for _, c := range cfg.Delivery.Channels {
			out = append(out, strings.ToLower(strings.TrimSpace(c)))
		}
		return out
	}
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		return []string{"console", "telegram"}
	}
	return []string{"console"}
}

func mapPermission(cfg *config.Config) (permission.Status, error) {
	st, err := permission.ParseStatus(cfg.Permission.Status)
	if err != nil {
		return "", fmt.Errorf("permission.status: %w", err)
	}
	return st, nil
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{Enabled: cfg.Trigger.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func tickSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Trigger.Schedule); s != "" {
		return s
	}
	return trigger.DefaultTickSchedule
}

func mapAdapterConfig(cfg *config.Config) (tgadapter.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return tgadapter.Config{}, err
	}
	return tgadapter.Config{Token: strings.TrimSpace(cfg.Telegram.Token), PollTimeout: poll}, nil
}

func mapBotConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{ChatID: cfg.Telegram.ChatID, Location: location(cfg.Scheduler.Timezone)}
}

func mapHTTPConfig(cfg *config.Config) httpserver.Config {
	h := cfg.HTTP
	return httpserver.Config{
		Enabled:      h.Enabled,
		Addr:         strings.TrimSpace(h.Addr),
		Token:        strings.TrimSpace(h.Token),
		Pprof:        h.Pprof,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // pprof profile downloads run for 30s
		IdleTimeout:  60 * time.Second,
	}
}

func mapSystemdConfig(cfg *config.Config) sdnotify.Config {
	return sdnotify.Config{Notify: cfg.Systemd.Notify, Watchdog: cfg.Systemd.Watchdog}
}

// location falls back to the host zone; Validate already rejected bad names.
func location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

func allowedChats(cfg *config.Config) []int64 {
	if cfg.Telegram.ChatID == 0 {
		return nil
	}
	return []int64{cfg.Telegram.ChatID}
}
