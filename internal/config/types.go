package config

type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Trigger    TriggerConfig    `json:"trigger"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Permission PermissionConfig `json:"permission"`
	Telegram   TelegramConfig   `json:"telegram"`
	Storage    StorageConfig    `json:"storage"`
	HTTP       HTTPConfig       `json:"http"`
	Systemd    SystemdConfig    `json:"systemd"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log lines at or above MinLevel into the bot chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the notification core.
type SchedulerConfig struct {
	// HistorySize bounds the acknowledged/cancelled log (default 100).
	HistorySize int `json:"history_size"`
	// Timezone is used for cron triggers and for rendering times in chat.
	Timezone string `json:"timezone,omitempty"`
}

// TriggerConfig controls the periodic background tick.
//
// Schedule accepts a Go duration ("15m"), a cron expression
// ("0 */15 * * * *" or "@every 15m") or an "HH:MM" interval.
type TriggerConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
}

// DeliveryConfig controls the async delivery pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type DeliveryConfig struct {
	Workers       int      `json:"workers"`
	QueueSize     int      `json:"queue_size"`
	RatePerSec    int      `json:"rate_per_sec"`
	RetryMax      int      `json:"retry_max"`
	RetryBase     string   `json:"retry_base"`
	RetryMaxDelay string   `json:"retry_max_delay"`
	Channels      []string `json:"channels"`
}

type PermissionConfig struct {
	// Status is one of granted, denied, undetermined.
	Status string `json:"status"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./chime_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // redis URL (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the optional metrics/health server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - A non-loopback address requires a token.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
