package config

import (
	"fmt"
	"strings"

	env "github.com/Netflix/go-env"
)

// envOverrides are secrets and operator knobs that may live outside the file.
// A non-empty variable wins over the file value.
type envOverrides struct {
	TelegramToken string `env:"CHIME_TELEGRAM_TOKEN"`
	StorageDSN    string `env:"CHIME_STORAGE_DSN"`
	HTTPToken     string `env:"CHIME_HTTP_TOKEN"`
	LogLevel      string `env:"CHIME_LOG_LEVEL"`
}

// ApplyEnv overlays CHIME_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var o envOverrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, o.TelegramToken)
	set(&cfg.Storage.DSN, o.StorageDSN)
	set(&cfg.HTTP.Token, o.HTTPToken)
	set(&cfg.Logging.Level, o.LogLevel)
	return nil
}
