package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the full service configuration. All durations are Go duration
// strings (e.g. "30s", "1m"). Unknown keys are rejected.
type Config struct {
	Storage      StorageConfig      `json:"storage"`
	Telegram     TelegramConfig     `json:"telegram"`
	Dispatcher   DispatcherConfig   `json:"dispatcher"`
	Materializer MaterializerConfig `json:"materializer"`
	Logging      LoggingConfig      `json:"logging"`
}

type StorageConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `json:"driver"`
	// DSN is a file path for sqlite, a connection string for postgres.
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type TelegramConfig struct {
	Token string `json:"token"`
	// RatePerSec caps outgoing sends to the Bot API.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// DispatcherConfig tunes the publish loop.
//
// Defaults (when omitted/zero): tick_interval "1m", pool_size 5,
// publish_timeout "30s", batch_limit 100.
type DispatcherConfig struct {
	TickInterval   string      `json:"tick_interval,omitempty"`
	PoolSize       int         `json:"pool_size,omitempty"`
	PublishTimeout string      `json:"publish_timeout,omitempty"`
	LeaseDuration  string      `json:"lease_duration,omitempty"`
	BatchLimit     int         `json:"batch_limit,omitempty"`
	Retry          RetryConfig `json:"retry"`
}

// RetryConfig bounds publish retries. Defaults: max_attempts 3, base_delay
// "1m", max_delay "30m", jitter 0.2.
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	BaseDelay   string  `json:"base_delay,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

// MaterializerConfig tunes workflow-to-post production. Defaults:
// check_interval "5m", generate_timeout "1m".
type MaterializerConfig struct {
	CheckInterval   string `json:"check_interval,omitempty"`
	GenerateTimeout string `json:"generate_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Validate checks the parts that would only fail at service start otherwise.
// It is also the Watch() gate: invalid edits never reach subscribers.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch driver {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("storage.dsn is required")
	}

	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatcher.tick_interval", c.Dispatcher.TickInterval},
		{"dispatcher.publish_timeout", c.Dispatcher.PublishTimeout},
		{"dispatcher.lease_duration", c.Dispatcher.LeaseDuration},
		{"dispatcher.retry.base_delay", c.Dispatcher.Retry.BaseDelay},
		{"dispatcher.retry.max_delay", c.Dispatcher.Retry.MaxDelay},
		{"materializer.check_interval", c.Materializer.CheckInterval},
		{"materializer.generate_timeout", c.Materializer.GenerateTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if c.Dispatcher.PoolSize < 0 {
		return errors.New("dispatcher.pool_size must be >= 0")
	}
	if c.Dispatcher.BatchLimit < 0 {
		return errors.New("dispatcher.batch_limit must be >= 0")
	}
	if c.Dispatcher.Retry.MaxAttempts < 0 {
		return errors.New("dispatcher.retry.max_attempts must be >= 0")
	}
	if j := c.Dispatcher.Retry.Jitter; j < 0 || j > 1 {
		return errors.New("dispatcher.retry.jitter must be within [0, 1]")
	}
	if c.Telegram.RatePerSec < 0 {
		return errors.New("telegram.rate_per_sec must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return errors.New("logging.file.path is required when file logging is enabled")
	}
	return nil
}
