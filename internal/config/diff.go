package config

import (
	"reflect"
	"strings"

	logx "postpilot/pkg/logx"
)

// SummarizeChange returns the changed sections and safe structured attrs for
// logging. Secrets (the telegram token, the DSN) are reported presence-only.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""))
	}
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int("telegram.rate_per_sec", newCfg.Telegram.RatePerSec))
	}
	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.String("dispatcher.tick_interval", newCfg.Dispatcher.TickInterval),
			logx.Int("dispatcher.pool_size", newCfg.Dispatcher.PoolSize),
			logx.String("dispatcher.publish_timeout", newCfg.Dispatcher.PublishTimeout),
			logx.Int("dispatcher.retry.max_attempts", newCfg.Dispatcher.Retry.MaxAttempts))
	}
	if oldCfg.Materializer != newCfg.Materializer {
		changed = append(changed, "materializer")
		attrs = append(attrs,
			logx.String("materializer.check_interval", newCfg.Materializer.CheckInterval))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled))
	}
	return changed, attrs
}
