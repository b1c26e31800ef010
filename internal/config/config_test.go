package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const validJSON = `{
	"storage": {"driver": "sqlite", "dsn": "./postpilot.db"},
	"telegram": {"token": "123:abc", "rate_per_sec": 20},
	"dispatcher": {
		"tick_interval": "30s",
		"pool_size": 5,
		"publish_timeout": "10s",
		"retry": {"max_attempts": 3, "base_delay": "1m", "max_delay": "10m", "jitter": 0.2}
	},
	"materializer": {"check_interval": "2m"},
	"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}
}`

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", validJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Dispatcher.TickInterval != "30s" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatal("Get() does not return the committed snapshot")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	yaml := `
storage:
  driver: postgres
  dsn: postgres://localhost/postpilot
telegram:
  token: "123:abc"
dispatcher:
  tick_interval: 1m
  retry:
    max_attempts: 2
logging:
  level: debug
  console: true
`
	m := NewManager(writeFile(t, "config.yaml", yaml))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Dispatcher.Retry.MaxAttempts != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json",
		`{"storage": {"driver": "sqlite", "dsn": "x"}, "dispatccher": {}}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() Config {
		return Config{Storage: StorageConfig{Driver: "sqlite", DSN: "./db"}}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing dsn", mutate: func(c *Config) { c.Storage.DSN = "" }, want: "storage.dsn"},
		{name: "bad driver", mutate: func(c *Config) { c.Storage.Driver = "oracle" }, want: "storage.driver"},
		{name: "bad duration", mutate: func(c *Config) { c.Dispatcher.TickInterval = "soon" }, want: "tick_interval"},
		{name: "negative pool", mutate: func(c *Config) { c.Dispatcher.PoolSize = -1 }, want: "pool_size"},
		{name: "jitter out of range", mutate: func(c *Config) { c.Dispatcher.Retry.Jitter = 1.5 }, want: "jitter"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, want: "logging.level"},
		{name: "file sink without path", mutate: func(c *Config) { c.Logging.File.Enabled = true }, want: "logging.file.path"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 30s "); err != nil || d != 30*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: got %v, %v", d, err)
	}
}

func TestReloadPublishesValidatedChange(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", validJSON)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Invalid edit is rejected: no publish, snapshot unchanged.
	if err := os.WriteFile(path, []byte(`{"storage": {"driver": "sqlite", "dsn": ""}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(t.Context())
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg)
	default:
	}
	if m.Get().Storage.DSN != "./postpilot.db" {
		t.Fatal("invalid config committed")
	}

	// Valid edit is committed and published.
	next := strings.Replace(validJSON, `"30s"`, `"45s"`, 1)
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(t.Context())
	select {
	case cfg := <-sub:
		if cfg.Dispatcher.TickInterval != "45s" {
			t.Fatalf("published tick_interval = %q, want 45s", cfg.Dispatcher.TickInterval)
		}
	default:
		t.Fatal("valid config not published")
	}

	// Unchanged rewrite is deduplicated.
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(t.Context())
	select {
	case <-sub:
		t.Fatal("unchanged config republished")
	default:
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Storage: StorageConfig{Driver: "sqlite", DSN: "a"}}
	newCfg := &Config{
		Storage:    StorageConfig{Driver: "postgres", DSN: "b"},
		Dispatcher: DispatcherConfig{PoolSize: 10},
	}
	sections, attrs := SummarizeChange(oldCfg, newCfg)
	if len(sections) != 2 || sections[0] != "storage" || sections[1] != "dispatcher" {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
}
