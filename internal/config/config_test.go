package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Lock.TTL != 600*time.Second {
		t.Fatalf("expected lock ttl 600s, got %v", cfg.Lock.TTL)
	}
	if cfg.Lock.MaxWait != 10*time.Minute || cfg.Lock.PollInterval != 5*time.Second {
		t.Fatalf("unexpected lock wait defaults: %+v", cfg.Lock)
	}
	if cfg.Captcha.SweepSchedule != "@every 5m" || cfg.Captcha.MaxAge != 30*time.Minute {
		t.Fatalf("unexpected captcha defaults: %+v", cfg.Captcha)
	}
	if cfg.Jobs.MaxAttempts != 3 || cfg.Jobs.BackoffBase != 10*time.Second {
		t.Fatalf("unexpected job defaults: %+v", cfg.Jobs)
	}
	if cfg.Browser.MaxSessions != 2 {
		t.Fatalf("expected 2 browser sessions, got %d", cfg.Browser.MaxSessions)
	}
	if cfg.Email.SubjectTag != "ENEL" || cfg.Phone.CodeKey != "phone:code" {
		t.Fatalf("unexpected channel defaults: %+v %+v", cfg.Email, cfg.Phone)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  public_base_url: https://solve.example.com
auth:
  enabled: true
  api_key: secret
store:
  backend: postgres
  postgres:
    dsn: postgres://localhost/extractor
    table: locks
lock:
  poll_interval: 7s
  max_wait: 2m
jobs:
  start_rate: 4
  start_window: 20s
browser:
  max_sessions: 3
email:
  enabled: true
  host: imap.example.com
  username: codes@example.com
storage:
  backend: local
  local:
    base_dir: /tmp/docs
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.PublicBaseURL != "https://solve.example.com" {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Store.Backend != "postgres" || cfg.Store.Postgres.Table != "locks" {
		t.Fatalf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Lock.PollInterval != 7*time.Second || cfg.Lock.MaxWait != 2*time.Minute {
		t.Fatalf("unexpected lock config: %+v", cfg.Lock)
	}
	if got := cfg.JobStartInterval(); got != 5*time.Second {
		t.Fatalf("expected start interval 5s, got %v", got)
	}
	if cfg.Browser.MaxSessions != 3 {
		t.Fatalf("expected 3 sessions, got %d", cfg.Browser.MaxSessions)
	}
	if cfg.Storage.Local.BaseDir != "/tmp/docs" {
		t.Fatalf("expected local base dir override, got %q", cfg.Storage.Local.BaseDir)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("unexpected logging config: %+v", cfg.Logging)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("EXTRACTOR_BROWSER_MAX_SESSIONS", "3")
	t.Setenv("EXTRACTOR_LOCK_TTL", "90s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Browser.MaxSessions != 3 {
		t.Fatalf("expected env override for max sessions, got %d", cfg.Browser.MaxSessions)
	}
	if cfg.Lock.TTL != 90*time.Second {
		t.Fatalf("expected env override for lock ttl, got %v", cfg.Lock.TTL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validConfig() Config {
	return Config{
		Server:       ServerConfig{Port: 8080},
		Store:        StoreConfig{Backend: "memory"},
		Lock:         LockConfig{TTL: time.Minute, PollInterval: time.Second, PhoneKey: "p", EmailKey: "e"},
		Verification: VerificationConfig{CodeTimeout: time.Minute},
		Captcha:      CaptchaConfig{Timeout: time.Minute, PollInterval: time.Second},
		Jobs:         JobsConfig{MaxAttempts: 3, StartRate: 1, StartWindow: time.Second},
		Browser:      BrowserConfig{MaxSessions: 2},
		Webhook:      WebhookConfig{Workers: 1, MaxAttempts: 1},
		Storage:      StorageConfig{Backend: "memory"},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected base config to validate, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown store", func(c *Config) { c.Store.Backend = "redis" }, "store.backend"},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }, "store.postgres.dsn"},
		{"same lock keys", func(c *Config) { c.Lock.EmailKey = "p" }, "lock.phone_key"},
		{"zero ttl", func(c *Config) { c.Lock.TTL = 0 }, "lock.ttl"},
		{"email without host", func(c *Config) { c.Email.Enabled = true }, "email.host"},
		{"zero sessions", func(c *Config) { c.Browser.MaxSessions = 0 }, "browser.max_sessions"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.bucket"},
		{"zero start rate", func(c *Config) { c.Jobs.StartRate = 0 }, "jobs.start_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
