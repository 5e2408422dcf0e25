// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/portal-extractor/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Store        StoreConfig        `mapstructure:"store"`
	Lock         LockConfig         `mapstructure:"lock"`
	Verification VerificationConfig `mapstructure:"verification"`
	Email        EmailConfig        `mapstructure:"email"`
	Phone        PhoneConfig        `mapstructure:"phone"`
	Captcha      CaptchaConfig      `mapstructure:"captcha"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Browser      BrowserConfig      `mapstructure:"browser"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Storage      StorageConfig      `mapstructure:"storage"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// PublicBaseURL prefixes captcha resolution links sent to humans.
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects the shared key/value backend for locks and codes.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	Badger   BadgerConfig   `mapstructure:"badger"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// BadgerConfig configures the embedded Badger store.
type BadgerConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

// PostgresConfig controls the Postgres connection pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// PurgeSchedule is the cron spec for deleting expired rows.
	PurgeSchedule string `mapstructure:"purge_schedule"`
}

// LockConfig tunes the channel lock manager.
type LockConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
	PhoneKey     string        `mapstructure:"phone_key"`
	EmailKey     string        `mapstructure:"email_key"`
}

// VerificationConfig tunes code polling.
type VerificationConfig struct {
	CodeTimeout  time.Duration `mapstructure:"code_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// EmailConfig describes the shared verification mailbox.
type EmailConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	TLS         bool          `mapstructure:"tls"`
	Mailbox     string        `mapstructure:"mailbox"`
	SubjectTag  string        `mapstructure:"subject_tag"`
	From        string        `mapstructure:"from"`
	CodePattern string        `mapstructure:"code_pattern"`
	SinceMargin time.Duration `mapstructure:"since_margin"`
}

// PhoneConfig describes where phone codes are deposited.
type PhoneConfig struct {
	CodeKey    string        `mapstructure:"code_key"`
	DepositTTL time.Duration `mapstructure:"deposit_ttl"`
}

// CaptchaConfig tunes the human captcha broker.
type CaptchaConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	MaxAge        time.Duration `mapstructure:"max_age"`
}

// JobsConfig governs queueing, admission, and retries.
type JobsConfig struct {
	QueueDepth  int           `mapstructure:"queue_depth"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	StartJitter time.Duration `mapstructure:"start_jitter"`
	StartRate   int           `mapstructure:"start_rate"`
	StartWindow time.Duration `mapstructure:"start_window"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// BrowserConfig configures the browser session pool.
type BrowserConfig struct {
	MaxSessions int    `mapstructure:"max_sessions"`
	Headless    bool   `mapstructure:"headless"`
	UserAgent   string `mapstructure:"user_agent"`
	ExecPath    string `mapstructure:"exec_path"`
}

// WebhookConfig configures outbound webhook delivery.
type WebhookConfig struct {
	Workers     int           `mapstructure:"workers"`
	Buffer      int           `mapstructure:"buffer"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	Timeout     time.Duration `mapstructure:"timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// StorageConfig sets where decrypted documents are archived.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Bucket  string       `mapstructure:"bucket"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
}

// PubSubConfig holds metadata for mirroring webhook events.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EXTRACTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.public_base_url", "http://localhost:3000")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.badger.dir", "data/kv")
	v.SetDefault("store.postgres.table", "kv_entries")
	v.SetDefault("store.postgres.max_conns", 4)
	v.SetDefault("store.postgres.purge_schedule", "@every 10m")
	v.SetDefault("lock.ttl", 600*time.Second)
	v.SetDefault("lock.poll_interval", 5*time.Second)
	v.SetDefault("lock.max_wait", 10*time.Minute)
	v.SetDefault("lock.phone_key", "lock:phone")
	v.SetDefault("lock.email_key", "lock:email")
	v.SetDefault("verification.code_timeout", 10*time.Minute)
	v.SetDefault("verification.poll_interval", 5*time.Second)
	v.SetDefault("email.enabled", false)
	v.SetDefault("email.port", 993)
	v.SetDefault("email.tls", true)
	v.SetDefault("email.mailbox", "INBOX")
	v.SetDefault("email.subject_tag", "ENEL")
	v.SetDefault("email.since_margin", time.Hour)
	v.SetDefault("phone.code_key", "phone:code")
	v.SetDefault("phone.deposit_ttl", 10*time.Minute)
	v.SetDefault("captcha.timeout", 30*time.Minute)
	v.SetDefault("captcha.poll_interval", 2*time.Second)
	v.SetDefault("captcha.sweep_schedule", "@every 5m")
	v.SetDefault("captcha.max_age", 30*time.Minute)
	v.SetDefault("jobs.queue_depth", 64)
	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("jobs.backoff_base", 10*time.Second)
	v.SetDefault("jobs.backoff_max", 5*time.Minute)
	v.SetDefault("jobs.start_jitter", 2*time.Second)
	v.SetDefault("jobs.start_rate", 10)
	v.SetDefault("jobs.start_window", time.Minute)
	v.SetDefault("jobs.timeout", 45*time.Minute)
	v.SetDefault("browser.max_sessions", 2)
	v.SetDefault("browser.headless", true)
	v.SetDefault("webhook.workers", 100)
	v.SetDefault("webhook.buffer", 1024)
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.backoff_base", 2*time.Second)
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.user_agent", "portal-extractor-webhook")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "documents")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case "memory", "badger":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be > 0")
	}
	if c.Lock.PollInterval <= 0 {
		return fmt.Errorf("lock.poll_interval must be > 0")
	}
	if c.Lock.PhoneKey == "" || c.Lock.EmailKey == "" || c.Lock.PhoneKey == c.Lock.EmailKey {
		return fmt.Errorf("lock.phone_key and lock.email_key must be set and distinct")
	}
	if c.Verification.CodeTimeout <= 0 {
		return fmt.Errorf("verification.code_timeout must be > 0")
	}
	if c.Email.Enabled && (c.Email.Host == "" || c.Email.Username == "") {
		return fmt.Errorf("email.host and email.username must be set when email is enabled")
	}
	if c.Captcha.Timeout <= 0 || c.Captcha.PollInterval <= 0 {
		return fmt.Errorf("captcha.timeout and captcha.poll_interval must be > 0")
	}
	if c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("jobs.max_attempts must be > 0")
	}
	if c.Jobs.StartRate <= 0 || c.Jobs.StartWindow <= 0 {
		return fmt.Errorf("jobs.start_rate and jobs.start_window must be > 0")
	}
	if c.Browser.MaxSessions <= 0 {
		return fmt.Errorf("browser.max_sessions must be > 0")
	}
	if c.Webhook.Workers <= 0 || c.Webhook.MaxAttempts <= 0 {
		return fmt.Errorf("webhook.workers and webhook.max_attempts must be > 0")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// JobStartInterval converts the start-rate window into the spacing of the
// limiter's token refill.
func (c Config) JobStartInterval() time.Duration {
	return c.Jobs.StartWindow / time.Duration(c.Jobs.StartRate)
}
