// Package config loads and validates broker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Notify drivers.
const (
	NotifyNone   = "none"
	NotifyMemory = "memory"
	NotifyPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Events    EventsConfig    `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	// AllowedOrigins restricts WebSocket upgrades; empty allows any origin.
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig throttles /api/progress requests per client address.
// A zero RPS disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// AuthConfig protects the producer endpoints (create, append, close). Stream
// endpoints stay open so browsers can subscribe.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects and tunes the task store.
type StoreConfig struct {
	Driver      string         `mapstructure:"driver"`
	TTL         time.Duration  `mapstructure:"ttl"`
	MaxRecords  int            `mapstructure:"max_records"`
	KeepRecords int            `mapstructure:"keep_records"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls access to the relational task store.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	TablePrefix     string        `mapstructure:"table_prefix"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// StreamConfig paces subscriber streams.
type StreamConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ReplayDelay       time.Duration `mapstructure:"replay_delay"`
	CloseFlushDelay   time.Duration `mapstructure:"close_flush_delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ClientStaleAfter  time.Duration `mapstructure:"client_stale_after"`
	StoreErrorBackoff time.Duration `mapstructure:"store_error_backoff"`
}

// LifecycleConfig controls deferred purge and the janitor.
type LifecycleConfig struct {
	PurgeDelay      time.Duration `mapstructure:"purge_delay"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

// RetryConfig bounds retries against a networked store.
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Backoff  time.Duration `mapstructure:"backoff"`
}

// ReaperConfig configures the temp artifact sweep.
type ReaperConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	TempDir   string        `mapstructure:"temp_dir"`
	Retention time.Duration `mapstructure:"retention"`
	Interval  time.Duration `mapstructure:"interval"`
}

// NotifyConfig holds metadata for completion notices.
type NotifyConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// EventsConfig tunes the lifecycle event hub.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	// Log writes every lifecycle event at debug level.
	Log bool `mapstructure:"log"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROGRESS")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.rate_limit.rps", 0)
	v.SetDefault("server.rate_limit.burst", 20)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.ttl", 24*time.Hour)
	v.SetDefault("store.max_records", 100)
	v.SetDefault("store.keep_records", 50)
	v.SetDefault("store.postgres.table_prefix", "progress_")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.auto_migrate", true)
	v.SetDefault("stream.poll_interval", 500*time.Millisecond)
	v.SetDefault("stream.replay_delay", 100*time.Millisecond)
	v.SetDefault("stream.close_flush_delay", 500*time.Millisecond)
	v.SetDefault("stream.heartbeat_interval", 10*time.Second)
	v.SetDefault("stream.client_stale_after", 60*time.Second)
	v.SetDefault("stream.store_error_backoff", 2*time.Second)
	v.SetDefault("lifecycle.purge_delay", 5*time.Second)
	v.SetDefault("lifecycle.janitor_interval", 30*time.Second)
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.backoff", time.Second)
	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.temp_dir", "/tmp/frame-progress")
	v.SetDefault("reaper.retention", 24*time.Hour)
	v.SetDefault("reaper.interval", time.Hour)
	v.SetDefault("notify.driver", NotifyNone)
	v.SetDefault("notify.topic", "task-completions")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("events.log", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RateLimit.RPS < 0 {
		return fmt.Errorf("server.rate_limit.rps must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store.Driver)
	}
	if c.Store.MaxRecords <= 0 {
		return fmt.Errorf("store.max_records must be > 0")
	}
	if c.Store.KeepRecords <= 0 || c.Store.KeepRecords > c.Store.MaxRecords {
		return fmt.Errorf("store.keep_records must be between 1 and store.max_records")
	}
	if c.Store.TTL <= 0 {
		return fmt.Errorf("store.ttl must be > 0")
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("stream.poll_interval must be > 0")
	}
	if c.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("stream.heartbeat_interval must be > 0")
	}
	if c.Stream.ClientStaleAfter <= c.Stream.PollInterval {
		return fmt.Errorf("stream.client_stale_after must exceed stream.poll_interval")
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("retry.attempts must be > 0")
	}
	if c.Reaper.Enabled && strings.TrimSpace(c.Reaper.TempDir) == "" {
		return fmt.Errorf("reaper.temp_dir must be set when the reaper is enabled")
	}
	switch c.Notify.Driver {
	case NotifyNone, NotifyMemory:
	case NotifyPubSub:
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic must be set for the pubsub driver")
		}
	default:
		return fmt.Errorf("notify.driver must be one of none, memory, pubsub; got %q", c.Notify.Driver)
	}
	return nil
}
