// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
// Every key is overridable through LISTINGWATCH_-prefixed environment
// variables, e.g. LISTINGWATCH_REDIS_HOST or
// LISTINGWATCH_SCHEDULER_MAX_CONCURRENT_POLLS.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Diff       DiffConfig       `mapstructure:"diff"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Email      EmailConfig      `mapstructure:"email"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects and tunes the durable store tier.
type StoreConfig struct {
	Provider         string `mapstructure:"provider"`
	Path             string `mapstructure:"path"`
	MaxConns         int    `mapstructure:"max_conns"`
	OutboxMaxRetries int    `mapstructure:"outbox_max_retries"`
	RetryBaseMs      int    `mapstructure:"retry_base_ms"`
	RetryCapMs       int    `mapstructure:"retry_cap_ms"`
}

// RedisConfig tunes the advisory listing cache.
type RedisConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// SchedulerConfig governs the polling loop.
type SchedulerConfig struct {
	MaxConcurrentPolls    int `mapstructure:"max_concurrent_polls"`
	PollIntervalMs        int `mapstructure:"poll_interval_ms"`
	QueueDepth            int `mapstructure:"queue_depth"`
	ReconcileHours        int `mapstructure:"reconcile_hours"`
	WatchdogSeconds       int `mapstructure:"watchdog_seconds"`
	TaskCeilingSeconds    int `mapstructure:"task_ceiling_seconds"`
	DrainDeadlineSeconds  int `mapstructure:"drain_deadline_seconds"`
	PollDeadlineSeconds   int `mapstructure:"poll_deadline_seconds"`
	PeakStartHour         int `mapstructure:"peak_start_hour"`
	PeakEndHour           int `mapstructure:"peak_end_hour"`
	ParseFailureTolerance int `mapstructure:"parse_failure_tolerance"`
}

// DispatcherConfig governs outbox draining and delivery.
type DispatcherConfig struct {
	ProcessingIntervalMs   int     `mapstructure:"processing_interval_ms"`
	BatchSize              int     `mapstructure:"batch_size"`
	Workers                int     `mapstructure:"workers"`
	LeaseSeconds           int     `mapstructure:"lease_seconds"`
	DeliveryTimeoutSeconds int     `mapstructure:"delivery_timeout_seconds"`
	WebhookSecret          string  `mapstructure:"webhook_secret"`
	EndpointRPS            float64 `mapstructure:"endpoint_rps"`
	EndpointBurst          int     `mapstructure:"endpoint_burst"`
}

// DiffConfig tunes change detection.
type DiffConfig struct {
	MinSignificance float64  `mapstructure:"min_significance"`
	IgnoreFields    []string `mapstructure:"ignore_fields"`
	HistoryLimit    int      `mapstructure:"history_limit"`
}

// BreakerConfig tunes per-target circuit breakers.
type BreakerConfig struct {
	FailureThreshold    int `mapstructure:"failure_threshold"`
	OpenDurationSeconds int `mapstructure:"open_duration_seconds"`
	HalfOpenProbe       int `mapstructure:"half_open_probe"`
}

// FetcherConfig selects and tunes the listing-index fetcher.
type FetcherConfig struct {
	Provider       string `mapstructure:"provider"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxPages       int    `mapstructure:"max_pages"`

	ItemSelector     string `mapstructure:"item_selector"`
	IDAttr           string `mapstructure:"id_attr"`
	TitleSelector    string `mapstructure:"title_selector"`
	PriceSelector    string `mapstructure:"price_selector"`
	ConditionSel     string `mapstructure:"condition_selector"`
	LocationSelector string `mapstructure:"location_selector"`
	ImageSelector    string `mapstructure:"image_selector"`
	NextPageSelector string `mapstructure:"next_page_selector"`
}

// EmailConfig configures the SMTP relay for EMAIL subscribers.
type EmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LISTINGWATCH")
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
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.outbox_max_retries", 5)
	v.SetDefault("store.retry_base_ms", 1000)
	v.SetDefault("store.retry_cap_ms", 300000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.ttl_seconds", 600)

	v.SetDefault("scheduler.max_concurrent_polls", 4)
	v.SetDefault("scheduler.poll_interval_ms", 1000)
	v.SetDefault("scheduler.queue_depth", 64)
	v.SetDefault("scheduler.reconcile_hours", 24)
	v.SetDefault("scheduler.watchdog_seconds", 60)
	v.SetDefault("scheduler.task_ceiling_seconds", 300)
	v.SetDefault("scheduler.drain_deadline_seconds", 30)
	v.SetDefault("scheduler.poll_deadline_seconds", 120)
	v.SetDefault("scheduler.peak_start_hour", 8)
	v.SetDefault("scheduler.peak_end_hour", 22)
	v.SetDefault("scheduler.parse_failure_tolerance", 3)

	v.SetDefault("dispatcher.processing_interval_ms", 1000)
	v.SetDefault("dispatcher.batch_size", 32)
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.lease_seconds", 60)
	v.SetDefault("dispatcher.delivery_timeout_seconds", 10)
	v.SetDefault("dispatcher.endpoint_rps", 5)
	v.SetDefault("dispatcher.endpoint_burst", 2)

	v.SetDefault("diff.min_significance", 0.1)
	v.SetDefault("diff.history_limit", 50)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_duration_seconds", 60)
	v.SetDefault("breaker.half_open_probe", 3)

	v.SetDefault("fetcher.provider", "jsonindex")
	v.SetDefault("fetcher.timeout_seconds", 15)
	v.SetDefault("fetcher.user_agent", "listingwatch/1.0 (+https://github.com/listingwatch/listingwatch)")
	v.SetDefault("fetcher.max_pages", 20)
	v.SetDefault("fetcher.item_selector", ".listing")
	v.SetDefault("fetcher.id_attr", "data-id")
	v.SetDefault("fetcher.title_selector", ".title")
	v.SetDefault("fetcher.price_selector", ".price")
	v.SetDefault("fetcher.condition_selector", ".condition")
	v.SetDefault("fetcher.location_selector", ".location")
	v.SetDefault("fetcher.image_selector", "img")
	v.SetDefault("fetcher.next_page_selector", "a.next")

	v.SetDefault("email.port", 25)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path (DSN) is required for the postgres provider")
		}
	default:
		return fmt.Errorf("unknown store provider %q", c.Store.Provider)
	}
	if c.Scheduler.MaxConcurrentPolls <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_polls must be > 0")
	}
	if c.Scheduler.PollIntervalMs <= 0 {
		return fmt.Errorf("scheduler.poll_interval_ms must be > 0")
	}
	if s, e := c.Scheduler.PeakStartHour, c.Scheduler.PeakEndHour; s < 0 || s > 23 || e < 0 || e > 24 {
		return fmt.Errorf("scheduler peak hours must be within a day")
	}
	if c.Dispatcher.Workers <= 0 || c.Dispatcher.BatchSize <= 0 {
		return fmt.Errorf("dispatcher.workers and dispatcher.batch_size must be > 0")
	}
	if c.Diff.MinSignificance < 0 || c.Diff.MinSignificance > 1 {
		return fmt.Errorf("diff.min_significance must be in [0,1]")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.HalfOpenProbe <= 0 {
		return fmt.Errorf("breaker thresholds must be > 0")
	}
	switch c.Fetcher.Provider {
	case "jsonindex", "colly":
	default:
		return fmt.Errorf("unknown fetcher provider %q", c.Fetcher.Provider)
	}
	return nil
}

// PollInterval returns the scheduler tick period.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalMs) * time.Millisecond
}

// ProcessingInterval returns the dispatcher loop period.
func (c Config) ProcessingInterval() time.Duration {
	return time.Duration(c.Dispatcher.ProcessingIntervalMs) * time.Millisecond
}

// RedisAddr joins host and port for the cache client.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
