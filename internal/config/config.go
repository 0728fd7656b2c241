// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Workers     WorkersConfig     `mapstructure:"workers"`
	Scraper     ScraperConfig     `mapstructure:"scraper"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Storage     StorageConfig     `mapstructure:"storage"`
	DB          DBConfig          `mapstructure:"db"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QueueConfig governs admission and retry scheduling.
type QueueConfig struct {
	MaxRetriesDefault     int     `mapstructure:"max_retries_default"`
	BackoffBaseSeconds    int     `mapstructure:"backoff_base_seconds"`
	BackoffMultiplier     float64 `mapstructure:"backoff_multiplier"`
	BackoffMaxSeconds     int     `mapstructure:"backoff_max_seconds"`
	StaleAfterSeconds     int     `mapstructure:"stale_after_seconds"`
	RequeueBatchSize      int     `mapstructure:"requeue_batch_size"`
	DequeueWaitSeconds    int     `mapstructure:"dequeue_wait_seconds"`
	ScrapeTimeoutSeconds  int     `mapstructure:"scrape_timeout_seconds"`
	ResultCacheTTLSeconds int     `mapstructure:"result_cache_ttl_seconds"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Count int `mapstructure:"count"`
}

// ScraperConfig selects and tunes the page fetcher.
type ScraperConfig struct {
	// Provider is one of "chromedp", "colly" or "noop".
	Provider           string `mapstructure:"provider"`
	UserAgent          string `mapstructure:"user_agent"`
	MaxConcurrency     int    `mapstructure:"max_concurrency"`
	RateLimitPerDomain int    `mapstructure:"rate_limit_per_domain"`
}

// CacheConfig selects the result cache backend.
type CacheConfig struct {
	// Provider is one of "badger" or "memory".
	Provider string `mapstructure:"provider"`
	// Dir is the Badger database directory; empty means in-memory.
	Dir string `mapstructure:"dir"`
}

// StorageConfig selects the blob store for screenshot artifacts.
type StorageConfig struct {
	// Provider is one of "local", "gcs" or "memory".
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory job store.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MinConns     int    `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for completion-event notifications. An empty
// project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MaintenanceConfig schedules the periodic queue upkeep passes.
type MaintenanceConfig struct {
	PromoteSpec string `mapstructure:"promote_spec"`
	ReclaimSpec string `mapstructure:"reclaim_spec"`
	RequeueSpec string `mapstructure:"requeue_spec"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPEQD")
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
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("queue.max_retries_default", 3)
	v.SetDefault("queue.backoff_base_seconds", 5)
	v.SetDefault("queue.backoff_multiplier", 2.0)
	v.SetDefault("queue.backoff_max_seconds", 300)
	v.SetDefault("queue.stale_after_seconds", 600)
	v.SetDefault("queue.requeue_batch_size", 100)
	v.SetDefault("queue.dequeue_wait_seconds", 2)
	v.SetDefault("queue.scrape_timeout_seconds", 30)
	v.SetDefault("queue.result_cache_ttl_seconds", 3600)
	v.SetDefault("workers.count", 4)
	v.SetDefault("scraper.provider", "colly")
	v.SetDefault("scraper.user_agent", "scrapeqd/0.1")
	v.SetDefault("scraper.max_concurrency", 2)
	v.SetDefault("scraper.rate_limit_per_domain", 2)
	v.SetDefault("cache.provider", "memory")
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.local_dir", "data/blobs")
	v.SetDefault("maintenance.promote_spec", "@every 5s")
	v.SetDefault("maintenance.reclaim_spec", "@every 1m")
	v.SetDefault("maintenance.requeue_spec", "@every 1m")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Queue.MaxRetriesDefault < 0 {
		return fmt.Errorf("queue.max_retries_default must be >= 0")
	}
	if c.Queue.BackoffMultiplier <= 1 {
		return fmt.Errorf("queue.backoff_multiplier must be > 1")
	}
	switch c.Scraper.Provider {
	case "chromedp", "colly", "noop":
	default:
		return fmt.Errorf("scraper.provider must be chromedp, colly or noop")
	}
	switch c.Cache.Provider {
	case "badger", "memory":
	default:
		return fmt.Errorf("cache.provider must be badger or memory")
	}
	switch c.Storage.Provider {
	case "local", "gcs", "memory":
	default:
		return fmt.Errorf("storage.provider must be local, gcs or memory")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}

// BackoffBase returns the configured base retry delay.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Queue.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the configured retry delay ceiling.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Queue.BackoffMaxSeconds) * time.Second
}

// StaleAfter returns how long an in-flight claim may age before reclamation.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Queue.StaleAfterSeconds) * time.Second
}

// DequeueWait returns the per-call blocking dequeue budget.
func (c Config) DequeueWait() time.Duration {
	return time.Duration(c.Queue.DequeueWaitSeconds) * time.Second
}

// ScrapeTimeout returns the default per-job scrape budget.
func (c Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.Queue.ScrapeTimeoutSeconds) * time.Second
}

// ResultCacheTTL returns how long scraped results stay reusable.
func (c Config) ResultCacheTTL() time.Duration {
	return time.Duration(c.Queue.ResultCacheTTLSeconds) * time.Second
}

// ServerTimeout returns the HTTP request timeout.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
