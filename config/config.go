// Package config loads Harmony configuration from TOML files and the
// environment using Viper. Retry policies live under [retry.<job_type>] so the
// queue's policy provider can re-read them without a restart.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the root Harmony configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Watchlist WatchlistConfig `mapstructure:"watchlist"`
	Providers ProvidersConfig `mapstructure:"providers"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	JSON bool `mapstructure:"json"`
}

// QueueConfig configures the scheduler and worker pools.
type QueueConfig struct {
	PollInterval      time.Duration  `mapstructure:"poll_interval"`
	VisibilityTimeout time.Duration  `mapstructure:"visibility_timeout"`
	ShutdownGrace     time.Duration  `mapstructure:"shutdown_grace"`
	CleanupRetention  time.Duration  `mapstructure:"cleanup_retention"`
	Concurrency       map[string]int `mapstructure:"concurrency"`
}

// WatchlistConfig configures the recurring refresh timer.
type WatchlistConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	RetryCeiling int           `mapstructure:"retry_ceiling"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
}

// ProvidersConfig configures the two external providers.
type ProvidersConfig struct {
	Catalog    ProviderConfig `mapstructure:"catalog"`
	PeerSearch ProviderConfig `mapstructure:"peersearch"`
}

// ProviderConfig configures a single external provider endpoint.
type ProviderConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RatePerSec float64       `mapstructure:"rate_per_sec"`
	Burst      int           `mapstructure:"burst"`
}

// SetDefaults installs defaults on a Viper instance. Called before any config
// file is merged so a bare process still starts with a working setup.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "harmony.db")
	v.SetDefault("logging.json", false)

	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.visibility_timeout", "60s")
	v.SetDefault("queue.shutdown_grace", "30s")
	v.SetDefault("queue.cleanup_retention", "168h")
	v.SetDefault("queue.concurrency", map[string]int{
		"artist_refresh": 2,
		"artist_scan":    2,
		"sync":           4,
		"matching":       2,
		"artist_sync":    1,
	})

	v.SetDefault("retry.ttl", "30s")
	v.SetDefault("retry.default.max_attempts", 3)
	v.SetDefault("retry.default.base_delay", "1s")
	v.SetDefault("retry.default.jitter_pct", 0.2)
	v.SetDefault("retry.default.backoff_cap", "5m")

	v.SetDefault("watchlist.interval", "30s")
	v.SetDefault("watchlist.batch_size", 25)
	v.SetDefault("watchlist.retry_ceiling", 5)
	v.SetDefault("watchlist.cooldown", "1h")

	v.SetDefault("providers.catalog.timeout", "10s")
	v.SetDefault("providers.catalog.rate_per_sec", 5.0)
	v.SetDefault("providers.catalog.burst", 5)
	v.SetDefault("providers.peersearch.timeout", "15s")
	v.SetDefault("providers.peersearch.rate_per_sec", 2.0)
	v.SetDefault("providers.peersearch.burst", 2)
}
