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
	Server    ServerConfig    `mapstructure:"server"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Store     StoreConfig     `mapstructure:"store"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the diagnostics HTTP listener.
type ServerConfig struct {
	MetricsPort int `mapstructure:"metrics_port"`
}

// LifecycleConfig governs the sweeper and shutdown supervisor. Sweep period
// and idle threshold are independently tunable.
type LifecycleConfig struct {
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	IdleThreshold    time.Duration `mapstructure:"idle_threshold"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
	DrainEntryBudget time.Duration `mapstructure:"drain_entry_budget"`
}

// EngineConfig governs checkpoint batching inside the default engine.
type EngineConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	FlushBatch    int           `mapstructure:"flush_batch"`
	Persistence   bool          `mapstructure:"persistence"`
}

// StoreConfig selects and configures the checkpoint store backend.
type StoreConfig struct {
	Provider string         `mapstructure:"provider"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig sets the database file path.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls the pgx connection pool.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// BlobConfig selects where resumption cursor blobs are written.
type BlobConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PublisherConfig selects the lifecycle event publisher.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LIBRECRAWL")
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
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("lifecycle.sweep_interval", "5m")
	v.SetDefault("lifecycle.idle_threshold", "1h")
	v.SetDefault("lifecycle.stop_timeout", "10s")
	v.SetDefault("lifecycle.drain_entry_budget", "15s")
	v.SetDefault("engine.flush_interval", "30s")
	v.SetDefault("engine.flush_batch", 50)
	v.SetDefault("engine.persistence", true)
	v.SetDefault("store.provider", "sqlite")
	v.SetDefault("store.sqlite.path", "data/crawls.db")
	v.SetDefault("store.postgres.max_conns", 4)
	v.SetDefault("blob.provider", "local")
	v.SetDefault("blob.local_dir", "data/cursors")
	v.SetDefault("blob.prefix", "cursors")
	v.SetDefault("publisher.provider", "noop")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Lifecycle.SweepInterval <= 0 {
		return fmt.Errorf("lifecycle.sweep_interval must be > 0")
	}
	if c.Lifecycle.IdleThreshold <= 0 {
		return fmt.Errorf("lifecycle.idle_threshold must be > 0")
	}
	if c.Lifecycle.StopTimeout <= 0 {
		return fmt.Errorf("lifecycle.stop_timeout must be > 0")
	}
	if c.Engine.FlushBatch <= 0 {
		return fmt.Errorf("engine.flush_batch must be > 0")
	}
	switch c.Store.Provider {
	case "memory":
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path must be set when store.provider is sqlite")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set when store.provider is postgres")
		}
	default:
		return fmt.Errorf("unknown store provider: %s", c.Store.Provider)
	}
	switch c.Blob.Provider {
	case "memory", "local":
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set when blob.provider is gcs")
		}
	default:
		return fmt.Errorf("unknown blob provider: %s", c.Blob.Provider)
	}
	switch c.Publisher.Provider {
	case "noop", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set when publisher.provider is pubsub")
		}
	default:
		return fmt.Errorf("unknown publisher provider: %s", c.Publisher.Provider)
	}
	return nil
}
