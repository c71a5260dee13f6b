// Package config holds the configuration surface of the access layer and a
// loader that layers defaults, a YAML file, and environment overrides, in
// that order of precedence.
package config

import (
	"fmt"

	"github.com/mailscope/litepool/driver"
	"github.com/mailscope/litepool/health"
	"github.com/mailscope/litepool/pool"
	"github.com/mailscope/litepool/retry"
)

// Config is the complete configuration of the access layer, supplied at
// construction. No runtime reload.
type Config struct {
	// Database configures the underlying SQLite engine.
	Database driver.SQLiteConfig `yaml:"database"`

	// Pool configures connection pooling and lease admission.
	Pool pool.Config `yaml:"pool"`

	// Retry configures the transient-error retry schedule.
	Retry retry.Policy `yaml:"retry"`

	// Health configures the background liveness monitor.
	Health health.Config `yaml:"health"`

	// Stream configures result streaming.
	Stream StreamConfig `yaml:"stream"`

	// Log configures the zap logger built by litepool.Open.
	Log LogConfig `yaml:"log"`
}

// StreamConfig configures the cursor batching.
type StreamConfig struct {
	// BatchSize is the number of rows fetched per cursor batch; peak cursor
	// memory is proportional to one batch.
	BatchSize int `yaml:"batch_size"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or console.
	Format string `yaml:"format"`
}

// Default returns the full default configuration for the given database
// file.
func Default(path string) *Config {
	return &Config{
		Database: driver.DefaultSQLiteConfig(path),
		Pool:     pool.DefaultConfig(),
		Retry:    retry.DefaultPolicy(),
		Health:   health.DefaultConfig(),
		Stream:   StreamConfig{BatchSize: 256},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Health.Validate(); err != nil {
		return err
	}
	if c.Stream.BatchSize < 1 {
		return fmt.Errorf("stream batch_size must be at least 1, got %d", c.Stream.BatchSize)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}
