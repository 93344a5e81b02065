// Package config holds the broker's ambient configuration: everything
// spec.md's CLI (§6) does not cover. Config structure never shrinks —
// fields are only added, never renamed or removed, so old config files
// keep working.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lattiremq/linebroker/internal/logstore"
)

// Config is the root configuration for a broker instance. The three port
// numbers are deliberately absent here — spec.md §6 makes them positional
// CLI arguments, authoritative over anything a config file could say.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Broker  BrokerConfig  `yaml:"broker"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// NodeConfig controls where the broker stores its identity and its
// lifetime-stats database; the log's location is StorageConfig.LogPath.
type NodeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// BrokerConfig holds the broker's own tunables.
type BrokerConfig struct {
	// PipelineWindow is W, the per-consumer cap on unacknowledged in-flight
	// ids (spec.md §3, §4.6).
	PipelineWindow int `yaml:"pipeline_window"`
	// StatsIntervalSec is the minimum gap between one-line stats summaries
	// (spec.md §4.10 step 8 uses 5s).
	StatsIntervalSec int `yaml:"stats_interval_sec"`
}

// StorageConfig controls how the append-only log is persisted and compacted.
type StorageConfig struct {
	LogPath               string               `yaml:"log_path"`
	Fsync                 logstore.FsyncPolicy `yaml:"fsync"`
	FsyncBatchSize        int                  `yaml:"fsync_batch_size"`
	CompactionIntervalSec int                  `yaml:"compaction_interval_sec"`
}

// MetricsConfig controls the monitor's rate limiter and WebSocket stream.
type MetricsConfig struct {
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	StreamEnabled  bool    `yaml:"stream_enabled"`
}

// Default returns a Config populated with safe, sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir: "./data",
		},
		Broker: BrokerConfig{
			PipelineWindow:   1000,
			StatsIntervalSec: 5,
		},
		Storage: StorageConfig{
			LogPath:               "broker_log.txt",
			Fsync:                 logstore.FsyncInterval,
			FsyncBatchSize:        1000,
			CompactionIntervalSec: 600,
		},
		Metrics: MetricsConfig{
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			StreamEnabled:  true,
		},
	}
}

// Load reads a YAML config file at path and overlays it on Default(). If
// the file does not exist, the default config is returned without error —
// the broker runs with no config file at all. No environment variables are
// consulted (spec.md §6: "Environment variables: None").
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Broker.PipelineWindow < 1 {
		return errors.New("broker.pipeline_window must be at least 1")
	}
	if c.Broker.StatsIntervalSec < 1 {
		return errors.New("broker.stats_interval_sec must be at least 1")
	}
	if c.Storage.LogPath == "" {
		return errors.New("storage.log_path must not be empty")
	}
	switch c.Storage.Fsync {
	case logstore.FsyncAlways, logstore.FsyncInterval, logstore.FsyncBatch, logstore.FsyncNever:
		// valid
	default:
		return errors.New(`storage.fsync must be one of "always", "interval", "batch", "never"`)
	}
	if c.Storage.CompactionIntervalSec < 0 {
		return errors.New("storage.compaction_interval_sec must be >= 0 (0 disables compaction)")
	}
	if c.Metrics.RateLimitRPS <= 0 {
		return errors.New("metrics.rate_limit_rps must be > 0")
	}
	if c.Metrics.RateLimitBurst < 1 {
		return errors.New("metrics.rate_limit_burst must be at least 1")
	}
	return nil
}
