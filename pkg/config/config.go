// Package config loads the substrate configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the communication substrate
// and its collaborators.
type Config struct {
	Bus           BusConfig           `yaml:"bus"`
	Context       ContextConfig       `yaml:"context"`
	Liveness      LivenessConfig      `yaml:"liveness"`
	Observability ObservabilityConfig `yaml:"observability"`
	Audit         AuditConfig         `yaml:"audit"`
}

// BusConfig bounds the message bus resources.
type BusConfig struct {
	// QueueCapacity is the per-agent queue bound (default 1000).
	QueueCapacity int `yaml:"queue_capacity"`
	// HistoryCapacity is the global history bound (default 10000).
	HistoryCapacity int `yaml:"history_capacity"`
}

// ContextConfig bounds the shared context resources.
type ContextConfig struct {
	// HistoryCapacity is the per-key change history bound (default 100).
	HistoryCapacity int `yaml:"history_capacity"`
}

// LivenessConfig drives the offline sweeper.
type LivenessConfig struct {
	// Threshold is how stale a heartbeat may be before an agent is
	// considered offline (e.g. "30s").
	Threshold string `yaml:"threshold"`
	// SweepInterval is how often the sweeper runs (e.g. "10s").
	SweepInterval string `yaml:"sweep_interval"`
}

// ObservabilityConfig configures the metrics/health server.
type ObservabilityConfig struct {
	// MetricsPort is the HTTP port for /metrics and /health (default 9090).
	MetricsPort int `yaml:"metrics_port"`
	// MaxQueuedWarning degrades the health check when total queued
	// messages exceed it (0 disables).
	MaxQueuedWarning int `yaml:"max_queued_warning"`
}

// AuditConfig configures the redis audit sink.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// KeyPrefix prefixes every audit key (default "agentcomm:audit:").
	KeyPrefix string `yaml:"key_prefix"`
	// DrainInterval is how often history is drained (e.g. "5s").
	DrainInterval string `yaml:"drain_interval"`
	// RatePerSecond caps audit writes per second (default 100).
	RatePerSecond int `yaml:"rate_per_second"`
}

// Default durations applied when the YAML omits them.
const (
	DefaultLivenessThreshold = 30 * time.Second
	DefaultSweepInterval     = 10 * time.Second
	DefaultDrainInterval     = 5 * time.Second
)

// Load reads and parses a YAML config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from trusted CLI input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	if _, err := cfg.LivenessThreshold(); err != nil {
		return nil, err
	}
	if _, err := cfg.SweepInterval(); err != nil {
		return nil, err
	}
	if _, err := cfg.DrainInterval(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Bus.QueueCapacity <= 0 {
		c.Bus.QueueCapacity = 1000
	}
	if c.Bus.HistoryCapacity <= 0 {
		c.Bus.HistoryCapacity = 10000
	}
	if c.Context.HistoryCapacity <= 0 {
		c.Context.HistoryCapacity = 100
	}
	if c.Observability.MetricsPort <= 0 {
		c.Observability.MetricsPort = 9090
	}
	if c.Audit.KeyPrefix == "" {
		c.Audit.KeyPrefix = "agentcomm:audit:"
	}
	if c.Audit.RatePerSecond <= 0 {
		c.Audit.RatePerSecond = 100
	}
}

// LivenessThreshold parses the liveness threshold.
func (c *Config) LivenessThreshold() (time.Duration, error) {
	return parseDuration(c.Liveness.Threshold, DefaultLivenessThreshold, "liveness.threshold")
}

// SweepInterval parses the sweep interval.
func (c *Config) SweepInterval() (time.Duration, error) {
	return parseDuration(c.Liveness.SweepInterval, DefaultSweepInterval, "liveness.sweep_interval")
}

// DrainInterval parses the audit drain interval.
func (c *Config) DrainInterval() (time.Duration, error) {
	return parseDuration(c.Audit.DrainInterval, DefaultDrainInterval, "audit.drain_interval")
}

func parseDuration(s string, fallback time.Duration, field string) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, s)
	}
	return d, nil
}
