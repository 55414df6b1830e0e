// Package config loads and validates the portwatch configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/portwatch/portwatch/internal/db"
	"github.com/portwatch/portwatch/internal/logging"
)

// Config is the complete portwatch configuration.
type Config struct {
	// Scanner configuration
	Scanner ScannerConfig `yaml:"scanner" json:"scanner"`

	// Scheduler configuration
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// Database configuration
	Database db.Config `yaml:"database" json:"database"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Logging configuration
	Logging logging.Config `yaml:"logging" json:"logging"`
}

// ScannerConfig holds scan engine settings.
type ScannerConfig struct {
	// Scan tool executable
	Binary string `yaml:"binary" json:"binary"`

	// Maximum simultaneously executing scans
	MaxConcurrentScans int `yaml:"max_concurrent_scans" json:"max_concurrent_scans"`

	// How often the tool reports progress
	StatsInterval time.Duration `yaml:"stats_interval" json:"stats_interval"`

	// Grace period between SIGTERM and SIGKILL on cancellation
	StopGracePeriod time.Duration `yaml:"stop_grace_period" json:"stop_grace_period"`
}

// SchedulerConfig holds schedule evaluator settings.
type SchedulerConfig struct {
	// Evaluator tick period
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`

	// Pause after a failed evaluation pass
	ErrorCooldown time.Duration `yaml:"error_cooldown" json:"error_cooldown"`
}

// MetricsConfig holds the metrics endpoint settings.
type MetricsConfig struct {
	// Enable the metrics HTTP endpoint
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// Listen port
	Port int `yaml:"port" json:"port"`

	// System metrics refresh interval
	UpdateInterval time.Duration `yaml:"update_interval" json:"update_interval"`
}

// Default returns a configuration with sensible defaults. Database name and
// credentials must be configured explicitly.
func Default() *Config {
	return &Config{
		Scanner: ScannerConfig{
			Binary:             "nmap",
			MaxConcurrentScans: 3,
			StatsInterval:      2 * time.Second,
			StopGracePeriod:    5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			CheckInterval: 60 * time.Second,
			ErrorCooldown: 5 * time.Second,
		},
		Database: db.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:        true,
			ListenAddr:     "127.0.0.1",
			Port:           9090,
			UpdateInterval: 15 * time.Second,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save writes the configuration to a YAML file, creating the directory if
// needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Scanner.Binary == "" {
		return fmt.Errorf("scanner binary is required")
	}
	if c.Scanner.MaxConcurrentScans <= 0 {
		return fmt.Errorf("max concurrent scans must be positive")
	}
	if c.Scanner.StatsInterval <= 0 {
		return fmt.Errorf("stats interval must be positive")
	}
	if c.Scanner.StopGracePeriod <= 0 {
		return fmt.Errorf("stop grace period must be positive")
	}

	if c.Scheduler.CheckInterval <= 0 {
		return fmt.Errorf("scheduler check interval must be positive")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics port must be between 1 and 65535")
		}
		if c.Metrics.ListenAddr == "" {
			return fmt.Errorf("metrics listen address is required when metrics are enabled")
		}
		if c.Metrics.UpdateInterval <= 0 {
			return fmt.Errorf("metrics update interval must be positive")
		}
	}

	validLogLevels := map[logging.LogLevel]bool{
		logging.LevelDebug: true,
		logging.LevelInfo:  true,
		logging.LevelWarn:  true,
		logging.LevelError: true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[logging.LogFormat]bool{
		logging.FormatText: true,
		logging.FormatJSON: true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// MetricsAddress returns the metrics endpoint address.
func (c *Config) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Metrics.ListenAddr, c.Metrics.Port)
}
