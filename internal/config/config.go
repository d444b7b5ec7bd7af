// Package config handles daemon configuration for jetdeploy.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Listen  string `yaml:"listen"`
	DB      string `yaml:"db"`
	Catalog string `yaml:"catalog"`

	Log          LogConfig          `yaml:"log"`
	SSH          SSHConfig          `yaml:"ssh"`
	Logs         LogsConfig         `yaml:"logs"`
	Jobs         JobsConfig         `yaml:"jobs"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
	Deploy       DeployConfig       `yaml:"deploy"`
	Run          RunConfig          `yaml:"run"`
}

// LogConfig controls process logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto, console or json
}

// SSHConfig controls remote connections.
type SSHConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KnownHosts     string        `yaml:"known_hosts"`
	KeepAlive      time.Duration `yaml:"keepalive"`
}

// LogsConfig sizes job log buffers.
type LogsConfig struct {
	BufferLines     int `yaml:"buffer_lines"`
	SubscriberQueue int `yaml:"subscriber_queue"`
}

// JobsConfig controls job retention.
type JobsConfig struct {
	Retention time.Duration `yaml:"retention"`
	// HistoryRetention is how long persisted job records are kept. Zero keeps them forever.
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// SessionsConfig controls session lifetime.
type SessionsConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// HousekeepingConfig controls the background sweep.
type HousekeepingConfig struct {
	Interval     time.Duration `yaml:"interval"`
	SweepTimeout time.Duration `yaml:"sweep_timeout"`
}

// DeployConfig controls deploy jobs.
type DeployConfig struct {
	CancelGrace    time.Duration `yaml:"cancel_grace"`
	KillTimeout    time.Duration `yaml:"kill_timeout"`
	StatusTimeout  time.Duration `yaml:"status_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// RunConfig controls run sessions.
type RunConfig struct {
	ReadinessAttempts       int           `yaml:"readiness_attempts"`
	ReadinessInterval       time.Duration `yaml:"readiness_interval"`
	ReadinessRequestTimeout time.Duration `yaml:"readiness_request_timeout"`
	StopGrace               time.Duration `yaml:"stop_grace"`
	AlternatePortSpan       int           `yaml:"alternate_port_span"`
	DirectProbeTimeout      time.Duration `yaml:"direct_probe_timeout"`
	CapabilityTTL           time.Duration `yaml:"capability_ttl"`
}

// Dir returns the jetdeploy state directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jetdeploy"
	}
	return filepath.Join(home, ".jetdeploy")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:  "127.0.0.1:7470",
		DB:      filepath.Join(Dir(), "jetdeploy.db"),
		Catalog: filepath.Join(Dir(), "workloads.yaml"),
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		SSH: SSHConfig{
			ConnectTimeout: 15 * time.Second,
			KeepAlive:      30 * time.Second,
		},
		Logs: LogsConfig{
			BufferLines:     2000,
			SubscriberQueue: 256,
		},
		Jobs: JobsConfig{
			Retention:        10 * time.Minute,
			HistoryRetention: 30 * 24 * time.Hour,
		},
		Sessions: SessionsConfig{
			IdleTimeout: 30 * time.Minute,
		},
		Housekeeping: HousekeepingConfig{
			Interval:     30 * time.Second,
			SweepTimeout: 20 * time.Second,
		},
		Deploy: DeployConfig{
			CancelGrace:   5 * time.Second,
			KillTimeout:   5 * time.Second,
			StatusTimeout: 10 * time.Second,
		},
		Run: RunConfig{
			ReadinessAttempts:       30,
			ReadinessInterval:       time.Second,
			ReadinessRequestTimeout: 2 * time.Second,
			StopGrace:               3 * time.Second,
			AlternatePortSpan:       10,
			DirectProbeTimeout:      time.Second,
			CapabilityTTL:           5 * time.Minute,
		},
	}
}

// Load reads the config file at path on top of the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Listen == "":
		return errors.New("config: listen address is required")
	case c.Logs.BufferLines <= 0:
		return errors.New("config: logs.buffer_lines must be positive")
	case c.Logs.SubscriberQueue <= 0:
		return errors.New("config: logs.subscriber_queue must be positive")
	case c.Run.ReadinessAttempts <= 0:
		return errors.New("config: run.readiness_attempts must be positive")
	case c.Run.ReadinessInterval <= 0:
		return errors.New("config: run.readiness_interval must be positive")
	case c.Housekeeping.Interval <= 0:
		return errors.New("config: housekeeping.interval must be positive")
	case c.Run.AlternatePortSpan < 0:
		return errors.New("config: run.alternate_port_span must not be negative")
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// Save writes the config as YAML, creating the parent directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
