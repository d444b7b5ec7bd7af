// Package scheduler runs periodic housekeeping sweeps for the daemon.
package scheduler

import "time"

// Config defines the scheduler configuration.
type Config struct {
	// Interval is the time between sweep rounds.
	Interval time.Duration `yaml:"interval"`
	// SweepTimeout bounds a single sweeper within a round.
	SweepTimeout time.Duration `yaml:"sweep_timeout"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:     30 * time.Second,
		SweepTimeout: 20 * time.Second,
	}
}
