package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval     time.Duration
	BatchSize       int
	LockTTL         time.Duration
	SampleRetention time.Duration
	EnabledJobs     []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		BatchSize:       100,
		LockTTL:         5 * time.Minute,
		SampleRetention: 30 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.SampleRetention <= 0 {
		c.SampleRetention = defaults.SampleRetention
	}
	return c
}
