package scheduler

import (
	"time"

	appconfig "github.com/smallbiznis/rebill/internal/config"
)

// Config controls worker intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	SweepBatch  int
	JobTimeout  time.Duration
	LockTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   50,
		SweepBatch:  100,
		JobTimeout:  30 * time.Second,
		LockTTL:     5 * time.Minute,
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
	if c.SweepBatch <= 0 {
		c.SweepBatch = defaults.SweepBatch
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

// ProvideConfig maps the application configuration onto the worker's.
func ProvideConfig(appCfg appconfig.Config) Config {
	return Config{
		RunInterval: appCfg.Scheduler.RunInterval,
		BatchSize:   appCfg.Scheduler.BatchSize,
		SweepBatch:  appCfg.Scheduler.SweepBatch,
		LockTTL:     appCfg.Scheduler.LockTTL,
	}.withDefaults()
}
