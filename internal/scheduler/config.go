package scheduler

import (
	"time"
)

// DispatchModeSingle submits one registry request per record;
// DispatchModeBatch groups records into asynchronous multi-consent
// submissions. The two paths share selection and skip logic, the mode only
// picks the submission strategy.
const (
	DispatchModeSingle = "single"
	DispatchModeBatch  = "batch"
)

// Config controls scheduler intervals and run sizing.
type Config struct {
	RunInterval      time.Duration
	DispatchMode     string
	SingleLimit      int
	BatchSize        int
	BatchCount       int
	ReconcileBatches int
	CheckAfter       time.Duration
	JobTimeout       time.Duration
	// EnabledJobs restricts which jobs this process runs; empty means all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      time.Minute,
		DispatchMode:     DispatchModeBatch,
		SingleLimit:      200,
		BatchSize:        100,
		BatchCount:       5,
		ReconcileBatches: 20,
		CheckAfter:       5 * time.Minute,
		JobTimeout:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.DispatchMode != DispatchModeSingle && c.DispatchMode != DispatchModeBatch {
		c.DispatchMode = defaults.DispatchMode
	}
	if c.SingleLimit <= 0 {
		c.SingleLimit = defaults.SingleLimit
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.BatchCount <= 0 {
		c.BatchCount = defaults.BatchCount
	}
	if c.ReconcileBatches <= 0 {
		c.ReconcileBatches = defaults.ReconcileBatches
	}
	if c.CheckAfter <= 0 {
		c.CheckAfter = defaults.CheckAfter
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
