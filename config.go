package jobsync

import (
	"fmt"
	"time"
)

// Config controls result caching and job monitoring behavior.
type Config struct {
	// CacheTTL bounds how long a coordinator result is served from cache.
	// Expiry is lazy: entries are checked at read time, never swept.
	CacheTTL time.Duration

	// Monitor timing
	MonitorPoll       time.Duration
	StuckAfter        time.Duration
	MaxRelabelPerTick int

	// Job statuses the monitor acts on.
	ProcessingStatus string
	StuckStatus      string

	// Error handling
	StoreErrorBackoff BackoffConfig
	JitterRatio       float64
}

// BackoffConfig describes an exponential backoff policy.
type BackoffConfig struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// Next returns the next backoff duration for the given retry count.
func (b BackoffConfig) Next(retry int) time.Duration {
	if retry <= 0 {
		return b.Base
	}
	d := float64(b.Base)
	for i := 0; i < retry; i++ {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	return time.Duration(d)
}

// DefaultConfig returns a config with conservative defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL: 5 * time.Minute,

		MonitorPoll:       30 * time.Second,
		StuckAfter:        10 * time.Minute,
		MaxRelabelPerTick: 10,

		ProcessingStatus: "processing",
		StuckStatus:      "stalled",

		StoreErrorBackoff: BackoffConfig{
			Base:       500 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2.0,
		},
		JitterRatio: 0.2,
	}
}

// Validate ensures config values are safe.
func (c Config) Validate() error {
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CacheTTL must be >0")
	}
	if c.MonitorPoll <= 0 {
		return fmt.Errorf("MonitorPoll must be >0")
	}
	if c.StuckAfter <= 0 {
		return fmt.Errorf("StuckAfter must be >0")
	}
	if c.StuckAfter <= c.MonitorPoll {
		return fmt.Errorf("StuckAfter must be greater than MonitorPoll")
	}
	if c.MaxRelabelPerTick <= 0 {
		return fmt.Errorf("MaxRelabelPerTick must be >0")
	}
	if c.ProcessingStatus == "" {
		return fmt.Errorf("ProcessingStatus cannot be empty")
	}
	if c.StuckStatus == "" {
		return fmt.Errorf("StuckStatus cannot be empty")
	}
	if c.ProcessingStatus == c.StuckStatus {
		return fmt.Errorf("ProcessingStatus and StuckStatus must differ")
	}
	if c.JitterRatio < 0 || c.JitterRatio > 1 {
		return fmt.Errorf("JitterRatio must be between 0 and 1")
	}
	if err := c.StoreErrorBackoff.validate(); err != nil {
		return fmt.Errorf("StoreErrorBackoff invalid: %w", err)
	}
	return nil
}

func (b BackoffConfig) validate() error {
	if b.Base <= 0 {
		return fmt.Errorf("Base must be >0")
	}
	if b.Max <= 0 {
		return fmt.Errorf("Max must be >0")
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("Multiplier must be >=1")
	}
	if b.Base > b.Max {
		return fmt.Errorf("Base must be <= Max")
	}
	return nil
}
