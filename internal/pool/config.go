package pool

import "time"

// Config bounds the pool and its maintenance cadence.
type Config struct {
	MaxCapacity    int
	MinCapacity    int
	IdleTimeout    time.Duration // idle sessions unused this long are re-verified by Sweep
	AcquireTimeout time.Duration // default when Acquire is called with timeout <= 0
	StuckTimeout   time.Duration // busy sessions older than this are reclaimed
	ScanInterval   time.Duration // minimum gap between discovery scans
	PollInterval   time.Duration // longest single wait inside Acquire
	ResetTimeout   time.Duration // bound on one tab reset or health check
	DefaultPreset  string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxCapacity:    5,
		MinCapacity:    1,
		IdleTimeout:    300 * time.Second,
		AcquireTimeout: 60 * time.Second,
		StuckTimeout:   180 * time.Second,
		ScanInterval:   10 * time.Second,
		PollInterval:   time.Second,
		ResetTimeout:   10 * time.Second,
		DefaultPreset:  "default",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxCapacity <= 0 {
		c.MaxCapacity = d.MaxCapacity
	}
	if c.MinCapacity < 0 {
		c.MinCapacity = 0
	}
	if c.MinCapacity > c.MaxCapacity {
		c.MinCapacity = c.MaxCapacity
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = d.StuckTimeout
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = d.ScanInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.DefaultPreset == "" {
		c.DefaultPreset = d.DefaultPreset
	}
	return c
}
