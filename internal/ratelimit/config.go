package ratelimit

import "time"

// Config bounds one channel's outbound pace. Zero fields inherit the
// process defaults.
type Config struct {
	PerMinute int
	PerHour   int
	PerDay    int

	// MinDelay is the base of the adaptive inter-send delay, MaxDelay its cap.
	MinDelay time.Duration
	MaxDelay time.Duration

	// BurstLimit consecutive sends spaced closer than BurstGap trigger a Cooldown.
	BurstLimit int
	BurstGap   time.Duration
	Cooldown   time.Duration

	// WarnThreshold abuse warnings start a WarnThrottle window.
	WarnThreshold int
	WarnThrottle  time.Duration

	// CriticalThrottle follows any hour or day cap hit.
	CriticalThrottle time.Duration

	// EscalateAfter soft violations within an hour start a WarnThrottle window.
	EscalateAfter int

	// DecayAfter clears warnings and violations once nothing new arrived for this long.
	DecayAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		PerMinute:        15,
		PerHour:          200,
		PerDay:           1000,
		MinDelay:         3 * time.Second,
		MaxDelay:         8 * time.Second,
		BurstLimit:       5,
		BurstGap:         30 * time.Second,
		Cooldown:         30 * time.Second,
		WarnThreshold:    3,
		WarnThrottle:     15 * time.Minute,
		CriticalThrottle: 30 * time.Minute,
		EscalateAfter:    3,
		DecayAfter:       time.Hour,
	}
}

// Merge fills the zero fields of c from base.
func (c Config) Merge(base Config) Config {
	if c.PerMinute <= 0 {
		c.PerMinute = base.PerMinute
	}
	if c.PerHour <= 0 {
		c.PerHour = base.PerHour
	}
	if c.PerDay <= 0 {
		c.PerDay = base.PerDay
	}
	if c.MinDelay <= 0 {
		c.MinDelay = base.MinDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = base.MaxDelay
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.BurstLimit <= 0 {
		c.BurstLimit = base.BurstLimit
	}
	if c.BurstGap <= 0 {
		c.BurstGap = base.BurstGap
	}
	if c.Cooldown <= 0 {
		c.Cooldown = base.Cooldown
	}
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = base.WarnThreshold
	}
	if c.WarnThrottle <= 0 {
		c.WarnThrottle = base.WarnThrottle
	}
	if c.CriticalThrottle <= 0 {
		c.CriticalThrottle = base.CriticalThrottle
	}
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = base.EscalateAfter
	}
	if c.DecayAfter <= 0 {
		c.DecayAfter = base.DecayAfter
	}
	return c
}
