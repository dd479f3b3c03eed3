package domain

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines the backoff schedule for re-published tasks.
type RetryConfig struct {
	// MaxRetries is the per-job retry budget.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// JitterFrac spreads delays uniformly in [1-f, 1+f].
	JitterFrac float64
}

// DefaultRetryConfig returns the standard schedule: 60s base doubling up
// to 600s with 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  60 * time.Second,
		MaxDelay:   600 * time.Second,
		JitterFrac: 0.25,
	}
}

// Delay computes the backoff for the given attempt (0-based):
// min(cap, base * 2^attempt) scaled by uniform jitter.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(c.BaseDelay) * math.Pow(2, float64(attempt))
	if capped := float64(c.MaxDelay); d > capped {
		d = capped
	}
	if c.JitterFrac > 0 {
		d *= 1 + c.JitterFrac*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// DelayBounds returns the minimum and maximum possible Delay for an
// attempt. Useful for schedule checks without pinning the jitter seed.
func (c RetryConfig) DelayBounds(attempt int) (time.Duration, time.Duration) {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(c.BaseDelay) * math.Pow(2, float64(attempt))
	if capped := float64(c.MaxDelay); d > capped {
		d = capped
	}
	return time.Duration(d * (1 - c.JitterFrac)), time.Duration(d * (1 + c.JitterFrac))
}
