package utils

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig configures exponential backoff behavior.
type BackoffConfig struct {
	BaseDelay    time.Duration // delay before the first retry (default: 1s)
	Factor       float64       // multiplier per attempt (default: 2)
	MaxDelay     time.Duration // cap on the computed delay (default: 60s)
	JitterFactor float64       // randomization factor (default: 0.3 = ±30%)
}

// DefaultBackoff returns the reconnect policy used by trigger listeners.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		BaseDelay:    1 * time.Second,
		Factor:       2,
		MaxDelay:     60 * time.Second,
		JitterFactor: 0.3,
	}
}

// Delay computes the backoff delay for the given zero-based attempt.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	base := c.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	factor := c.Factor
	if factor <= 1 {
		factor = 2
	}
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}

	delay := time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	if c.JitterFactor > 0 {
		jitter := float64(delay) * c.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = base
		}
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// Wait sleeps for the attempt's delay or until ctx is cancelled.
func (c BackoffConfig) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.Delay(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
