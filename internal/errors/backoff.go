package errors

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig configures exponential backoff between retry attempts.
type BackoffConfig struct {
	BaseDelay    time.Duration // delay before the first retry (default: 1s)
	MaxDelay     time.Duration // cap on any single delay (default: 30s)
	JitterFactor float64       // randomization factor (default: 0.25 = ±25%)
}

// DefaultBackoffConfig returns sensible defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// Backoff returns the delay before retry number attempt (0-based) with
// exponential growth and jitter.
func Backoff(attempt int, config BackoffConfig) time.Duration {
	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(config.BaseDelay) * multiplier)

	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		jitterAmount := (rand.Float64()*2 - 1) * jitter
		delay = time.Duration(float64(delay) + jitterAmount)

		if delay < 0 {
			delay = config.BaseDelay
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return delay
}

// Sleep waits for d or until ctx is done, whichever comes first.
// Returns ctx.Err() when cancelled during the wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
