package ai

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for recoverable errors.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retry attempts
	InitialDelay  time.Duration // Initial delay before first retry
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Exponential backoff multiplier
	JitterPercent float32       // Random jitter percentage (0.0-1.0)
}

// DefaultRetryConfig is used by the hosted providers.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	BackoffFactor: 2.0,
	JitterPercent: 0.1,
}

// Retry runs fn until it succeeds, returns a non-recoverable error, or the
// attempts are exhausted. Errors that are neither recoverable nor fatal are
// returned immediately.
func Retry[T any](ctx context.Context, cfg RetryConfig, logger *slog.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.backoff(attempt)
			logger.Info("Retrying provider call",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("last_error", lastErr.Error()))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !IsRecoverable(err) {
			return zero, err
		}
		logger.Warn("Recoverable provider error",
			slog.String("op", op),
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", cfg.MaxRetries))
	}

	return zero, fmt.Errorf("%s: exhausted all retry attempts (%d): %w", op, cfg.MaxRetries, lastErr)
}

// backoff computes the delay before the given attempt.
func (c RetryConfig) backoff(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt-1))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.JitterPercent > 0 {
		jitterRange := delay * float64(c.JitterPercent)
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
	}

	if delay < 0 {
		delay = float64(c.InitialDelay)
	}
	return time.Duration(delay)
}
