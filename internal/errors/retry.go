package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures jittered exponential backoff.
type RetryConfig struct {
	MaxRetries   int           // Retry attempts beyond the initial call
	InitialDelay time.Duration // Delay before the first retry
	Multiplier   float64       // Backoff growth per attempt
	Jitter       float64       // Fraction of the delay randomized (0-1)
}

// DefaultRetryConfig returns the retry schedule used for transient
// vector-store and model failures: 100ms, 400ms, 1.6s with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   4.0,
		Jitter:       0.2,
	}
}

// Retry executes fn, retrying retryable failures with jittered exponential
// backoff. Non-retryable errors abort immediately. Context cancellation is
// returned as-is so callers can distinguish it from operation failure.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt >= cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay, cfg.Jitter)):
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
	}

	return lastErr
}

// jittered randomizes a delay by up to fraction in either direction.
func jittered(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	spread := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}
