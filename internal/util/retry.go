package util

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig controls exponential backoff.
type RetryConfig struct {
	// MaxRetries caps retry attempts; 0 means no retries, -1 unlimited.
	MaxRetries int
	// BaseDelay is the initial delay between attempts.
	BaseDelay time.Duration
	// MaxDelay caps the backed-off delay.
	MaxDelay time.Duration
	// Multiplier grows the delay each attempt.
	Multiplier float64
	// Jitter randomizes delays to avoid thundering herds, 0.0 to 1.0.
	Jitter float64
	// RetryIf, when set, limits which errors are retried.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns sensible backoff defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// ErrMaxRetriesExceeded is joined onto the last error when retries run out.
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// ErrContextCanceled is joined onto the context error when retrying stops
// on cancellation.
var ErrContextCanceled = errors.New("context canceled during retry")

// Retry runs fn until it succeeds, the error is ruled non-retryable, the
// retry budget runs out, or ctx is canceled.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	attempts := 0
	for {
		attempts++

		err := fn()
		if err == nil {
			return nil
		}
		if config.RetryIf != nil && !config.RetryIf(err) {
			return err
		}
		if config.MaxRetries >= 0 && attempts > config.MaxRetries {
			return errors.Join(ErrMaxRetriesExceeded, err)
		}

		select {
		case <-ctx.Done():
			return errors.Join(ErrContextCanceled, ctx.Err())
		case <-time.After(calculateDelay(config, attempts)):
		}
	}
}

func calculateDelay(config *RetryConfig, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt-1))
	if max := float64(config.MaxDelay); delay > max {
		delay = max
	}
	if config.Jitter > 0 {
		delay += delay * config.Jitter * (2*rand.Float64() - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
