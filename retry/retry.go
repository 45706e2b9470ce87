// Package retry provides generic retry logic with exponential backoff for
// transient chain failures. It uses Go generics for type-safe retry operations
// and respects context cancellation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	v402 "github.com/Dream-Voyage/v402-sub000"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (including initial attempt)
	InitialDelay time.Duration // Initial delay between retries
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Multiplier for exponential backoff
}

// DefaultConfig provides sensible defaults for chain submission retries.
var DefaultConfig = Config{
	MaxAttempts:  4,
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2.0,
}

// IsRetryable determines if an error should trigger a retry.
type IsRetryable func(error) bool

// Transient reports whether an error is a transient chain failure.
// Permanent chain rejections and validation failures are never retried.
func Transient(err error) bool {
	return errors.Is(err, v402.ErrChainUnavailable)
}

// WithRetry executes fn with bounded attempts and exponential backoff.
// fn receives the 1-based attempt number so callers can record how many
// tries a settlement took. The first non-retryable error aborts immediately.
func WithRetry[T any](
	ctx context.Context,
	config Config,
	isRetryable IsRetryable,
	fn func(attempt int) (T, error),
) (T, error) {
	var zero T
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		// Don't sleep after the last attempt
		if attempt < config.MaxAttempts {
			select {
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * config.Multiplier)
				if delay > config.MaxDelay {
					delay = config.MaxDelay
				}
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}
