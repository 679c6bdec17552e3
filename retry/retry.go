// Package retry provides exponential backoff schedules, used both for long-term
// reconnect delays and for blocking radio bring-up retries.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Operation is one attempt of a blocking call
type Operation func(ctx context.Context) error

// Config describes an exponential backoff
type Config struct {
	// MaxAttempts is the maximum number of attempts including the initial attempt.
	// Zero or negative means unbounded for schedules, and one attempt for WithBackoff.
	MaxAttempts int `yaml:"maxAttempts" json:"maxAttempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initialDelay" json:"initialDelay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `yaml:"maxDelay" json:"maxDelay"`

	// Multiplier is the factor by which the delay increases
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// MaxJitter is the maximum random jitter added to delays
	MaxJitter time.Duration `yaml:"maxJitter" json:"maxJitter"`

	// OnRetry is called after each failed attempt
	OnRetry func(attempt int, err error) `yaml:"-" json:"-"`
}

// DefaultConfig is three quick attempts, used for adapter bring-up
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxJitter:    100 * time.Millisecond,
	}
}

// ReconnectConfig is the default long-term reconnect backoff: 3s doubling up to one minute, unbounded.
func ReconnectConfig() Config {
	return Config{
		InitialDelay: 3 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	}
}

// Schedule maps a zero-based attempt number to the delay before that attempt.
// A negative delay means stop.
type Schedule func(attempt int) time.Duration

// Schedule returns the backoff schedule described by cfg.
func (cfg Config) Schedule() Schedule {
	return func(attempt int) time.Duration {
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return -1
		}
		return Delay(attempt, cfg)
	}
}

// WithBackoff calls op until it succeeds, returns a non-retryable error or runs
// out of attempts. ctx cancels both the attempts and the waits between them.
func WithBackoff(ctx context.Context, op Operation, cfg Config) error {
	var lastErr error

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		default:
		}

		if attempt > 0 {
			timer := time.NewTimer(Delay(attempt, cfg))

			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
			case <-timer.C:
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}

		if !IsRetryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// Delay calculates the delay for a given attempt. Attempt 0 yields InitialDelay.
func Delay(attempt int, cfg Config) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt))

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.MaxJitter > 0 {
		delay += float64(cfg.MaxJitter) * rand.Float64()
	}

	return time.Duration(delay)
}

// RetryableError marks a failure worth another attempt
type RetryableError struct {
	err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.err)
}

func (e *RetryableError) Unwrap() error {
	return e.err
}

// NewRetryableError wraps an error as retryable
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{err: err}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}
