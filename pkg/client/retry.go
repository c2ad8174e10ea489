package client

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// Retry defaults for transient failures.
const (
	DefaultMaxAttempts   = 10
	DefaultBaseDelay     = 1 * time.Second
	DefaultBackoffFactor = 2.0
)

// RetryPolicy holds the configuration for retry logic.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration

	// BackoffFactor multiplies the delay after each retry.
	BackoffFactor float64

	// Retriable decides whether an error is transient. Defaults to IsRetriable.
	Retriable func(error) bool
}

// DefaultRetryPolicy returns the fixed retry policy: 10 attempts, 1s base, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   DefaultMaxAttempts,
		BaseDelay:     DefaultBaseDelay,
		BackoffFactor: DefaultBackoffFactor,
		Retriable:     IsRetriable,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = def.BackoffFactor
	}
	if p.Retriable == nil {
		p.Retriable = def.Retriable
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-based):
// BaseDelay * BackoffFactor^(attempt-1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt-1)))
}

// Do runs fn until it succeeds, returns a non-retriable error, or MaxAttempts
// is reached. fn receives the 1-based attempt number.
//
// A non-retriable error is returned as-is. Exhaustion returns an error wrapping
// both ErrRetryExhausted and the last error. Context cancellation during a
// backoff wait returns ErrContextCancelled.
func (p RetryPolicy) Do(ctx context.Context, logger zerolog.Logger, fn func(attempt int) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		class := ClassOf(err)

		if !p.Retriable(err) {
			return err
		}

		if attempt >= p.MaxAttempts {
			break
		}

		backoff := p.Backoff(attempt)
		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(backoff.Seconds())

		logger.Debug().
			Err(err).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().
				Str("error_class", string(class)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w (last error: %w)", ErrContextCancelled, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	retryExhaustedTotal.WithLabelValues(string(ClassOf(lastErr))).Inc()
	logger.Warn().
		Str("error_class", string(ClassOf(lastErr))).
		Int("max_attempts", p.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, p.MaxAttempts, lastErr)
}
