package client

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial
	// request). 1 disables retries.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the computed exponential backoff. A longer
	// Retry-After from the upstream is still honored.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// Jitter adds up to ±Jitter fraction of randomness to each delay.
	Jitter float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// backoff returns the delay before retry number attempt (0-indexed).
func (c RetryConfig) backoff(attempt int) time.Duration {
	mult := c.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(c.InitialBackoff) * math.Pow(mult, float64(attempt))
	if c.MaxBackoff > 0 && delay > float64(c.MaxBackoff) {
		delay = float64(c.MaxBackoff)
	}
	if c.Jitter > 0 {
		delay += delay * c.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Retry calls fn until it succeeds, returns a non-retryable error, or
// cfg.MaxAttempts is reached. A Retry-After carried by the error replaces
// the computed backoff when it is longer. When ctx would expire before the
// next attempt, the last error is returned without waiting. Exhaustion
// wraps the last error in ErrRetryExhausted.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := range attempts {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.Info().
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		kind := KindOf(err)
		delay := cfg.backoff(attempt)
		if ra := RetryAfter(err); ra > delay {
			delay = ra
		}

		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			log.Debug().
				Str("error_kind", string(kind)).
				Dur("backoff", delay).
				Msg("Retry delay exceeds deadline, giving up")
			return zero, err
		}

		retriesTotal.WithLabelValues(string(kind)).Inc()
		retryBackoffSeconds.WithLabelValues(string(kind)).Observe(delay.Seconds())

		log.Debug().
			Str("error_kind", string(kind)).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Warn().
				Str("error_kind", string(kind)).
				Int("attempt", attempt+1).
				Msg("Context cancelled during retry backoff")
			return zero, interrupted(ctx.Err(), err)
		case <-timer.C:
		}
	}

	kind := KindOf(lastErr)
	retryExhaustedTotal.WithLabelValues(string(kind)).Inc()
	log.Warn().
		Str("error_kind", string(kind)).
		Int("max_attempts", attempts).
		Msg("Retry attempts exhausted")

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, lastErr)
}
