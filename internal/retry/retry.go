// Package retry provides bounded exponential backoff for transient
// failures against the automation backend.
package retry

import (
	"context"
	"math/rand"
	"time"

	"droidfleet.sh/internal/dferrors"
)

// Config bounds one retry loop.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
}

// DefaultConfig suits short driver calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// SessionConfig suits session creation, where the backend may still be
// binding its listener.
func SessionConfig() Config {
	return Config{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// IsRetryable decides whether an attempt's error warrants another try.
type IsRetryable func(error) bool

// Transient retries errors the driver layer marks as transport-level.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if dferrors.IsTransient(err) {
		return true
	}
	type timeout interface {
		Timeout() bool
	}
	if te, ok := err.(timeout); ok && te.Timeout() {
		return true
	}
	return false
}

// Do runs fn with the Transient retryability check.
func Do(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	return DoWithRetryable(ctx, cfg, Transient, fn)
}

// DoWithRetryable runs fn until it succeeds, exhausts the attempt
// budget, or fails non-retryably.
func DoWithRetryable(ctx context.Context, cfg Config, isRetryable IsRetryable, fn func(context.Context) error) error {
	var lastErr error
	backoff := cfg.InitialBackoff
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) || attempt >= cfg.MaxAttempts {
			return err
		}

		delay := backoff
		if cfg.Jitter {
			jitter := time.Duration(float64(backoff) * 0.25 * (2*rng.Float64() - 1))
			delay = backoff + jitter
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return lastErr
}
