// Package resilience wraps calls to remote collaborators with per-attempt
// timeouts, bounded retries and circuit breaking.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultMultiplier     = 2.0
)

// RetryConfig controls Retry.
type RetryConfig struct {
	// MaxAttempts includes the first call. Default: 3.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter spreads each backoff uniformly over [backoff/2, backoff].
	Jitter bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = defaultMultiplier
	}
	return c
}

// Backoff returns the delay before attempt (1-based, attempt 1 has no delay).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt <= 1 {
		return 0
	}
	d := float64(c.InitialBackoff)
	for i := 2; i < attempt; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxBackoff) {
			break
		}
	}
	backoff := time.Duration(d)
	if backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}
	if c.Jitter && backoff > 1 {
		half := backoff / 2
		backoff = half + rand.N(half+1)
	}
	return backoff
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string   { return e.err.Error() }
func (e *retryableError) Unwrap() error   { return e.err }
func (e *retryableError) Retryable() bool { return true }

// MarkRetryable flags err as transient.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retryable() bool { return false }

// MarkPermanent flags err as not worth retrying even when it wraps
// transient causes.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether err is transient: anything in its chain that
// reports Retryable() true, or a per-attempt deadline.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Retry calls op until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx ends.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if wait := cfg.Backoff(attempt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(ctx.Err(), lastErr)
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		// The caller's own deadline is final even though per-attempt
		// deadlines are retryable.
		if ctx.Err() != nil {
			return errors.Join(ctx.Err(), err)
		}
		if !IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
