package resilience

import (
	"context"
	"time"
)

// Policy combines a per-attempt timeout, retries and an optional breaker.
// The zero value runs the call once with no timeout.
type Policy struct {
	Timeout time.Duration
	Retry   RetryConfig
	Breaker *Breaker
}

// Do runs fn under the policy.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	retry := p.Retry
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 1
	}
	return Retry(ctx, retry, func(ctx context.Context) error {
		attempt := func(ctx context.Context) error {
			if p.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, p.Timeout)
				defer cancel()
			}
			return fn(ctx)
		}
		if p.Breaker != nil {
			return p.Breaker.Execute(ctx, attempt)
		}
		return attempt(ctx)
	})
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
