package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrBreakerOpen is returned when a breaker rejects a call.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	Name string
	// MaxRequests allowed through while half-open. Default: 1.
	MaxRequests uint32
	// Interval clears closed-state counts. Zero never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open. Default: 30s.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker. Default: 5.
	ConsecutiveFailures uint32
}

// Breaker is a named circuit breaker. Only transient failures count against
// it; a validation error from a healthy backend never trips it.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker that logs state changes.
func NewBreaker(cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := cfg.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cb.Name() }

// Open reports whether calls are currently rejected.
func (b *Breaker) Open() bool { return b.cb.State() == gobreaker.StateOpen }

// State returns the breaker state as a string.
func (b *Breaker) State() string { return b.cb.State().String() }

// Execute runs fn through the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return MarkRetryable(errors.Join(ErrBreakerOpen, err))
	}
	return err
}
