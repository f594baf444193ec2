package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/ragd/internal/resilience"
)

// MemberConfig guards one generator in a Chain.
type MemberConfig struct {
	Timeout time.Duration
	Retry   resilience.RetryConfig
	Breaker resilience.BreakerConfig
	// RatePerSecond limits calls to the provider. Zero disables limiting.
	RatePerSecond float64
	Burst         int
}

type member struct {
	gen     Generator
	policy  resilience.Policy
	limiter *rate.Limiter
}

func (m *member) throttled() bool {
	return m.limiter != nil && m.limiter.Tokens() < 1
}

// Chain tries generators in order. A provider whose breaker is open is
// skipped and providers that are out of rate tokens are tried last.
type Chain struct {
	members []*member
	logger  *zap.Logger
}

// NewChain creates an empty chain.
func NewChain(logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{logger: logger}
}

// Add appends g with its own breaker and limiter.
func (c *Chain) Add(g Generator, cfg MemberConfig) *Chain {
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "generation:" + g.Name()
	}
	m := &member{
		gen: g,
		policy: resilience.Policy{
			Timeout: cfg.Timeout,
			Retry:   cfg.Retry,
			Breaker: resilience.NewBreaker(cfg.Breaker, c.logger),
		},
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	c.members = append(c.members, m)
	return c
}

// Name lists the chained providers.
func (c *Chain) Name() string {
	name := "chain("
	for i, m := range c.members {
		if i > 0 {
			name += ","
		}
		name += m.gen.Name()
	}
	return name + ")"
}

// order returns healthy members first, then throttled ones, dropping
// members whose breaker is open.
func (c *Chain) order() []*member {
	var ready, later []*member
	for _, m := range c.members {
		switch {
		case m.policy.Breaker.Open():
			GenerationSkippedTotal.WithLabelValues(m.gen.Name(), "breaker_open").Inc()
		case m.throttled():
			later = append(later, m)
		default:
			ready = append(ready, m)
		}
	}
	return append(ready, later...)
}

// Generate returns the first successful answer. The returned error is
// retryable when every provider failed transiently.
func (c *Chain) Generate(ctx context.Context, p Prompt) (Answer, error) {
	candidates := c.order()
	if len(candidates) == 0 {
		return Answer{}, resilience.MarkRetryable(ErrNoProviders)
	}

	var errs []error
	allTransient := true
	for _, m := range candidates {
		start := time.Now()
		answer, err := resilience.Call(ctx, m.policy, func(ctx context.Context) (Answer, error) {
			if m.limiter != nil {
				if err := m.limiter.Wait(ctx); err != nil {
					return Answer{}, fmt.Errorf("rate limiter error: %w", err)
				}
			}
			return m.gen.Generate(ctx, p)
		})
		GenerationDuration.WithLabelValues(m.gen.Name()).Observe(time.Since(start).Seconds())
		if err == nil {
			GenerationRequestsTotal.WithLabelValues(m.gen.Name(), "success").Inc()
			return answer, nil
		}

		GenerationRequestsTotal.WithLabelValues(m.gen.Name(), "error").Inc()
		c.logger.Warn("generation provider failed, trying next",
			zap.String("provider", m.gen.Name()),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", m.gen.Name(), err))
		if !resilience.IsRetryable(err) {
			allTransient = false
		}
		if ctx.Err() != nil {
			break
		}
	}

	err := fmt.Errorf("all generation providers failed: %w", errors.Join(errs...))
	if allTransient {
		return Answer{}, resilience.MarkRetryable(err)
	}
	return Answer{}, resilience.MarkPermanent(err)
}

var _ Generator = (*Chain)(nil)
