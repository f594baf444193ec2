package embeddings

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/ragd/internal/resilience"
)

// ResilientConfig configures NewResilient.
type ResilientConfig struct {
	Timeout time.Duration
	Retry   resilience.RetryConfig
	Breaker resilience.BreakerConfig
	// RatePerSecond limits calls to the provider. Zero disables limiting.
	RatePerSecond float64
	Burst         int
	// Dimension every vector must have. Zero uses the provider's Dimension.
	Dimension int
}

// Resilient guards a provider with a per-call timeout, retries, a circuit
// breaker and a rate limit, and rejects vectors of the wrong width.
type Resilient struct {
	Provider
	policy    resilience.Policy
	limiter   *rate.Limiter
	dimension int
}

// NewResilient wraps p.
func NewResilient(p Provider, cfg ResilientConfig, logger *zap.Logger) *Resilient {
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "embeddings:" + p.Model()
	}
	r := &Resilient{
		Provider: p,
		policy: resilience.Policy{
			Timeout: cfg.Timeout,
			Retry:   cfg.Retry,
			Breaker: resilience.NewBreaker(cfg.Breaker, logger),
		},
		dimension: cfg.Dimension,
	}
	if r.dimension <= 0 {
		r.dimension = p.Dimension()
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return r
}

// Dimension returns the enforced vector width.
func (r *Resilient) Dimension() int { return r.dimension }

// BreakerOpen reports whether the provider is currently short-circuited.
func (r *Resilient) BreakerOpen() bool { return r.policy.Breaker.Open() }

func (r *Resilient) wait(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}
	return nil
}

// EmbedDocuments embeds texts and checks every vector's width.
func (r *Resilient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := resilience.Call(ctx, r.policy, func(ctx context.Context) ([][]float32, error) {
		if err := r.wait(ctx); err != nil {
			return nil, err
		}
		return r.Provider.EmbedDocuments(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != r.dimension {
			return nil, fmt.Errorf("%w: vector %d has %d values, want %d", ErrDimensionMismatch, i, len(v), r.dimension)
		}
	}
	return vectors, nil
}

// EmbedQuery embeds text and checks the vector's width.
func (r *Resilient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vec, err := resilience.Call(ctx, r.policy, func(ctx context.Context) ([]float32, error) {
		if err := r.wait(ctx); err != nil {
			return nil, err
		}
		return r.Provider.EmbedQuery(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	if len(vec) != r.dimension {
		return nil, fmt.Errorf("%w: query vector has %d values, want %d", ErrDimensionMismatch, len(vec), r.dimension)
	}
	return vec, nil
}
