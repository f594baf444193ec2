package http

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

// RateLimitConfig configures the per-tenant request limiter.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	// IdleTimeout is how long an unused tenant bucket is kept. Default: 1h.
	IdleTimeout time.Duration
}

type tenantBucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// TenantLimiter is a token bucket per tenant. It runs after authentication
// so a noisy tenant cannot starve the others, and before the quota ledger
// so throttled requests never reserve quota.
type TenantLimiter struct {
	limit  rate.Limit
	burst  int
	idle   time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*tenantBucket
	lastSweep time.Time
}

// NewTenantLimiter creates a limiter from cfg.
func NewTenantLimiter(cfg RateLimitConfig, logger *zap.Logger) *TenantLimiter {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TenantLimiter{
		limit:   rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
		idle:    cfg.IdleTimeout,
		logger:  logger,
		now:     time.Now,
		buckets: make(map[string]*tenantBucket),
	}
}

// Allow reports whether tenantID may make a request now.
func (l *TenantLimiter) Allow(tenantID string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.idle {
		for id, b := range l.buckets {
			if now.Sub(b.lastAccess) >= l.idle {
				delete(l.buckets, id)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[tenantID]
	if !ok {
		b = &tenantBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[tenantID] = b
	}
	b.lastAccess = now
	return b.limiter.AllowN(now, 1)
}

// retryAfter is the wait, in whole seconds, for one token to refill.
func (l *TenantLimiter) retryAfter() int {
	if l.limit <= 0 {
		return 1
	}
	return int(math.Max(1, math.Ceil(1/float64(l.limit))))
}

// Middleware rejects over-limit requests with 429. It expects the tenant
// in the request context.
func (l *TenantLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			info, err := tenant.FromContext(c.Request().Context())
			if err != nil {
				return next(c)
			}
			if !l.Allow(info.ID) {
				l.logger.Debug("tenant rate limited", zap.String("tenant_id", info.ID))
				c.Response().Header().Set("Retry-After", strconv.Itoa(l.retryAfter()))
				return c.JSON(http.StatusTooManyRequests, ErrorResponse{
					Error:     "too many requests",
					Code:      CodeRateLimited,
					Retryable: true,
				})
			}
			return next(c)
		}
	}
}
