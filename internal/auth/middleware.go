package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

// Trusted identity headers for ModeHeader.
const (
	HeaderSubject  = "X-Tenant-Subject"
	HeaderUsername = "X-Tenant-Username"
	HeaderEmail    = "X-Tenant-Email"
	HeaderScope    = "X-Tenant-Scope"
)

const authOp = "Authenticate"

// Authenticate resolves the tenant of r.
func (v *Verifier) Authenticate(r *http.Request) (tenant.Info, error) {
	switch v.cfg.Mode {
	case ModeHeader:
		id, source, err := tenant.ResolveWithSource(tenant.Claims{
			Subject:  r.Header.Get(HeaderSubject),
			Username: r.Header.Get(HeaderUsername),
			Email:    r.Header.Get(HeaderEmail),
		})
		if err != nil {
			return tenant.Info{}, err
		}
		admin := false
		for _, s := range strings.Fields(r.Header.Get(HeaderScope)) {
			admin = admin || s == v.cfg.AdminScope
		}
		return tenant.Info{ID: id, Source: source, Admin: admin}, nil
	case ModeLocal:
		return LocalIdentity()
	default:
		return v.Verify(bearerToken(r))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get(echo.HeaderAuthorization)
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Middleware authenticates every request and attaches the tenant to the
// request context. Failures surface as authentication errors for the
// server's error handler.
func Middleware(v *Verifier, logger *zap.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			info, err := v.Authenticate(req)
			if err != nil {
				logger.Debug("authentication failed",
					zap.String("path", req.URL.Path),
					zap.String("mode", string(v.cfg.Mode)),
					zap.Error(err))
				return ragerr.Authentication(authOp, err)
			}
			c.SetRequest(req.WithContext(tenant.WithInfo(req.Context(), info)))
			return next(c)
		}
	}
}

// RequireAdmin rejects tenants without the admin scope.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			info, err := tenant.FromContext(c.Request().Context())
			if err != nil {
				return ragerr.Authentication(authOp, err)
			}
			if !info.Admin {
				return echo.NewHTTPError(http.StatusForbidden, "admin scope required")
			}
			return next(c)
		}
	}
}
