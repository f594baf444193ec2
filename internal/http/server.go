// Package http serves the ragd REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/auth"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/rag"
)

// Server provides the HTTP endpoints for ragd.
type Server struct {
	echo     *echo.Echo
	service  *rag.Service
	verifier *auth.Verifier
	logger   *zap.Logger
	log      *logging.Logger
	config   *Config
	metrics  *HTTPMetrics
	limiter  *TenantLimiter
}

// Config holds HTTP server configuration.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// BodyLimit uses echo's size syntax, e.g. "2M". Empty means no limit.
	BodyLimit   string
	CORSOrigins []string
	RateLimit   RateLimitConfig
}

// Option configures a Server.
type Option func(*Server)

// WithMeter records HTTP metrics on meter instead of the global provider.
func WithMeter(meter metric.Meter) Option {
	return func(s *Server) {
		s.metrics = NewHTTPMetrics(meter, s.logger)
	}
}

// NewServer creates a new HTTP server.
func NewServer(svc *rag.Service, verifier *auth.Verifier, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if verifier == nil {
		return nil, fmt.Errorf("verifier cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	s := &Server{
		echo:     e,
		service:  svc,
		verifier: verifier,
		logger:   logger,
		log:      logging.Wrap(logger),
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewHTTPMetrics(nil, logger)
	}
	if cfg.RateLimit.Enabled {
		s.limiter = NewTenantLimiter(cfg.RateLimit, logger.Named("ratelimit"))
	}

	e.HTTPErrorHandler = s.handleError

	// Metrics sit inside logging and outside recovery so both see the
	// final status of every request, panics included.
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(s.requestLogger())
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(middleware.Recover())
	if len(cfg.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, echo.HeaderXRequestID},
		}))
	}
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	s.registerRoutes()

	return s, nil
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			s.log.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Int64("bytes", c.Response().Size),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", auth.Middleware(s.verifier, s.logger.Named("auth")))
	if s.limiter != nil {
		v1.Use(s.limiter.Middleware())
	}
	v1.POST("/documents", s.handleAddDocument)
	v1.GET("/documents", s.handleListDocuments)
	v1.DELETE("/documents/:id", s.handleDeleteDocument)
	v1.POST("/query", s.handleQuery)
	v1.GET("/quota", s.handleQuota)
	v1.GET("/stats", s.handleStats)
	v1.PUT("/plan", s.handleUpdatePlan, auth.RequireAdmin())
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr), zap.String("auth_mode", string(s.verifier.Mode())))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
