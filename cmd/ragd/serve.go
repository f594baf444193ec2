package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/auth"
	"github.com/fyrsmithlabs/ragd/internal/config"
	httpserver "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/services"
	"github.com/fyrsmithlabs/ragd/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/ragd/cmd/ragd"

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, opts)
		},
	}
}

func serve(cmd *cobra.Command, opts *rootOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	return run(ctx, cfg)
}

// run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down within the configured timeout.
func run(ctx context.Context, cfg *config.Config) (err error) {
	logger, err := initLogger(cfg, logging.ConsoleStdout)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tel, err := initTelemetry(ctx, cfg, logger.Underlying())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Observability.ShutdownTimeout.Duration())
		defer cancel()
		if serr := tel.Shutdown(shutdownCtx); serr != nil {
			logger.Warn(ctx, "telemetry shutdown failed", zap.Error(serr))
		}
	}()

	logger.Info(ctx, "starting ragd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("auth_mode", cfg.Auth.Mode),
		zap.String("vectorstore", cfg.VectorStore.Backend),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	reg, err := services.Build(ctx, cfg, logger.Underlying())
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() {
		if cerr := reg.Close(); cerr != nil {
			logger.Warn(ctx, "closing services failed", zap.Error(cerr))
		}
	}()
	reg.Start(ctx)

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return err
	}

	srv, err := httpserver.NewServer(reg.Service(), verifier, logger.Underlying(), serverConfig(cfg),
		httpserver.WithMeter(tel.Meter(instrumentationName)))
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info(ctx, "shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info(ctx, "server shutdown complete")
	return nil
}

func serverConfig(cfg *config.Config) *httpserver.Config {
	return &httpserver.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
		BodyLimit:    cfg.Server.BodyLimit,
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimit: httpserver.RateLimitConfig{
			Enabled:           cfg.RateLimit.Enabled,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
	}
}

// initLogger builds the structured logger. console selects stdout or
// stderr; the MCP command needs stdout for the protocol.
func initLogger(cfg *config.Config, console string) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.ParseLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Observability.LogLevel, err)
	}
	lc.Level = level
	lc.Format = cfg.Observability.LogFormat
	lc.Output.Console = console
	lc.Fields = map[string]string{
		"service": cfg.Observability.ServiceName,
		"version": version,
	}
	return logging.New(lc, nil)
}

func initTelemetry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*telemetry.Telemetry, error) {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Observability.EnableTelemetry
	tc.Endpoint = cfg.Observability.OTLPEndpoint
	tc.Protocol = cfg.Observability.OTLPProtocol
	tc.Insecure = cfg.Observability.OTLPInsecure
	tc.ServiceName = cfg.Observability.ServiceName
	tc.ServiceVersion = version
	tc.Sampling.Rate = cfg.Observability.SampleRate
	tc.Metrics.Enabled = cfg.Observability.EnableMetrics
	tc.ShutdownTimeout = cfg.Observability.ShutdownTimeout

	tel, err := telemetry.New(ctx, tc, logger.Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if tel.Degraded() {
		logger.Warn("telemetry running degraded, exports disabled")
	}
	return tel, nil
}

func newVerifier(cfg config.AuthConfig) (*auth.Verifier, error) {
	v, err := auth.NewVerifier(auth.Config{
		Mode:           auth.Mode(cfg.Mode),
		HS256Secret:    cfg.HS256Secret.Value(),
		RS256PublicKey: cfg.RS256PublicKey,
		Issuer:         cfg.Issuer,
		Audience:       cfg.Audience,
		AdminScope:     cfg.AdminScope,
		Leeway:         cfg.Leeway.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure authentication: %w", err)
	}
	return v, nil
}
