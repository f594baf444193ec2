package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/auth"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/mcp"
	"github.com/fyrsmithlabs/ragd/internal/services"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

var errNoIdentity = errors.New("no tenant identity: pass --token, set RAGD_TOKEN or use auth.mode local")

func newMCPCmd(opts *rootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools over stdio for one tenant",
		Long: `Serve the document, query and quota tools over the Model Context Protocol
on stdin/stdout. The tenant is fixed for the whole session: it comes from
--token (or RAGD_TOKEN), or from the system user when auth.mode is local.
Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				token = os.Getenv("RAGD_TOKEN")
			}
			return runMCP(cmd, opts, token)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token identifying the tenant")
	return cmd
}

func runMCP(cmd *cobra.Command, opts *rootOptions, token string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger, err := initLogger(cfg, logging.ConsoleStderr)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return err
	}
	identity, err := resolveIdentity(verifier, token)
	if err != nil {
		return err
	}

	tel, err := initTelemetry(ctx, cfg, logger.Underlying())
	if err != nil {
		return err
	}
	defer func() {
		_ = tel.Shutdown(ctx)
	}()

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

	srv, err := mcp.NewServer(&mcp.Config{
		Name:     "ragd",
		Version:  version,
		Logger:   logger.Underlying().Named("mcp"),
		Meter:    tel.Meter(instrumentationName),
		Scrubber: reg.Scrubber(),
	}, reg.Service(), identity)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	return srv.Run(ctx)
}

// resolveIdentity picks the session tenant. A token always wins; without
// one only local mode can name a tenant.
func resolveIdentity(v *auth.Verifier, token string) (tenant.Info, error) {
	if token != "" {
		return v.Verify(token)
	}
	if v.Mode() == auth.ModeLocal {
		return auth.LocalIdentity()
	}
	return tenant.Info{}, errNoIdentity
}
