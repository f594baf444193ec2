package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/rag"
	"github.com/fyrsmithlabs/ragd/internal/secrets"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

// Server exposes a rag.Service as MCP tools for one tenant.
type Server struct {
	mcp          *mcp.Server
	service      *rag.Service
	identity     tenant.Info
	scrubber     secrets.Scrubber
	toolRegistry *ToolRegistry
	metrics      *Metrics
	logger       *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "ragd")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	// Meter records tool metrics. Nil uses the global meter provider.
	Meter metric.Meter

	// Scrubber redacts secrets from tool output. Nil disables scrubbing.
	Scrubber secrets.Scrubber
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "ragd",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server acting as identity. The plan_update tool
// is registered only for admin identities.
func NewServer(cfg *Config, svc *rag.Service, identity tenant.Info) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if svc == nil {
		return nil, errors.New("rag service is required")
	}
	if err := tenant.ValidateID(identity.ID); err != nil {
		return nil, fmt.Errorf("invalid identity: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = "ragd"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	scrubber := cfg.Scrubber
	if scrubber == nil {
		scrubber = secrets.Noop{}
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		service:      svc,
		identity:     identity,
		scrubber:     scrubber,
		toolRegistry: NewToolRegistry(),
		metrics:      NewMetrics(cfg.Meter, cfg.Logger),
		logger:       cfg.Logger.With(zap.String("tenant_id", identity.ID)),
	}
	s.registerTools()
	return s, nil
}

// Tools returns the registry of exposed tools.
func (s *Server) Tools() *ToolRegistry { return s.toolRegistry }

// Run serves on stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport", zap.Int("tools", s.toolRegistry.Count()))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session on transport. Run is the stdio form.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}
