// Package config loads ragd configuration from a YAML file and RAGD_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/quota"
	"github.com/fyrsmithlabs/ragd/internal/secrets"
)

// Config holds the complete ragd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Auth          AuthConfig          `koanf:"auth"`
	Quota         QuotaConfig         `koanf:"quota"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Generation    GenerationConfig    `koanf:"generation"`
	Ingest        ingest.Config       `koanf:"ingest"`
	Query         QueryConfig         `koanf:"query"`
	Secrets       secrets.Config      `koanf:"secrets"`
	Events        EventsConfig        `koanf:"events"`
	RateLimit     RateLimitConfig     `koanf:"ratelimit"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	ReadTimeout     Duration `koanf:"read_timeout"`
	WriteTimeout    Duration `koanf:"write_timeout"`
	// BodyLimit uses echo's size syntax, e.g. "2M".
	BodyLimit   string   `koanf:"body_limit"`
	CORSOrigins []string `koanf:"cors_origins"`
}

// AuthConfig selects how requests are authenticated.
type AuthConfig struct {
	// Mode is "jwt", "header" or "local".
	Mode           string   `koanf:"mode"`
	HS256Secret    Secret   `koanf:"hs256_secret"`
	RS256PublicKey string   `koanf:"rs256_public_key"`
	Issuer         string   `koanf:"issuer"`
	Audience       string   `koanf:"audience"`
	AdminScope     string   `koanf:"admin_scope"`
	Leeway         Duration `koanf:"leeway"`
}

// QuotaConfig configures the ledger.
type QuotaConfig struct {
	// Store is "memory", "sqlite" or "dynamodb".
	Store         string         `koanf:"store"`
	SQLitePath    string         `koanf:"sqlite_path"`
	DynamoDB      DynamoDBConfig `koanf:"dynamodb"`
	DefaultPlan   string         `koanf:"default_plan"`
	HoldTTL       Duration       `koanf:"hold_ttl"`
	ResetInterval Duration       `koanf:"reset_interval"`
	// PlansFile overrides plan limits and is reloaded when it changes.
	PlansFile string `koanf:"plans_file"`
}

// DynamoDBConfig locates the ledger table.
type DynamoDBConfig struct {
	Table    string `koanf:"table"`
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
}

// VectorStoreConfig selects the vector backend and document catalog.
type VectorStoreConfig struct {
	// Backend is "chromem" or "qdrant".
	Backend string        `koanf:"backend"`
	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
	// CatalogPath is the SQLite catalog. Empty keeps the catalog in memory.
	CatalogPath   string   `koanf:"catalog_path"`
	Timeout       Duration `koanf:"timeout"`
	SweepInterval Duration `koanf:"sweep_interval"`
	SweepGrace    Duration `koanf:"sweep_grace"`
}

// ChromemConfig configures the embedded backend.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	APIKey         Secret `koanf:"api_key"`
	UseTLS         bool   `koanf:"use_tls"`
	MaxMessageSize int    `koanf:"max_message_size"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is "openai", "tei", "fastembed" or "hash".
	Provider      string      `koanf:"provider"`
	Model         string      `koanf:"model"`
	BaseURL       string      `koanf:"base_url"`
	APIKey        Secret      `koanf:"api_key"`
	Dimension     int         `koanf:"dimension"`
	CacheDir      string      `koanf:"cache_dir"`
	Timeout       Duration    `koanf:"timeout"`
	RatePerSecond float64     `koanf:"rate_per_second"`
	Burst         int         `koanf:"burst"`
	Cache         CacheConfig `koanf:"cache"`
}

// CacheConfig configures the Redis embedding cache.
type CacheConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Address  string   `koanf:"address"`
	Password Secret   `koanf:"password"`
	Database int      `koanf:"database"`
	TTL      Duration `koanf:"ttl"`
}

// GenerationConfig lists generators in fallback order.
type GenerationConfig struct {
	Providers []GeneratorConfig `koanf:"providers"`
}

// GeneratorConfig configures one generator of the fallback chain.
type GeneratorConfig struct {
	// Provider is "openai", "anthropic" or "static".
	Provider      string   `koanf:"provider"`
	Model         string   `koanf:"model"`
	BaseURL       string   `koanf:"base_url"`
	APIKey        Secret   `koanf:"api_key"`
	MaxTokens     int      `koanf:"max_tokens"`
	Timeout       Duration `koanf:"timeout"`
	RatePerSecond float64  `koanf:"rate_per_second"`
	Burst         int      `koanf:"burst"`
}

// QueryConfig configures the query pipeline.
type QueryConfig struct {
	MaxQuestionRunes int      `koanf:"max_question_runes"`
	TopK             int      `koanf:"top_k"`
	MinRelevance     float64  `koanf:"min_relevance"`
	Persona          string   `koanf:"persona"`
	Timeout          Duration `koanf:"timeout"`
	// Rerank reorders retrieved chunks by term overlap with the question.
	Rerank           bool    `koanf:"rerank"`
	RerankCandidates int     `koanf:"rerank_candidates"`
	RerankWeight     float64 `koanf:"rerank_weight"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	Enabled bool              `koanf:"enabled"`
	NATS    events.NATSConfig `koanf:"nats"`
}

// RateLimitConfig configures the per-tenant HTTP limiter.
type RateLimitConfig struct {
	Enabled           bool    `koanf:"enabled"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// ObservabilityConfig holds logging and OpenTelemetry settings.
type ObservabilityConfig struct {
	ServiceName string `koanf:"service_name"`
	LogLevel    string `koanf:"log_level"`
	// LogFormat is "json" or "console".
	LogFormat       string   `koanf:"log_format"`
	EnableTelemetry bool     `koanf:"enable_telemetry"`
	OTLPEndpoint    string   `koanf:"otlp_endpoint"`
	OTLPProtocol    string   `koanf:"otlp_protocol"`
	OTLPInsecure    bool     `koanf:"otlp_insecure"`
	SampleRate      float64  `koanf:"sample_rate"`
	EnableMetrics   bool     `koanf:"enable_metrics"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout must be positive")
	}

	switch c.Auth.Mode {
	case "jwt":
		if !c.Auth.HS256Secret.IsSet() && c.Auth.RS256PublicKey == "" {
			add("auth.mode jwt requires auth.hs256_secret or auth.rs256_public_key")
		}
	case "header", "local":
	default:
		add("auth.mode must be jwt, header or local, got %q", c.Auth.Mode)
	}

	switch c.Quota.Store {
	case "memory":
	case "sqlite":
		if c.Quota.SQLitePath == "" {
			add("quota.sqlite_path is required for the sqlite store")
		}
	case "dynamodb":
		if c.Quota.DynamoDB.Table == "" {
			add("quota.dynamodb.table is required for the dynamodb store")
		}
	default:
		add("quota.store must be memory, sqlite or dynamodb, got %q", c.Quota.Store)
	}
	if _, err := quota.ParsePlan(c.Quota.DefaultPlan); err != nil {
		add("quota.default_plan: %v", err)
	}
	if c.Quota.HoldTTL <= 0 {
		add("quota.hold_ttl must be positive")
	}

	switch c.VectorStore.Backend {
	case "chromem":
	case "qdrant":
		if c.VectorStore.Qdrant.Port < 1 || c.VectorStore.Qdrant.Port > 65535 {
			add("invalid qdrant port: %d", c.VectorStore.Qdrant.Port)
		}
	default:
		add("vectorstore.backend must be chromem or qdrant, got %q", c.VectorStore.Backend)
	}

	switch c.Embeddings.Provider {
	case "openai", "tei", "fastembed":
	case "hash":
		if c.Embeddings.Dimension <= 0 {
			add("embeddings.dimension is required for the hash provider")
		}
	default:
		add("unknown embeddings.provider %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Cache.Enabled && c.Embeddings.Cache.Address == "" {
		add("embeddings.cache.address is required when the cache is enabled")
	}

	if len(c.Generation.Providers) == 0 {
		add("generation.providers must list at least one generator")
	}
	for i, g := range c.Generation.Providers {
		switch g.Provider {
		case "openai", "static":
		case "anthropic":
			if g.BaseURL != "" {
				add("generation.providers[%d]: anthropic does not support base_url", i)
			}
		default:
			add("generation.providers[%d]: unknown provider %q", i, g.Provider)
		}
	}

	if c.Query.MinRelevance < 0 || c.Query.MinRelevance > 1 {
		add("query.min_relevance must be between 0 and 1")
	}
	if c.Query.RerankWeight < 0 || c.Query.RerankWeight > 1 {
		add("query.rerank_weight must be between 0 and 1")
	}
	if c.Events.Enabled && c.Events.NATS.URL == "" {
		add("events.nats.url is required when events are enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		add("ratelimit.requests_per_second and ratelimit.burst must be positive")
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		add("observability.log_format must be json or console, got %q", c.Observability.LogFormat)
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		add("service name required when telemetry is enabled")
	}
	return errors.Join(errs...)
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}
