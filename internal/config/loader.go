package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/ragd/internal/quota"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "RAGD_"
)

// booleanDefaults seeds settings whose default is true, which
// applyDefaults cannot tell apart from an explicit false.
const booleanDefaults = `
secrets:
  enabled: true
vectorstore:
  chromem:
    compress: true
observability:
  enable_metrics: true
`

// subsections are the nested config paths an environment variable can
// address. Longer paths come first so they win over their parents.
var subsections = []string{
	"vectorstore.chromem",
	"vectorstore.qdrant",
	"embeddings.cache",
	"quota.dynamodb",
	"ingest.chunk",
	"events.nats",
}

// DefaultPath returns ~/.config/ragd/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "ragd", "config.yaml"), nil
}

// Load loads the default config file, if any, and environment overrides.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile loads configuration from a YAML file, then overrides it with
// RAGD_* environment variables.
//
// Precedence, highest first: environment, file, defaults. An empty
// configPath means DefaultPath. A missing file is not an error.
//
// The file must live under ~/.config/ragd/ or /etc/ragd/, be readable only
// by its owner (0600 or 0400) and be at most 1MB.
//
// Environment variables map onto keys by dropping the prefix and splitting
// off the section:
//
//	RAGD_SERVER_HTTP_PORT          -> server.http_port
//	RAGD_VECTORSTORE_QDRANT_HOST   -> vectorstore.qdrant.host
//	RAGD_EMBEDDINGS_CACHE_ADDRESS  -> embeddings.cache.address
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(booleanDefaults)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath == "" {
		var err error
		if configPath, err = DefaultPath(); err != nil {
			return nil, err
		}
	}
	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// readConfigFile returns nil content when the file does not exist. The file
// is checked through the open descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}
	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large (max %d bytes)", maxConfigFileSize)
	}
	return content, nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, sub := range subsections {
		prefix := strings.ReplaceAll(sub, ".", "_") + "_"
		if strings.HasPrefix(key, prefix) {
			return sub + "." + strings.TrimPrefix(key, prefix)
		}
	}
	section, field, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + field
}

// EnsureConfigDir creates ~/.config/ragd with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".config", "ragd")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

// validateConfigPath checks the path is in an allowed directory, following
// symlinks when the file exists.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	for _, dir := range []string{filepath.Join(home, ".config", "ragd"), "/etc/ragd"} {
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/ragd/ or /etc/ragd/")
}

func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0o600 && perm != 0o400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields and
// expands ~ in paths.
func applyDefaults(cfg *Config) error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = Duration(30 * time.Second)
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = Duration(2 * time.Minute)
	}
	if cfg.Server.BodyLimit == "" {
		cfg.Server.BodyLimit = "2M"
	}

	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "jwt"
	}
	if cfg.Auth.AdminScope == "" {
		cfg.Auth.AdminScope = "ragd:admin"
	}

	if cfg.Quota.Store == "" {
		cfg.Quota.Store = "sqlite"
	}
	if cfg.Quota.SQLitePath == "" {
		cfg.Quota.SQLitePath = "~/.config/ragd/ledger.db"
	}
	if cfg.Quota.DefaultPlan == "" {
		cfg.Quota.DefaultPlan = string(quota.PlanFree)
	}
	if cfg.Quota.HoldTTL == 0 {
		cfg.Quota.HoldTTL = Duration(10 * time.Minute)
	}
	if cfg.Quota.ResetInterval == 0 {
		cfg.Quota.ResetInterval = Duration(time.Hour)
	}

	if cfg.VectorStore.Backend == "" {
		cfg.VectorStore.Backend = "chromem"
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "~/.config/ragd/vectorstore"
	}
	if cfg.VectorStore.CatalogPath == "" {
		cfg.VectorStore.CatalogPath = "~/.config/ragd/catalog.db"
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.Provider == "hash" && cfg.Embeddings.Dimension == 0 {
		cfg.Embeddings.Dimension = 384
	}
	if cfg.Embeddings.Cache.TTL == 0 {
		cfg.Embeddings.Cache.TTL = Duration(24 * time.Hour)
	}

	if len(cfg.Generation.Providers) == 0 {
		cfg.Generation.Providers = []GeneratorConfig{{Provider: "static"}}
	}

	if cfg.Events.NATS.Name == "" {
		cfg.Events.NATS.Name = "ragd"
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RequestsPerSecond == 0 {
			cfg.RateLimit.RequestsPerSecond = 10
		}
		if cfg.RateLimit.Burst == 0 {
			cfg.RateLimit.Burst = 20
		}
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "ragd"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}
	if cfg.Observability.ShutdownTimeout == 0 {
		cfg.Observability.ShutdownTimeout = Duration(5 * time.Second)
	}

	for _, p := range []*string{
		&cfg.Quota.SQLitePath,
		&cfg.Quota.PlansFile,
		&cfg.VectorStore.Chromem.Path,
		&cfg.VectorStore.CatalogPath,
		&cfg.Embeddings.CacheDir,
		&cfg.Secrets.AllowlistPath,
	} {
		expanded, err := ExpandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}
