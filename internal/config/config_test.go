package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/quota"
)

// withHome points the home directory at a temp dir and returns the ragd
// config directory inside it.
func withHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "ragd")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	return dir
}

func writeFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
}

func TestLoadWithFile_DefaultsAndEnv(t *testing.T) {
	dir := withHome(t)
	t.Setenv("RAGD_AUTH_HS256_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("RAGD_SERVER_HTTP_PORT", "8181")
	t.Setenv("RAGD_VECTORSTORE_QDRANT_HOST", "qdrant.internal")
	t.Setenv("RAGD_QUOTA_HOLD_TTL", "90s")

	cfg, err := LoadWithFile(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "qdrant.internal", cfg.VectorStore.Qdrant.Host)
	assert.Equal(t, 90*time.Second, cfg.Quota.HoldTTL.Duration())
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Auth.HS256Secret.Value())
	assert.Equal(t, "[REDACTED]", cfg.Auth.HS256Secret.String())

	assert.Equal(t, "jwt", cfg.Auth.Mode)
	assert.Equal(t, "chromem", cfg.VectorStore.Backend)
	assert.Equal(t, filepath.Join(dir, "vectorstore"), cfg.VectorStore.Chromem.Path)
	assert.Equal(t, filepath.Join(dir, "ledger.db"), cfg.Quota.SQLitePath)
	assert.True(t, cfg.Secrets.Enabled)
	assert.True(t, cfg.VectorStore.Chromem.Compress)
	assert.Equal(t, "free", cfg.Quota.DefaultPlan)
	require.Len(t, cfg.Generation.Providers, 1)
	assert.Equal(t, "static", cfg.Generation.Providers[0].Provider)
}

func TestLoadWithFile_YAML(t *testing.T) {
	dir := withHome(t)
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
server:
  http_port: 7000
auth:
  mode: header
quota:
  store: memory
  default_plan: basic
embeddings:
  provider: hash
  dimension: 64
  cache:
    enabled: true
    address: localhost:6379
generation:
  providers:
    - provider: openai
      model: gpt-4o-mini
      api_key: sk-test
    - provider: static
ingest:
  max_document_bytes: 2048
  chunk:
    size: 500
    overlap: 50
secrets:
  enabled: false
events:
  enabled: true
  nats:
    url: nats://localhost:4222
`, 0o600)
	t.Setenv("RAGD_SERVER_HTTP_PORT", "7001")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Server.Port, "env wins over file")
	assert.Equal(t, "header", cfg.Auth.Mode)
	assert.Equal(t, "basic", cfg.Quota.DefaultPlan)
	assert.Equal(t, 64, cfg.Embeddings.Dimension)
	assert.True(t, cfg.Embeddings.Cache.Enabled)
	require.Len(t, cfg.Generation.Providers, 2)
	assert.Equal(t, "sk-test", cfg.Generation.Providers[0].APIKey.Value())
	assert.Equal(t, 2048, cfg.Ingest.MaxDocumentBytes)
	assert.Equal(t, 500, cfg.Ingest.Chunk.Size)
	assert.False(t, cfg.Secrets.Enabled)
	assert.Equal(t, "nats://localhost:4222", cfg.Events.NATS.URL)
	assert.Equal(t, "ragd", cfg.Events.NATS.Name)
}

func TestLoadWithFile_FileChecks(t *testing.T) {
	dir := withHome(t)

	t.Run("world readable", func(t *testing.T) {
		path := filepath.Join(dir, "open.yaml")
		writeFile(t, path, "auth:\n  mode: local\n", 0o644)
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permissions")
	})

	t.Run("too large", func(t *testing.T) {
		path := filepath.Join(dir, "big.yaml")
		big := make([]byte, maxConfigFileSize+1)
		for i := range big {
			big[i] = '#'
		}
		writeFile(t, path, string(big), 0o600)
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})

	t.Run("outside allowed dirs", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		writeFile(t, path, "auth:\n  mode: local\n", 0o600)
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "path validation")
	})

	t.Run("sibling prefix rejected", func(t *testing.T) {
		assert.Error(t, validateConfigPath(dir+"-evil/config.yaml"))
	})
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"RAGD_SERVER_HTTP_PORT":              "server.http_port",
		"RAGD_VECTORSTORE_QDRANT_USE_TLS":    "vectorstore.qdrant.use_tls",
		"RAGD_VECTORSTORE_CATALOG_PATH":      "vectorstore.catalog_path",
		"RAGD_EMBEDDINGS_CACHE_ADDRESS":      "embeddings.cache.address",
		"RAGD_QUOTA_DYNAMODB_TABLE":          "quota.dynamodb.table",
		"RAGD_RATELIMIT_REQUESTS_PER_SECOND": "ratelimit.requests_per_second",
		"RAGD_INGEST_CHUNK_SIZE":             "ingest.chunk.size",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	withHome(t)
	cfg := &Config{Auth: AuthConfig{Mode: "local"}}
	require.NoError(t, applyDefaults(cfg))
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"jwt without key", func(c *Config) { c.Auth.Mode = "jwt" }, "hs256_secret"},
		{"unknown auth mode", func(c *Config) { c.Auth.Mode = "basic" }, "auth.mode"},
		{"unknown store", func(c *Config) { c.Quota.Store = "redis" }, "quota.store"},
		{"dynamodb without table", func(c *Config) { c.Quota.Store = "dynamodb" }, "quota.dynamodb.table"},
		{"bad plan", func(c *Config) { c.Quota.DefaultPlan = "gold" }, "default_plan"},
		{"bad backend", func(c *Config) { c.VectorStore.Backend = "pinecone" }, "vectorstore.backend"},
		{"hash without dimension", func(c *Config) { c.Embeddings.Provider = "hash"; c.Embeddings.Dimension = 0 }, "embeddings.dimension"},
		{"cache without address", func(c *Config) { c.Embeddings.Cache.Enabled = true }, "cache.address"},
		{"unknown generator", func(c *Config) { c.Generation.Providers = []GeneratorConfig{{Provider: "bard"}} }, "generation.providers[0]"},
		{"anthropic base url", func(c *Config) {
			c.Generation.Providers = []GeneratorConfig{{Provider: "anthropic", BaseURL: "http://localhost:8080"}}
		}, "anthropic does not support base_url"},
		{"no generators", func(c *Config) { c.Generation.Providers = nil }, "at least one"},
		{"events without url", func(c *Config) { c.Events.Enabled = true }, "events.nats.url"},
		{"relevance out of range", func(c *Config) { c.Query.MinRelevance = 1.5 }, "min_relevance"},
		{"rate limit zero", func(c *Config) { c.RateLimit.Enabled = true }, "ratelimit"},
		{"bad log format", func(c *Config) { c.Observability.LogFormat = "xml" }, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSecret(t *testing.T) {
	var s Secret
	require.NoError(t, s.UnmarshalText([]byte("hunter2")))
	assert.Equal(t, "hunter2", s.Value())
	assert.Equal(t, "[REDACTED]", s.String())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"[REDACTED]"`, string(b))

	assert.Error(t, s.UnmarshalJSON([]byte(`"[REDACTED]"`)))
	assert.Error(t, s.UnmarshalText([]byte("[REDACTED]")))
	assert.Equal(t, "hunter2", s.Value(), "rejected values leave the secret unchanged")

	var empty Secret
	assert.Empty(t, empty.String())
	assert.False(t, empty.IsSet())
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestExpandPath(t *testing.T) {
	dir := withHome(t)
	home := filepath.Dir(filepath.Dir(dir))

	got, err := ExpandPath("~/data/x.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data", "x.db"), got)

	got, err = ExpandPath("/var/lib/ragd")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/ragd", got)

	got, err = ExpandPath("~user/x")
	require.NoError(t, err)
	assert.Equal(t, "~user/x", got)
}

func TestDefaultPlanParses(t *testing.T) {
	cfg := validConfig(t)
	p, err := quota.ParsePlan(cfg.Quota.DefaultPlan)
	require.NoError(t, err)
	assert.Equal(t, quota.PlanFree, p)
}
