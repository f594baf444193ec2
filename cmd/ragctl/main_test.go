package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/ragd/internal/auth"
	"github.com/fyrsmithlabs/ragd/internal/config"
	httpserver "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/services"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	url      string
	verifier *auth.Verifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg, err := services.Build(context.Background(), &config.Config{
		Quota:       config.QuotaConfig{Store: "memory", DefaultPlan: "free"},
		VectorStore: config.VectorStoreConfig{Backend: "chromem"},
		Embeddings:  config.EmbeddingsConfig{Provider: "hash", Dimension: 32},
		Generation:  config.GenerationConfig{Providers: []config.GeneratorConfig{{Provider: "static"}}},
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	verifier, err := auth.NewVerifier(auth.Config{Mode: auth.ModeJWT, HS256Secret: testSecret})
	require.NoError(t, err)
	srv, err := httpserver.NewServer(reg.Service(), verifier, logger, &httpserver.Config{})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{url: ts.URL, verifier: verifier}
}

func (e *testEnv) token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	tok, err := e.verifier.IssueToken(auth.TokenOptions{Subject: subject, Scopes: scopes})
	require.NoError(t, err)
	return tok
}

// run executes ragctl with args and returns stdout.
func (e *testEnv) run(t *testing.T, token, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--server", e.url, "--token", token}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "", "", "health")
	require.NoError(t, err)
	assert.Equal(t, "Server Status: ok\n", out)
}

func TestDocumentCommands(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "alice")

	path := filepath.Join(t.TempDir(), "runbook.md")
	require.NoError(t, os.WriteFile(path, []byte("Page the on-call engineer when the ingest queue backs up."), 0o600))

	out, err := env.run(t, tok, "", "add", path, "--json")
	require.NoError(t, err)
	var added ingest.Result
	require.NoError(t, json.Unmarshal([]byte(out), &added))
	require.NotEmpty(t, added.DocumentID)

	out, err = env.run(t, tok, "Deploys happen on Tuesdays.", "add", "-", "--title", "deploys")
	require.NoError(t, err)
	assert.Contains(t, out, "Added ")

	out, err = env.run(t, tok, "", "list", "--sort-by", "title", "--order", "asc")
	require.NoError(t, err)
	assert.Contains(t, out, "runbook.md")
	assert.Contains(t, out, "deploys")
	assert.Contains(t, out, "Showing 2 of 2")

	out, err = env.run(t, tok, "", "query", "who", "gets", "paged?")
	require.NoError(t, err)
	assert.Contains(t, out, "Sources:")
	assert.Contains(t, out, added.DocumentID)

	out, err = env.run(t, tok, "", "quota")
	require.NoError(t, err)
	assert.Contains(t, out, "Plan: free")
	assert.Contains(t, out, "2 / 20")

	out, err = env.run(t, tok, "", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Documents:  2")

	out, err = env.run(t, tok, "", "delete", added.DocumentID)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted "+added.DocumentID)

	_, err = env.run(t, tok, "", "delete", added.DocumentID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), httpserver.CodeNotFound)
}

func TestAddValidation(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "alice")

	_, err := env.run(t, tok, "", "add", "-", "--title", "empty")
	assert.ErrorContains(t, err, "no content")

	_, err = env.run(t, tok, "some text", "add")
	assert.ErrorContains(t, err, "--title is required")

	_, err = env.run(t, tok, "", "add", filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorContains(t, err, "failed to read file")
}

func TestPlanCommand(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, env.token(t, "alice"), "", "plan", "premium")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	out, err := env.run(t, env.token(t, "ops", auth.DefaultAdminScope), "", "plan", "premium", "--tenant", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "Tenant: alice  Plan: premium")
}

func TestUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "", "", "quota")
	require.Error(t, err)
	assert.Contains(t, err.Error(), httpserver.CodeAuthentication)
}

func TestMonitorRejectsShortInterval(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "", "", "monitor", "--interval", "10ms")
	assert.ErrorContains(t, err, "--interval")
}
