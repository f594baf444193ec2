package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/auth"
	"github.com/fyrsmithlabs/ragd/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// testConfig loads configuration the way the binary does, with HOME
// pointing at a temp dir so no user config is read.
func testConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("RAGD_SERVER_HOST", "127.0.0.1")
	t.Setenv("RAGD_SERVER_HTTP_PORT", fmt.Sprint(port))
	t.Setenv("RAGD_AUTH_MODE", "header")
	t.Setenv("RAGD_QUOTA_STORE", "memory")
	t.Setenv("RAGD_EMBEDDINGS_PROVIDER", "hash")
	t.Setenv("RAGD_EMBEDDINGS_DIMENSION", "32")
	t.Setenv("RAGD_SECRETS_ENABLED", "false")
	t.Setenv("RAGD_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	port := freePort(t)
	cfg := testConfig(t, port)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, base+"/api/v1/documents",
		bytes.NewBufferString(`{"title":"notes","text":"ragd listens on port 9090 by default."}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderSubject, "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func jwtVerifier(t *testing.T) *auth.Verifier {
	t.Helper()
	v, err := auth.NewVerifier(auth.Config{Mode: auth.ModeJWT, HS256Secret: testSecret})
	require.NoError(t, err)
	return v
}

func TestIssueToken(t *testing.T) {
	v := jwtVerifier(t)

	token, err := issueToken(v, auth.DefaultAdminScope, &tokenOptions{subject: "ops", admin: true, ttl: time.Minute})
	require.NoError(t, err)
	info, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", info.ID)
	assert.True(t, info.Admin)

	token, err = issueToken(v, auth.DefaultAdminScope, &tokenOptions{subject: "alice", ttl: time.Minute})
	require.NoError(t, err)
	info, err = v.Verify(token)
	require.NoError(t, err)
	assert.False(t, info.Admin)

	_, err = issueToken(v, auth.DefaultAdminScope, &tokenOptions{ttl: time.Minute})
	assert.ErrorContains(t, err, "--subject")

	header, err := auth.NewVerifier(auth.Config{Mode: auth.ModeHeader})
	require.NoError(t, err)
	_, err = issueToken(header, auth.DefaultAdminScope, &tokenOptions{subject: "alice"})
	assert.ErrorContains(t, err, "jwt mode")
}

func TestResolveIdentity(t *testing.T) {
	v := jwtVerifier(t)

	token, err := issueToken(v, auth.DefaultAdminScope, &tokenOptions{subject: "alice", ttl: time.Minute})
	require.NoError(t, err)
	info, err := resolveIdentity(v, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.ID)

	_, err = resolveIdentity(v, "")
	assert.ErrorIs(t, err, errNoIdentity)

	_, err = resolveIdentity(v, "not-a-token")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	local, err := auth.NewVerifier(auth.Config{Mode: auth.ModeLocal})
	require.NoError(t, err)
	_, err = resolveIdentity(local, "")
	assert.NotErrorIs(t, err, errNoIdentity)
}

func TestRootCmd(t *testing.T) {
	cmd := newRootCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "mcp", "token", "version"})

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "ragd by Fyrsmith Labs"))
	assert.Contains(t, out.String(), "Version:    dev")
}
