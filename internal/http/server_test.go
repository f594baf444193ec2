package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/ragd/internal/auth"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/generation"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/query"
	"github.com/fyrsmithlabs/ragd/internal/quota"
	"github.com/fyrsmithlabs/ragd/internal/rag"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	server   *Server
	verifier *auth.Verifier
	plans    *quota.PlanTable
}

func newTestService(t *testing.T, plans *quota.PlanTable) *rag.Service {
	t.Helper()
	logger := zaptest.NewLogger(t)

	ledger, err := quota.NewLedger(quota.NewMemoryStore(), plans, quota.LedgerConfig{}, logger)
	require.NoError(t, err)
	backend, err := vectorstore.NewChromemBackend(vectorstore.ChromemConfig{}, logger)
	require.NoError(t, err)
	store := vectorstore.NewTenantStore(backend, vectorstore.NewMemoryCatalog(), vectorstore.TenantStoreConfig{}, logger)
	t.Cleanup(func() { _ = store.Close() })
	embedder := embeddings.NewHashProvider(32)

	ip, err := ingest.New(ingest.Config{}, ledger, store, embedder, logger)
	require.NoError(t, err)
	qp, err := query.New(query.Config{}, ledger, store, embedder, generation.NewStatic(), logger)
	require.NoError(t, err)
	svc, err := rag.New(rag.Options{Ledger: ledger, Store: store, Ingest: ip, Query: qp}, logger)
	require.NoError(t, err)
	return svc
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	plans := quota.NewPlanTable()
	verifier, err := auth.NewVerifier(auth.Config{Mode: auth.ModeJWT, HS256Secret: testSecret})
	require.NoError(t, err)
	server, err := NewServer(newTestService(t, plans), verifier, zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	return &testEnv{server: server, verifier: verifier, plans: plans}
}

func (e *testEnv) token(t *testing.T, username string, scopes ...string) string {
	t.Helper()
	tok, err := e.verifier.IssueToken(auth.TokenOptions{Subject: "sub-" + username, Username: username, Scopes: scopes})
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	verifier, err := auth.NewVerifier(auth.Config{Mode: auth.ModeLocal})
	require.NoError(t, err)
	svc := newTestService(t, nil)

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(svc, verifier, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9090, server.config.Port)
		assert.Nil(t, server.limiter)
	})

	t.Run("rejects missing collaborators", func(t *testing.T) {
		_, err := NewServer(nil, verifier, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "service cannot be nil")
		_, err = NewServer(svc, nil, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "verifier cannot be nil")
		_, err = NewServer(svc, verifier, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_Unauthenticated(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, token := range []string{"", "not-a-jwt"} {
		rec := env.do(t, http.MethodGet, "/api/v1/documents", token, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		resp := decode[ErrorResponse](t, rec)
		assert.Equal(t, CodeAuthentication, resp.Code)
		assert.False(t, resp.Retryable)
	}
}

func TestAPI_DocumentLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.token(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/v1/documents", alice, AddDocumentRequest{
		Title: "Runbook",
		Text:  "Restart the ingest worker with systemctl restart ingest.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	added := decode[ingest.Result](t, rec)
	require.NotEmpty(t, added.DocumentID)
	assert.Positive(t, added.ChunksCreated)

	rec = env.do(t, http.MethodGet, "/api/v1/documents?limit=10&sort_by=title&sort_order=asc", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[vectorstore.Page](t, rec)
	require.Len(t, page.Items, 1)
	assert.Equal(t, added.DocumentID, page.Items[0].ID)
	assert.Equal(t, 10, page.Limit)

	rec = env.do(t, http.MethodPost, "/api/v1/query", alice, QueryRequest{
		Question:    "How do I restart the ingest worker?",
		Preferences: query.Preferences{MaxResults: 3},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	answer := decode[query.Result](t, rec)
	require.NotEmpty(t, answer.Sources)
	assert.Equal(t, added.DocumentID, answer.Sources[0].DocumentID)

	rec = env.do(t, http.MethodGet, "/api/v1/stats", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[rag.Stats](t, rec)
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, quota.PlanFree, stats.Plan)

	rec = env.do(t, http.MethodDelete, "/api/v1/documents/"+added.DocumentID, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	deleted := decode[rag.DeleteResult](t, rec)
	assert.Equal(t, added.ChunksCreated, deleted.VectorsRemoved)

	rec = env.do(t, http.MethodDelete, "/api/v1/documents/"+added.DocumentID, alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decode[ErrorResponse](t, rec).Code)

	rec = env.do(t, http.MethodGet, "/api/v1/quota", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[quota.Status](t, rec)
	assert.Zero(t, st.Dimensions[quota.DimDocuments].Current)
	assert.Equal(t, int64(1), st.Dimensions[quota.DimQueries].Current)
}

func TestAPI_TenantIsolation(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, bob := env.token(t, "alice"), env.token(t, "bob")

	rec := env.do(t, http.MethodPost, "/api/v1/documents", alice, AddDocumentRequest{Title: "Secret", Text: "alice's launch codes are in the vault"})
	require.Equal(t, http.StatusCreated, rec.Code)
	docID := decode[ingest.Result](t, rec).DocumentID

	rec = env.do(t, http.MethodGet, "/api/v1/documents", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[vectorstore.Page](t, rec).Total)

	rec = env.do(t, http.MethodDelete, "/api/v1/documents/"+docID, bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/query", bob, QueryRequest{Question: "where are the launch codes?"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[query.Result](t, rec).Sources)

	rec = env.do(t, http.MethodGet, "/api/v1/documents", alice, nil)
	assert.Equal(t, 1, decode[vectorstore.Page](t, rec).Total)
}

func TestAPI_QuotaExceeded(t *testing.T) {
	env := newTestEnv(t, nil)
	limits := quota.DefaultLimits()[quota.PlanFree]
	limits.Documents = 1
	require.NoError(t, env.plans.Apply(map[quota.Plan]quota.Limits{quota.PlanFree: limits}))
	alice := env.token(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/v1/documents", alice, AddDocumentRequest{Title: "one", Text: "first document"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/documents", alice, AddDocumentRequest{Title: "two", Text: "second document"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, CodeQuotaExceeded, resp.Code)
	assert.Equal(t, string(quota.DimDocuments), resp.Dimension)
	require.NotNil(t, resp.Quota)
	assert.Equal(t, int64(1), resp.Quota.Dimensions[quota.DimDocuments].Current)
	assert.Equal(t, int64(1), resp.Quota.Dimensions[quota.DimDocuments].Max)

	rec = env.do(t, http.MethodGet, "/api/v1/documents", alice, nil)
	assert.Equal(t, 1, decode[vectorstore.Page](t, rec).Total, "rejected upload left nothing behind")
}

func TestAPI_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.token(t, "alice")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"empty text", http.MethodPost, "/api/v1/documents", AddDocumentRequest{Title: "t"}},
		{"malformed body", http.MethodPost, "/api/v1/documents", `{"title": `},
		{"empty question", http.MethodPost, "/api/v1/query", QueryRequest{}},
		{"non-numeric limit", http.MethodGet, "/api/v1/documents?limit=ten", nil},
		{"limit too large", http.MethodGet, "/api/v1/documents?limit=1000", nil},
		{"unknown sort", http.MethodGet, "/api/v1/documents?sort_by=color", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, alice, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, CodeValidation, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestAPI_UpdatePlan(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.token(t, "alice")
	admin := env.token(t, "ops", auth.DefaultAdminScope)

	rec := env.do(t, http.MethodPut, "/api/v1/plan", alice, UpdatePlanRequest{Plan: "premium"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeForbidden, decode[ErrorResponse](t, rec).Code)

	rec = env.do(t, http.MethodPut, "/api/v1/plan", admin, UpdatePlanRequest{TenantID: "alice", Plan: "basic"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, quota.PlanBasic, decode[quota.Status](t, rec).Plan)

	rec = env.do(t, http.MethodGet, "/api/v1/quota", alice, nil)
	assert.Equal(t, quota.PlanBasic, decode[quota.Status](t, rec).Plan)

	rec = env.do(t, http.MethodPut, "/api/v1/plan", admin, UpdatePlanRequest{Plan: "gold"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RateLimit(t *testing.T) {
	env := newTestEnv(t, &Config{RateLimit: RateLimitConfig{Enabled: true, RequestsPerSecond: 0.5, Burst: 1}})
	alice, bob := env.token(t, "alice"), env.token(t, "bob")

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/quota", alice, nil).Code)
	rec := env.do(t, http.MethodGet, "/api/v1/quota", alice, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeRateLimited, decode[ErrorResponse](t, rec).Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/quota", bob, nil).Code, "buckets are per tenant")
}

func TestTenantLimiter_EvictsIdle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewTenantLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, IdleTimeout: time.Minute}, nil)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))
	assert.Len(t, l.buckets, 1)

	now = now.Add(2 * time.Minute)
	assert.True(t, l.Allow("bob"))
	assert.Len(t, l.buckets, 1, "alice's idle bucket was dropped")
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeRouteNotFound, decode[ErrorResponse](t, rec).Code)
}

func TestShutdownWithoutStart(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, env.server.Shutdown(ctx))
}
