package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/generation"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/query"
	"github.com/fyrsmithlabs/ragd/internal/quota"
	"github.com/fyrsmithlabs/ragd/internal/rag"
	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/secrets"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

func newService(t *testing.T) *rag.Service {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ledger, err := quota.NewLedger(quota.NewMemoryStore(), nil, quota.LedgerConfig{}, logger)
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

// connect starts srv on an in-memory transport and returns a client session.
func connect(t *testing.T, srv *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, serverTransport)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func call[T any](t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (T, *mcp.CallToolResult) {
	t.Helper()
	var out T
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if res.IsError {
		return out, res
	}
	b, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &out))
	return out, res
}

func errorText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.True(t, res.IsError)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNewServer(t *testing.T) {
	svc := newService(t)

	t.Run("requires service", func(t *testing.T) {
		_, err := NewServer(nil, nil, tenant.Info{ID: "alice"})
		assert.ErrorContains(t, err, "rag service is required")
	})

	t.Run("requires identity", func(t *testing.T) {
		_, err := NewServer(nil, svc, tenant.Info{})
		assert.ErrorContains(t, err, "invalid identity")
	})

	t.Run("admin tools only for admins", func(t *testing.T) {
		srv, err := NewServer(nil, svc, tenant.Info{ID: "alice"})
		require.NoError(t, err)
		_, ok := srv.Tools().Get("plan_update")
		assert.False(t, ok)

		admin, err := NewServer(nil, svc, tenant.Info{ID: "ops", Admin: true})
		require.NoError(t, err)
		_, ok = admin.Tools().Get("plan_update")
		assert.True(t, ok)
		assert.Equal(t, srv.Tools().Count()+1, admin.Tools().Count())
	})
}

func TestTools_ListedByServer(t *testing.T) {
	srv, err := NewServer(nil, newService(t), tenant.Info{ID: "alice"})
	require.NoError(t, err)
	cs := connect(t, srv)

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"document_add", "document_list", "document_delete",
		"rag_query", "quota_status", "tenant_stats", "tool_search",
	}, names)
}

func TestTools_DocumentLifecycle(t *testing.T) {
	srv, err := NewServer(nil, newService(t), tenant.Info{ID: "alice"})
	require.NoError(t, err)
	cs := connect(t, srv)

	added, _ := call[documentAddOutput](t, cs, "document_add", map[string]any{
		"title": "Runbook",
		"text":  "Restart the ingest worker with systemctl restart ingest.",
	})
	require.NotEmpty(t, added.DocumentID)
	assert.Positive(t, added.ChunksCreated)

	list, _ := call[documentListOutput](t, cs, "document_list", map[string]any{})
	require.Len(t, list.Documents, 1)
	assert.Equal(t, added.DocumentID, list.Documents[0].DocumentID)
	assert.NotEmpty(t, list.Documents[0].CreatedAt)

	answer, _ := call[queryOutput](t, cs, "rag_query", map[string]any{"question": "How do I restart the ingest worker?"})
	require.NotEmpty(t, answer.Sources)
	assert.Equal(t, added.DocumentID, answer.Sources[0].DocumentID)

	quotaOut, _ := call[quotaOutput](t, cs, "quota_status", map[string]any{})
	assert.Equal(t, "free", quotaOut.Plan)
	assert.Equal(t, int64(1), quotaOut.Dimensions[string(quota.DimDocuments)].Current)
	assert.Equal(t, int64(1), quotaOut.Dimensions[string(quota.DimQueries)].Current)

	deleted, _ := call[documentDeleteOutput](t, cs, "document_delete", map[string]any{"document_id": added.DocumentID})
	assert.Equal(t, added.DocumentID, deleted.DocumentID)

	_, res := call[documentDeleteOutput](t, cs, "document_delete", map[string]any{"document_id": added.DocumentID})
	assert.Contains(t, errorText(t, res), string(ragerr.KindNotFound))

	stats, _ := call[statsOutput](t, cs, "tenant_stats", map[string]any{})
	assert.Zero(t, stats.Documents)
}

func TestTools_TenantFixedByServer(t *testing.T) {
	svc := newService(t)
	alice, err := NewServer(nil, svc, tenant.Info{ID: "alice"})
	require.NoError(t, err)
	bob, err := NewServer(nil, svc, tenant.Info{ID: "bob"})
	require.NoError(t, err)

	added, _ := call[documentAddOutput](t, connect(t, alice), "document_add", map[string]any{"title": "a", "text": "alice only"})
	require.NotEmpty(t, added.DocumentID)

	bobSession := connect(t, bob)
	list, _ := call[documentListOutput](t, bobSession, "document_list", map[string]any{})
	assert.Zero(t, list.Total)
	_, res := call[documentDeleteOutput](t, bobSession, "document_delete", map[string]any{"document_id": added.DocumentID})
	assert.True(t, res.IsError)
}

func TestTools_Errors(t *testing.T) {
	srv, err := NewServer(nil, newService(t), tenant.Info{ID: "alice"})
	require.NoError(t, err)
	cs := connect(t, srv)

	_, res := call[documentAddOutput](t, cs, "document_add", map[string]any{"title": "empty", "text": ""})
	assert.Contains(t, errorText(t, res), "validation")

	_, res = call[queryOutput](t, cs, "rag_query", map[string]any{"question": "   "})
	assert.Contains(t, errorText(t, res), "validation")

	_, res = call[toolSearchOutput](t, cs, "tool_search", map[string]any{"query": ""})
	assert.Contains(t, errorText(t, res), "query is required")
}

func TestTools_PlanUpdate(t *testing.T) {
	svc := newService(t)
	admin, err := NewServer(nil, svc, tenant.Info{ID: "ops", Admin: true})
	require.NoError(t, err)
	cs := connect(t, admin)

	out, _ := call[quotaOutput](t, cs, "plan_update", map[string]any{"tenant_id": "alice", "plan": "premium"})
	assert.Equal(t, "premium", out.Plan)

	st, err := svc.QuotaStatus(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, quota.PlanPremium, st.Plan)

	_, res := call[quotaOutput](t, cs, "plan_update", map[string]any{"plan": "platinum"})
	assert.Contains(t, errorText(t, res), "validation")
}

type redactAll struct{}

func (redactAll) Scrub(content string) *secrets.Result {
	return &secrets.Result{Scrubbed: "[REDACTED]"}
}

func (redactAll) Enabled() bool { return true }

func TestTools_ScrubsOutput(t *testing.T) {
	srv, err := NewServer(&Config{Scrubber: redactAll{}}, newService(t), tenant.Info{ID: "alice"})
	require.NoError(t, err)
	cs := connect(t, srv)

	call[documentAddOutput](t, cs, "document_add", map[string]any{"title": "keys", "text": "the deploy key lives in vault"})
	answer, _ := call[queryOutput](t, cs, "rag_query", map[string]any{"question": "where is the deploy key?"})
	assert.Equal(t, "[REDACTED]", answer.Answer)
	for _, src := range answer.Sources {
		assert.Equal(t, "[REDACTED]", src.Snippet)
	}
}

func TestTools_Search(t *testing.T) {
	srv, err := NewServer(nil, newService(t), tenant.Info{ID: "alice"})
	require.NoError(t, err)
	cs := connect(t, srv)

	out, _ := call[toolSearchOutput](t, cs, "tool_search", map[string]any{"query": "document", "limit": 2})
	assert.Len(t, out.Tools, 2)
	assert.Equal(t, srv.Tools().Count(), out.Total)

	out, _ = call[toolSearchOutput](t, cs, "tool_search", map[string]any{"query": "usage", "category": "quota"})
	require.NotEmpty(t, out.Tools)
	for _, tool := range out.Tools {
		assert.Equal(t, CategoryQuota, tool.Category)
	}
}
