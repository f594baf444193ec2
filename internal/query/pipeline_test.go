package query

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/generation"
	"github.com/fyrsmithlabs/ragd/internal/quota"
	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

const dim = 64

type stubGenerator struct {
	answer generation.Answer
	err    error
	prompt generation.Prompt
	calls  int
}

func (g *stubGenerator) Name() string { return "stub" }

func (g *stubGenerator) Generate(_ context.Context, p generation.Prompt) (generation.Answer, error) {
	g.calls++
	g.prompt = p
	return g.answer, g.err
}

type stubRetriever struct {
	hits  []vectorstore.ScoredChunk
	err   error
	k     int
	calls int
}

func (r *stubRetriever) Query(_ context.Context, _ string, _ []float32, k int) ([]vectorstore.ScoredChunk, error) {
	r.calls++
	r.k = k
	return r.hits, r.err
}

type failingEmbedder struct {
	embeddings.Provider
}

func (failingEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedder down")
}

type blockingEmbedder struct {
	embeddings.Provider
}

func (blockingEmbedder) EmbedQuery(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type blockingGenerator struct{}

func (blockingGenerator) Name() string { return "blocking" }

func (blockingGenerator) Generate(ctx context.Context, _ generation.Prompt) (generation.Answer, error) {
	<-ctx.Done()
	return generation.Answer{}, ctx.Err()
}

func hit(id, doc string, score float32, content string) vectorstore.ScoredChunk {
	return vectorstore.ScoredChunk{
		Chunk: vectorstore.Chunk{ID: id, DocumentID: doc, TenantID: "alice", Title: "T-" + doc, Content: content},
		Score: score,
	}
}

func newLedger(t *testing.T) *quota.Ledger {
	t.Helper()
	l, err := quota.NewLedger(quota.NewMemoryStore(), nil, quota.LedgerConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return l
}

func queryUsage(t *testing.T, l *quota.Ledger, tenantID string) quota.DimensionStatus {
	t.Helper()
	st, err := l.Status(context.Background(), tenantID)
	require.NoError(t, err)
	return st.Dimensions[quota.DimQueries]
}

func TestQuery(t *testing.T) {
	ledger := newLedger(t)
	ret := &stubRetriever{hits: []vectorstore.ScoredChunk{
		hit("c1", "d1", 0.9, "Returns are accepted within 30 days."),
		hit("c2", "d2", 0.6, "Shipping takes five days."),
	}}
	gen := &stubGenerator{answer: generation.Answer{Text: "30 days.", Model: "stub"}}
	p, err := New(Config{}, ledger, ret, embeddings.NewHashProvider(dim), gen, zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := p.Query(context.Background(), "alice", "  What is the return policy? ", Preferences{})
	require.NoError(t, err)

	assert.Equal(t, "30 days.", res.Answer)
	assert.Equal(t, DefaultTopK, ret.k)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, Source{ChunkID: "c1", DocumentID: "d1", Title: "T-d1", Snippet: "Returns are accepted within 30 days.", Score: 0.9}, res.Sources[0])
	assert.InDelta(t, 2.0/3.0, res.Confidence, 1e-9)
	assert.False(t, res.GeneratedAt.IsZero())

	assert.Equal(t, "What is the return policy?", gen.prompt.Question)
	assert.Equal(t, generation.DefaultPersona, gen.prompt.System)
	assert.Equal(t, generation.DefaultTemperature, gen.prompt.Temperature)
	assert.Less(t, strings.Index(gen.prompt.User, "Returns are accepted"), strings.Index(gen.prompt.User, "Shipping takes"))

	usage := queryUsage(t, ledger, "alice")
	assert.Equal(t, int64(1), usage.Current)
	assert.Zero(t, usage.Pending)
}

func TestQuery_Preferences(t *testing.T) {
	ret := &stubRetriever{}
	conf := 0.42
	gen := &stubGenerator{answer: generation.Answer{Text: "x", Confidence: &conf}}
	p, err := New(Config{}, newLedger(t), ret, embeddings.NewHashProvider(dim), gen, nil)
	require.NoError(t, err)

	temp := 0.1
	res, err := p.Query(context.Background(), "alice", "q", Preferences{MaxResults: 50, Temperature: &temp, Persona: "pirate"})
	require.NoError(t, err)
	assert.Equal(t, MaxTopK, ret.k)
	assert.Equal(t, 0.1, gen.prompt.Temperature)
	assert.Equal(t, "pirate", gen.prompt.System)
	assert.Equal(t, 0.42, res.Confidence, "generator confidence is reported verbatim")
	assert.Empty(t, res.Sources)

	_, err = p.Query(context.Background(), "alice", "q", Preferences{MaxResults: -4})
	require.NoError(t, err)
	assert.Equal(t, 1, ret.k)
}

func TestQuery_MinRelevance(t *testing.T) {
	ret := &stubRetriever{hits: []vectorstore.ScoredChunk{
		hit("c1", "d1", 0.8, "kept"),
		hit("c2", "d2", 0.2, "dropped"),
	}}
	gen := &stubGenerator{}
	p, err := New(Config{MinRelevance: 0.5}, newLedger(t), ret, embeddings.NewHashProvider(dim), gen, nil)
	require.NoError(t, err)

	res, err := p.Query(context.Background(), "alice", "q", Preferences{})
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "c1", res.Sources[0].ChunkID)
	assert.NotContains(t, gen.prompt.User, "dropped")
}

func TestQuery_Rerank(t *testing.T) {
	ret := &stubRetriever{hits: []vectorstore.ScoredChunk{
		hit("c1", "d1", 0.82, "Shipping usually takes five business days."),
		hit("c2", "d2", 0.80, "Our office is closed on public holidays."),
		hit("c3", "d3", 0.70, "Refunds are issued within 30 days of the return."),
	}}
	gen := &stubGenerator{}
	p, err := New(Config{Rerank: true, TopK: 2}, newLedger(t), ret, embeddings.NewHashProvider(dim), gen, nil)
	require.NoError(t, err)

	res, err := p.Query(context.Background(), "alice", "How are refunds issued after a return?", Preferences{})
	require.NoError(t, err)
	assert.Equal(t, 6, ret.k, "retrieves 3k candidates")
	require.Len(t, res.Sources, 2)
	assert.Equal(t, []string{"c1", "c3"}, []string{res.Sources[0].ChunkID, res.Sources[1].ChunkID},
		"rerank picks c3 over c2, sources stay in score order")
	assert.Equal(t, float32(0.82), res.Sources[0].Score)
	assert.Equal(t, float32(0.70), res.Sources[1].Score, "vector score is reported")
	assert.NotContains(t, gen.prompt.User, "public holidays")
	assert.Less(t, strings.Index(gen.prompt.User, "five business days"), strings.Index(gen.prompt.User, "Refunds are issued"),
		"prompt follows source order")

	p, err = New(Config{Rerank: true, RerankCandidates: 100}, newLedger(t), ret, embeddings.NewHashProvider(dim), gen, nil)
	require.NoError(t, err)
	_, err = p.Query(context.Background(), "alice", "refunds", Preferences{})
	require.NoError(t, err)
	assert.Equal(t, MaxRerankCandidates, ret.k)
}

func TestQuery_Validation(t *testing.T) {
	tooHot := 1.5
	tests := []struct {
		name     string
		question string
		prefs    Preferences
	}{
		{"empty", "", Preferences{}},
		{"blank", "   ", Preferences{}},
		{"too long", strings.Repeat("é", DefaultMaxQuestionRunes+1), Preferences{}},
		{"temperature out of range", "q", Preferences{Temperature: &tooHot}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newLedger(t)
			ret := &stubRetriever{}
			p, err := New(Config{}, ledger, ret, embeddings.NewHashProvider(dim), &stubGenerator{}, nil)
			require.NoError(t, err)

			_, err = p.Query(context.Background(), "alice", tt.question, tt.prefs)
			assert.Equal(t, ragerr.KindValidation, ragerr.KindOf(err))
			assert.Zero(t, ret.calls)
			assert.Zero(t, queryUsage(t, ledger, "alice").Current)
		})
	}

	p, err := New(Config{}, newLedger(t), &stubRetriever{}, embeddings.NewHashProvider(dim), &stubGenerator{}, nil)
	require.NoError(t, err)
	_, err = p.Query(context.Background(), "", "q", Preferences{})
	assert.Equal(t, ragerr.KindAuthentication, ragerr.KindOf(err))
}

func TestQuery_QuotaIsolation(t *testing.T) {
	ledger := newLedger(t)
	ret := &stubRetriever{}
	gen := &stubGenerator{}
	p, err := New(Config{}, ledger, ret, embeddings.NewHashProvider(dim), gen, nil)
	require.NoError(t, err)
	ctx := context.Background()

	limit := quota.DefaultLimits()[quota.PlanFree].QueriesPerMonth
	for i := int64(0); i < limit; i++ {
		_, err := p.Query(ctx, "alice", "q", Preferences{})
		require.NoError(t, err)
	}
	calls := gen.calls

	_, err = p.Query(ctx, "alice", "q", Preferences{})
	require.Error(t, err)
	assert.Equal(t, ragerr.KindQuotaExceeded, ragerr.KindOf(err))
	assert.Equal(t, string(quota.DimQueries), ragerr.DimensionOf(err))
	assert.Equal(t, calls, gen.calls, "no generation after exhaustion")

	_, err = p.Query(ctx, "bob", "q", Preferences{})
	require.NoError(t, err, "another tenant's quota is independent")
	assert.Equal(t, int64(1), queryUsage(t, ledger, "bob").Current)
}

func TestQuery_FailuresRelease(t *testing.T) {
	tests := []struct {
		name      string
		embedder  embeddings.Provider
		retriever *stubRetriever
		generator *stubGenerator
		kind      ragerr.Kind
	}{
		{
			name:      "embedding",
			embedder:  failingEmbedder{embeddings.NewHashProvider(dim)},
			retriever: &stubRetriever{},
			generator: &stubGenerator{},
			kind:      ragerr.KindEmbedding,
		},
		{
			name:      "retrieval",
			embedder:  embeddings.NewHashProvider(dim),
			retriever: &stubRetriever{err: errors.New("qdrant unavailable")},
			generator: &stubGenerator{},
			kind:      ragerr.KindRetrieval,
		},
		{
			name:      "isolation",
			embedder:  embeddings.NewHashProvider(dim),
			retriever: &stubRetriever{err: ragerr.IsolationViolation("Query", errors.New("foreign result"))},
			generator: &stubGenerator{},
			kind:      ragerr.KindIsolationViolation,
		},
		{
			name:      "generation",
			embedder:  embeddings.NewHashProvider(dim),
			retriever: &stubRetriever{},
			generator: &stubGenerator{err: generation.ErrNoProviders},
			kind:      ragerr.KindGeneration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newLedger(t)
			p, err := New(Config{}, ledger, tt.retriever, tt.embedder, tt.generator, zaptest.NewLogger(t))
			require.NoError(t, err)

			_, err = p.Query(context.Background(), "alice", "q", Preferences{})
			require.Error(t, err)
			assert.Equal(t, tt.kind, ragerr.KindOf(err))

			usage := queryUsage(t, ledger, "alice")
			assert.Zero(t, usage.Current)
			assert.Zero(t, usage.Pending)
		})
	}
}

func TestQuery_TimeoutReleases(t *testing.T) {
	tests := []struct {
		name      string
		embedder  embeddings.Provider
		generator generation.Generator
		kind      ragerr.Kind
	}{
		{"embedding", blockingEmbedder{embeddings.NewHashProvider(dim)}, &stubGenerator{}, ragerr.KindEmbedding},
		{"generation", embeddings.NewHashProvider(dim), blockingGenerator{}, ragerr.KindGeneration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newLedger(t)
			p, err := New(Config{Timeout: 20 * time.Millisecond}, ledger, &stubRetriever{}, tt.embedder, tt.generator, zaptest.NewLogger(t))
			require.NoError(t, err)

			_, err = p.Query(context.Background(), "alice", "q", Preferences{})
			require.Error(t, err)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Equal(t, tt.kind, ragerr.KindOf(err))

			usage := queryUsage(t, ledger, "alice")
			assert.Zero(t, usage.Current)
			assert.Zero(t, usage.Pending)
		})
	}
}

func TestQuery_EndToEndWithStore(t *testing.T) {
	logger := zaptest.NewLogger(t)
	backend, err := vectorstore.NewChromemBackend(vectorstore.ChromemConfig{}, logger)
	require.NoError(t, err)
	store := vectorstore.NewTenantStore(backend, vectorstore.NewMemoryCatalog(), vectorstore.TenantStoreConfig{}, logger)
	embedder := embeddings.NewHashProvider(dim)
	ctx := context.Background()

	put := func(tenantID, docID, text string) {
		vecs, err := embedder.EmbedDocuments(ctx, []string{text})
		require.NoError(t, err)
		_, err = store.Put(ctx, tenantID, vectorstore.Document{ID: docID, Title: docID}, []vectorstore.Chunk{
			{DocumentID: docID, TenantID: tenantID, Content: text, Vector: vecs[0]},
		})
		require.NoError(t, err)
	}
	put("alice", "policy", "Returns are accepted within 30 days of purchase.")
	put("bob", "secret", "Bob's confidential merger plans for next quarter.")

	p, err := New(Config{}, newLedger(t), store, embedder, generation.NewStatic(), logger)
	require.NoError(t, err)

	res, err := p.Query(ctx, "alice", "merger plans next quarter", Preferences{})
	require.NoError(t, err)
	for _, s := range res.Sources {
		assert.Equal(t, "policy", s.DocumentID)
	}
	assert.NotContains(t, res.Answer, "merger")
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "short", Snippet("  short  "))
	exact := strings.Repeat("a", SnippetRunes)
	assert.Equal(t, exact, Snippet(exact))
	long := strings.Repeat("é", SnippetRunes+5)
	assert.Equal(t, strings.Repeat("é", SnippetRunes)+"...", Snippet(long))
}
