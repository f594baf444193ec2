// Package query answers questions from a tenant's documents.
//
// A query reserves one unit of the tenant's monthly query quota, embeds the
// question, retrieves the nearest chunks from the tenant's namespace, and asks
// a generator for an answer grounded in them. The reservation is committed
// only when an answer is produced.
package query

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/generation"
	"github.com/fyrsmithlabs/ragd/internal/quota"
	"github.com/fyrsmithlabs/ragd/internal/ragerr"
	"github.com/fyrsmithlabs/ragd/internal/reranker"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

const op = "Query"

var tracer = otel.Tracer("ragd.query")

const (
	DefaultMaxQuestionRunes = 4000
	DefaultTopK             = 3
	MaxTopK                 = 10
	SnippetRunes            = 200
	MaxRerankCandidates     = 30
)

// Ledger is the part of the quota ledger a query needs.
type Ledger interface {
	CheckAndReserve(ctx context.Context, tenantID string, d quota.Delta) (*quota.Reservation, error)
	Commit(ctx context.Context, r *quota.Reservation) error
	Release(ctx context.Context, r *quota.Reservation) error
}

// Retriever returns a tenant's chunks nearest to a vector.
type Retriever interface {
	Query(ctx context.Context, tenantID string, vector []float32, k int) ([]vectorstore.ScoredChunk, error)
}

// Config tunes the pipeline.
type Config struct {
	MaxQuestionRunes int
	// TopK is used when a request does not set MaxResults.
	TopK int
	// MinRelevance drops sources scoring below it. Zero keeps everything.
	MinRelevance float32
	// Persona replaces generation.DefaultPersona when set.
	Persona string
	// Timeout bounds one query. Zero disables it.
	Timeout time.Duration
	// CleanupTimeout bounds the release that follows a failed query.
	CleanupTimeout time.Duration
	// Rerank retrieves RerankCandidates chunks and keeps the k that best
	// match the question's terms.
	Rerank bool
	// RerankCandidates defaults to 3k, capped at MaxRerankCandidates.
	RerankCandidates int
	// RerankWeight is the share of term overlap in the reranked score.
	RerankWeight float64
}

func (c *Config) applyDefaults() {
	if c.MaxQuestionRunes <= 0 {
		c.MaxQuestionRunes = DefaultMaxQuestionRunes
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	c.TopK = clampK(c.TopK)
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 10 * time.Second
	}
}

// Preferences are per-request overrides. Zero values mean "use the default".
type Preferences struct {
	MaxResults int `json:"max_results,omitempty"`
	// Temperature in [0, 1]. Nil uses generation.DefaultTemperature.
	Temperature *float64 `json:"temperature,omitempty"`
	Persona     string   `json:"persona,omitempty"`
}

// Source is one retrieved chunk shown to the caller.
type Source struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Snippet    string  `json:"snippet"`
	Score      float32 `json:"relevance_score"`
}

// Result is the answer to one question.
type Result struct {
	Answer      string    `json:"answer"`
	Sources     []Source  `json:"sources"`
	Confidence  float64   `json:"confidence"`
	Model       string    `json:"model,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Pipeline runs queries.
type Pipeline struct {
	cfg       Config
	ledger    Ledger
	retriever Retriever
	embedder  embeddings.Provider
	generator generation.Generator
	reranker  reranker.Reranker
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a Pipeline.
func New(cfg Config, ledger Ledger, retriever Retriever, embedder embeddings.Provider, generator generation.Generator, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case ledger == nil:
		return nil, fmt.Errorf("ledger is required")
	case retriever == nil:
		return nil, fmt.Errorf("retriever is required")
	case embedder == nil:
		return nil, fmt.Errorf("embedder is required")
	case generator == nil:
		return nil, fmt.Errorf("generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	p := &Pipeline{
		cfg:       cfg,
		ledger:    ledger,
		retriever: retriever,
		embedder:  embedder,
		generator: generator,
		logger:    logger,
		now:       time.Now,
	}
	if cfg.Rerank {
		p.reranker = reranker.NewLexical(cfg.RerankWeight)
	}
	return p, nil
}

func clampK(k int) int {
	return max(1, min(k, MaxTopK))
}

// validate returns the trimmed question, k and temperature for a request.
func (p *Pipeline) validate(tenantID, question string, prefs Preferences) (string, int, float64, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return "", 0, 0, ragerr.Authentication(op, err)
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "", 0, 0, ragerr.Validation(op, "question is required")
	}
	if !utf8.ValidString(question) {
		return "", 0, 0, ragerr.Validation(op, "question must be valid UTF-8")
	}
	if n := utf8.RuneCountInString(question); n > p.cfg.MaxQuestionRunes {
		return "", 0, 0, ragerr.Validation(op, fmt.Sprintf("question is %d characters, limit is %d", n, p.cfg.MaxQuestionRunes))
	}

	k := p.cfg.TopK
	if prefs.MaxResults != 0 {
		k = clampK(prefs.MaxResults)
	}
	temperature := -1.0
	if prefs.Temperature != nil {
		t := *prefs.Temperature
		if t < 0 || t > 1 {
			return "", 0, 0, ragerr.Validation(op, "temperature must be between 0 and 1")
		}
		temperature = t
	}
	return question, k, temperature, nil
}

// Query answers question from tenantID's documents.
func (p *Pipeline) Query(ctx context.Context, tenantID, question string, prefs Preferences) (*Result, error) {
	start := p.now()
	ctx, span := tracer.Start(ctx, "Pipeline.Query")
	defer span.End()

	res, err := p.query(ctx, tenantID, question, prefs)
	outcome := "success"
	if err != nil {
		outcome = outcomeOf(err)
		span.RecordError(err)
	}
	QueriesTotal.WithLabelValues(outcome).Inc()
	Duration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return res, err
}

func outcomeOf(err error) string {
	switch k := ragerr.KindOf(err); k {
	case ragerr.KindQuotaExceeded, ragerr.KindValidation, ragerr.KindEmbedding,
		ragerr.KindRetrieval, ragerr.KindGeneration:
		return string(k)
	}
	return "error"
}

func (p *Pipeline) query(ctx context.Context, tenantID, question string, prefs Preferences) (*Result, error) {
	question, k, temperature, err := p.validate(tenantID, question, prefs)
	if err != nil {
		return nil, err
	}

	res, err := p.ledger.CheckAndReserve(ctx, tenantID, quota.Delta{Queries: 1})
	if err != nil {
		return nil, err
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("k", k))

	result, err := p.answer(ctx, tenantID, question, k, temperature, prefs.Persona)
	if err != nil {
		p.release(ctx, res)
		return nil, err
	}

	if err := p.ledger.Commit(ctx, res); err != nil {
		p.release(ctx, res)
		return nil, ragerr.Internal(op, fmt.Errorf("committing reservation: %w", err))
	}

	SourcesReturned.Observe(float64(len(result.Sources)))
	p.logger.Info("query answered",
		zap.String("tenant_id", tenantID),
		zap.Int("sources", len(result.Sources)),
		zap.String("model", result.Model),
		zap.Float64("confidence", result.Confidence))
	return result, nil
}

// answer runs embed, retrieve and generate. Every error it returns is
// classified.
func (p *Pipeline) answer(ctx context.Context, tenantID, question string, k int, temperature float64, persona string) (*Result, error) {
	vector, err := p.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, ragerr.Embedding(op, err)
	}

	fetch := k
	if p.reranker != nil {
		fetch = p.rerankCandidates(k)
	}
	hits, err := p.retriever.Query(ctx, tenantID, vector, fetch)
	if err != nil {
		switch ragerr.KindOf(err) {
		case ragerr.KindIsolationViolation, ragerr.KindAuthentication:
			return nil, err
		}
		return nil, ragerr.Retrieval(op, err)
	}
	if p.reranker != nil {
		if hits, err = p.rerank(ctx, question, hits, k); err != nil {
			return nil, ragerr.Retrieval(op, err)
		}
	}

	sources := make([]Source, 0, len(hits))
	docs := make([]generation.Document, 0, len(hits))
	for _, h := range hits {
		if p.cfg.MinRelevance > 0 && h.Score < p.cfg.MinRelevance {
			continue
		}
		sources = append(sources, Source{
			ChunkID:    h.ID,
			DocumentID: h.DocumentID,
			Title:      h.Title,
			Snippet:    Snippet(h.Content),
			Score:      h.Score,
		})
		docs = append(docs, generation.Document{Title: h.Title, Content: h.Content})
	}

	if persona == "" {
		persona = p.cfg.Persona
	}
	prompt, err := generation.BuildPrompt(persona, question, docs, temperature)
	if err != nil {
		return nil, ragerr.Generation(op, err)
	}
	ans, err := p.generator.Generate(ctx, prompt)
	if err != nil {
		return nil, ragerr.Generation(op, err)
	}

	confidence := min(1, float64(len(sources))/float64(k))
	if ans.Confidence != nil {
		confidence = *ans.Confidence
	}
	return &Result{
		Answer:      ans.Text,
		Sources:     sources,
		Confidence:  confidence,
		Model:       ans.Model,
		GeneratedAt: p.now().UTC(),
	}, nil
}

func (p *Pipeline) rerankCandidates(k int) int {
	n := p.cfg.RerankCandidates
	if n <= 0 {
		n = 3 * k
	}
	return max(k, min(n, MaxRerankCandidates))
}

// rerank picks the k hits that best match question. The picked hits come back
// in descending vector score so sources and prompt share one ordering.
func (p *Pipeline) rerank(ctx context.Context, question string, hits []vectorstore.ScoredChunk, k int) ([]vectorstore.ScoredChunk, error) {
	candidates := make([]reranker.Candidate, len(hits))
	for i, h := range hits {
		candidates[i] = reranker.Candidate{Content: h.Content, Score: h.Score}
	}
	ranked, err := p.reranker.Rerank(ctx, question, candidates, k)
	if err != nil {
		return nil, fmt.Errorf("reranking: %w", err)
	}
	out := make([]vectorstore.ScoredChunk, len(ranked))
	for i, r := range ranked {
		out[i] = hits[r.Index]
	}
	slices.SortStableFunc(out, func(a, b vectorstore.ScoredChunk) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return out, nil
}

func (p *Pipeline) release(ctx context.Context, res *quota.Reservation) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CleanupTimeout)
	defer cancel()
	if err := p.ledger.Release(cctx, res); err != nil {
		p.logger.Warn("failed to release query reservation",
			zap.String("tenant_id", res.TenantID),
			zap.String("reservation_id", res.ID),
			zap.Error(err))
	}
}

// Snippet returns the first SnippetRunes runes of content, followed by "..."
// when content is longer.
func Snippet(content string) string {
	content = strings.TrimSpace(content)
	n := 0
	for i := range content {
		if n == SnippetRunes {
			return content[:i] + "..."
		}
		n++
	}
	return content
}
