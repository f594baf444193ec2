package embeddings

import (
	"context"
	"fmt"
	"strings"
	"time"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/resilience"
)

// OpenAIConfig configures an OpenAI-compatible embedding endpoint.
type OpenAIConfig struct {
	// BaseURL defaults to the OpenAI API.
	BaseURL   string
	Model     string
	APIKey    string
	Dimension int
	// BatchSize caps texts per request. Default: 64.
	BatchSize int
}

// OpenAIProvider embeds through langchaingo's OpenAI client. Any
// OpenAI-compatible server works, including TEI's /v1 endpoint.
type OpenAIProvider struct {
	embedder  *lcembeddings.EmbedderImpl
	model     string
	dimension int
	metrics   *Metrics
}

// NewOpenAIProvider creates the provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token even for servers that ignore it.
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(apiKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 64
	}
	embedder, err := lcembeddings.NewEmbedder(llm,
		lcembeddings.WithBatchSize(batch),
		lcembeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	dim := cfg.Dimension
	if dim <= 0 {
		dim = detectDimensionFromModel(cfg.Model)
	}
	return &OpenAIProvider{
		embedder:  embedder,
		model:     cfg.Model,
		dimension: dim,
		metrics:   NewMetrics(zap.NewNop()),
	}, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	start := time.Now()
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		err = classifyAPIError(fmt.Errorf("embedding documents: %w", err))
	}
	p.metrics.RecordGeneration(ctx, p.model, "embed_documents", time.Since(start), len(texts), err)
	return vectors, err
}

// EmbedQuery generates an embedding for a single query.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	start := time.Now()
	vector, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		err = classifyAPIError(fmt.Errorf("embedding query: %w", err))
	}
	p.metrics.RecordGeneration(ctx, p.model, "embed_query", time.Since(start), 1, err)
	return vector, err
}

// Dimension returns the configured or detected vector width.
func (p *OpenAIProvider) Dimension() int { return p.dimension }

// Model returns the model name.
func (p *OpenAIProvider) Model() string { return p.model }

// Close is a no-op.
func (p *OpenAIProvider) Close() error { return nil }

// classifyAPIError marks rate limits, server errors and network failures as
// retryable. langchaingo surfaces them only as text.
func classifyAPIError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "500", "502", "503", "504", "timeout", "connection refused", "connection reset", "eof"} {
		if strings.Contains(msg, marker) {
			return resilience.MarkRetryable(err)
		}
	}
	return err
}
