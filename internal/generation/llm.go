package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/fyrsmithlabs/ragd/internal/resilience"
)

// Default configuration values.
const (
	defaultAnthropicModel = "claude-3-5-sonnet-20241022"
	defaultOpenAIModel    = "gpt-4o-mini"
)

// Config configures one model-backed generator.
type Config struct {
	// Provider is "openai", "anthropic" or "static".
	Provider string
	Model    string
	BaseURL  string
	APIKey   string `json:"-"`
	// MaxTokens caps the answer length. Default: 1024.
	MaxTokens int
}

// New creates the generator Config describes.
func New(cfg Config) (Generator, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return NewOpenAI(cfg)
	case "anthropic":
		return NewAnthropic(cfg)
	case "static", "":
		return NewStatic(), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// LLMGenerator answers with a langchaingo model.
type LLMGenerator struct {
	llm       llms.Model
	name      string
	model     string
	maxTokens int
}

// NewLLMGenerator wraps an existing langchaingo model.
func NewLLMGenerator(name, model string, llm llms.Model, maxTokens int) *LLMGenerator {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &LLMGenerator{llm: llm, name: name, model: model, maxTokens: maxTokens}
}

// NewOpenAI creates a generator for OpenAI or any OpenAI-compatible server.
func NewOpenAI(cfg Config) (*LLMGenerator, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: openai API key required", ErrInvalidConfig)
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	token := cfg.APIKey
	if token == "" {
		token = "placeholder"
	}
	opts := []openai.Option{openai.WithModel(model), openai.WithToken(token)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return NewLLMGenerator("openai", model, llm, cfg.MaxTokens), nil
}

// NewAnthropic creates a generator for the Anthropic messages API. The
// client always talks to the public endpoint, so BaseURL is rejected.
func NewAnthropic(cfg Config) (*LLMGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: anthropic API key required", ErrInvalidConfig)
	}
	if cfg.BaseURL != "" {
		return nil, fmt.Errorf("%w: anthropic does not support base_url", ErrInvalidConfig)
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	llm, err := anthropic.New(anthropic.WithModel(model), anthropic.WithToken(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("creating anthropic client: %w", err)
	}
	return NewLLMGenerator("anthropic", model, llm, cfg.MaxTokens), nil
}

// Name identifies the provider.
func (g *LLMGenerator) Name() string { return g.name + ":" + g.model }

// Generate sends the system and user messages and returns the first choice.
func (g *LLMGenerator) Generate(ctx context.Context, p Prompt) (Answer, error) {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, p.System),
		llms.TextParts(schema.ChatMessageTypeHuman, p.User),
	}

	resp, err := g.llm.GenerateContent(ctx, messages,
		llms.WithTemperature(p.Temperature),
		llms.WithMaxTokens(maxTokens),
	)
	if err != nil {
		return Answer{}, classify(err)
	}
	if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return Answer{}, resilience.MarkRetryable(ErrEmptyResponse)
	}
	return Answer{Text: strings.TrimSpace(resp.Choices[0].Content), Model: g.model}, nil
}

// classify marks rate limits, server errors and network failures retryable.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "overloaded", "500", "502", "503", "504", "529", "timeout", "connection refused", "connection reset", "eof"} {
		if strings.Contains(msg, marker) {
			return resilience.MarkRetryable(err)
		}
	}
	return err
}
