//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

const (
	fastEmbedDefaultModel = "BAAI/bge-small-en-v1.5"
	fastEmbedMaxLength    = 512
	fastEmbedBatchSize    = 256
)

// FastEmbedConfig selects the local ONNX model.
type FastEmbedConfig struct {
	// Model defaults to BAAI/bge-small-en-v1.5. The fastembed identifiers
	// (fast-bge-small-en-v1.5 and so on) are accepted as well.
	Model string
	// CacheDir holds downloaded model files. Defaults to ./local_cache.
	CacheDir string
	// MaxLength caps the tokenized input. Defaults to 512.
	MaxLength int
}

type fastEmbedModel struct {
	id  fastembed.EmbeddingModel
	dim int
}

var fastEmbedModels = map[string]fastEmbedModel{
	"BAAI/bge-small-en-v1.5":                 {fastembed.BGESmallENV15, 384},
	"BAAI/bge-small-en":                      {fastembed.BGESmallEN, 384},
	"BAAI/bge-base-en-v1.5":                  {fastembed.BGEBaseENV15, 768},
	"BAAI/bge-base-en":                       {fastembed.BGEBaseEN, 768},
	"BAAI/bge-small-zh-v1.5":                 {fastembed.BGESmallZH, 512},
	"sentence-transformers/all-MiniLM-L6-v2": {fastembed.AllMiniLML6V2, 384},
}

func lookupFastEmbedModel(name string) (fastEmbedModel, bool) {
	if name == "" {
		name = fastEmbedDefaultModel
	}
	if m, ok := fastEmbedModels[name]; ok {
		return m, true
	}
	for _, m := range fastEmbedModels {
		if string(m.id) == name {
			return m, true
		}
	}
	return fastEmbedModel{}, false
}

// FastEmbedProvider embeds in process with ONNX runtime. The model handle is
// shared by concurrent embed calls and torn down by Close.
type FastEmbedProvider struct {
	mu    sync.RWMutex
	flag  *fastembed.FlagEmbedding
	name  string
	model fastEmbedModel
}

// NewFastEmbedProvider loads cfg.Model, downloading it into the cache dir on
// first use.
func NewFastEmbedProvider(cfg FastEmbedConfig) (*FastEmbedProvider, error) {
	model, ok := lookupFastEmbedModel(cfg.Model)
	if !ok {
		names := make([]string, 0, len(fastEmbedModels))
		for n := range fastEmbedModels {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w: fastembed model %q is not one of %s",
			ErrInvalidConfig, cfg.Model, strings.Join(names, ", "))
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(".", "local_cache")
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = fastEmbedMaxLength
	}

	quiet := false
	flag, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model.id,
		CacheDir:             cfg.CacheDir,
		MaxLength:            cfg.MaxLength,
		ShowDownloadProgress: &quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("loading fastembed model %s: %w", model.id, err)
	}

	name := cfg.Model
	if name == "" {
		name = fastEmbedDefaultModel
	}
	return &FastEmbedProvider{flag: flag, name: name, model: model}, nil
}

// EmbedDocuments embeds texts as passages.
func (p *FastEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no texts", ErrEmptyInput)
	}
	var out [][]float32
	err := p.withModel(ctx, func(flag *fastembed.FlagEmbedding) (err error) {
		out, err = flag.PassageEmbed(texts, fastEmbedBatchSize)
		return err
	})
	return out, err
}

// EmbedQuery embeds text as a search query.
func (p *FastEmbedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty query", ErrEmptyInput)
	}
	var out []float32
	err := p.withModel(ctx, func(flag *fastembed.FlagEmbedding) (err error) {
		out, err = flag.QueryEmbed(text)
		return err
	})
	return out, err
}

func (p *FastEmbedProvider) withModel(ctx context.Context, fn func(*fastembed.FlagEmbedding) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.flag == nil {
		return fmt.Errorf("%w: fastembed provider is closed", ErrEmbeddingFailed)
	}
	if err := fn(p.flag); err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return nil
}

func (p *FastEmbedProvider) Dimension() int { return p.model.dim }

func (p *FastEmbedProvider) Model() string { return p.name }

// Close releases the ONNX session. Later embed calls fail.
func (p *FastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flag == nil {
		return nil
	}
	err := p.flag.Destroy()
	p.flag = nil
	return err
}
