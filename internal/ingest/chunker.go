package ingest

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
)

// Chunking defaults.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// ChunkerConfig sizes chunks in runes.
type ChunkerConfig struct {
	Size    int `koanf:"size"`
	Overlap int `koanf:"overlap"`
}

// applyDefaults fills in both values when Size is unset.
func (c *ChunkerConfig) applyDefaults() {
	if c.Size <= 0 {
		c.Size = DefaultChunkSize
		if c.Overlap == 0 {
			c.Overlap = DefaultChunkOverlap
		}
	}
}

// Chunker splits text on paragraph, then line, then word boundaries, falling
// back to single runes. Output depends only on the input text.
type Chunker struct {
	size     int
	splitter textsplitter.RecursiveCharacter
}

// NewChunker validates cfg and builds a Chunker.
func NewChunker(cfg ChunkerConfig) (*Chunker, error) {
	cfg.applyDefaults()
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Size {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", cfg.Overlap, cfg.Size)
	}
	return &Chunker{
		size: cfg.Size,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.Size),
			textsplitter.WithChunkOverlap(cfg.Overlap),
			textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
			textsplitter.WithLenFunc(utf8.RuneCountInString),
		),
	}, nil
}

// Split returns the non-blank chunks of text. Every chunk is at most the
// configured size in runes.
func (c *Chunker) Split(text string) ([]string, error) {
	parts, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("splitting text: %w", err)
	}
	chunks := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		chunks = append(chunks, boundRunes(p, c.size)...)
	}
	return chunks, nil
}

// boundRunes cuts s into pieces of at most n runes.
func boundRunes(s string, n int) []string {
	if utf8.RuneCountInString(s) <= n {
		return []string{s}
	}
	var out []string
	for s != "" {
		end, count := 0, 0
		for end < len(s) && count < n {
			_, size := utf8.DecodeRuneInString(s[end:])
			end += size
			count++
		}
		out = append(out, s[:end])
		s = s[end:]
	}
	return out
}
