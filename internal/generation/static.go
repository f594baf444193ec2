package generation

import (
	"context"
	"strings"
)

const staticSummaryRunes = 200

// StaticGenerator answers without a model by quoting the first sentence of
// each source. It keeps the query path usable offline and in tests.
type StaticGenerator struct{}

// NewStatic creates a StaticGenerator.
func NewStatic() *StaticGenerator { return &StaticGenerator{} }

func (s *StaticGenerator) Name() string { return "static" }

// Generate returns an extractive answer built from p.Documents.
func (s *StaticGenerator) Generate(ctx context.Context, p Prompt) (Answer, error) {
	if err := ctx.Err(); err != nil {
		return Answer{}, err
	}
	if len(p.Documents) == 0 {
		return Answer{Text: "I could not find any documents relevant to this question.", Model: "static"}, nil
	}

	var b strings.Builder
	b.WriteString("Based on the available documents:")
	for _, d := range p.Documents {
		b.WriteString("\n- ")
		if d.Title != "" {
			b.WriteString(d.Title)
			b.WriteString(": ")
		}
		b.WriteString(firstSentence(d.Content))
	}
	return Answer{Text: b.String(), Model: "static"}, nil
}

// firstSentence returns content up to its first sentence terminator, or the
// first 200 runes followed by "...".
func firstSentence(content string) string {
	content = strings.TrimSpace(content)
	n := 0
	for i, r := range content {
		if r == '.' || r == '!' || r == '?' {
			return content[:i+1]
		}
		n++
		if n == staticSummaryRunes {
			if i+len(string(r)) < len(content) {
				return content[:i+len(string(r))] + "..."
			}
			break
		}
	}
	return content
}
