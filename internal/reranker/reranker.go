// Package reranker reorders retrieved chunks before generation.
package reranker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode"
)

// ErrNilContext is returned when a nil context is passed to Rerank.
var ErrNilContext = errors.New("context cannot be nil")

// DefaultOverlapWeight is the share of the final score taken by term
// overlap. The rest is the vector similarity.
const DefaultOverlapWeight = 0.5

// Candidate is a retrieved chunk.
type Candidate struct {
	Content string
	// Score is the vector similarity.
	Score float32
}

// Ranked points back into the candidate slice.
type Ranked struct {
	// Index of the candidate in the Rerank input.
	Index int
	// Overlap is the share of question terms found in the candidate.
	Overlap float32
	// Combined blends Score and Overlap and orders the output.
	Combined float32
}

// Reranker orders candidates for a question and keeps the best k.
type Reranker interface {
	Rerank(ctx context.Context, question string, candidates []Candidate, k int) ([]Ranked, error)
}

// Lexical blends vector similarity with question term overlap.
type Lexical struct {
	overlapWeight float32
}

// NewLexical creates a Lexical reranker. Weights outside (0, 1] fall back
// to DefaultOverlapWeight.
func NewLexical(overlapWeight float64) *Lexical {
	if overlapWeight <= 0 || overlapWeight > 1 {
		overlapWeight = DefaultOverlapWeight
	}
	return &Lexical{overlapWeight: float32(overlapWeight)}
}

// Rerank returns at most k candidates, best first. Ties keep retrieval
// order. A k of zero or less keeps every candidate.
func (r *Lexical) Rerank(ctx context.Context, question string, candidates []Candidate, k int) ([]Ranked, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}

	terms := uniqueTerms(question)
	ranked := make([]Ranked, len(candidates))
	for i, c := range candidates {
		overlap := termOverlap(terms, c.Content)
		ranked[i] = Ranked{
			Index:    i,
			Overlap:  overlap,
			Combined: (1-r.overlapWeight)*c.Score + r.overlapWeight*overlap,
		}
	}
	if len(terms) == 0 {
		// Nothing to match; keep vector order.
		for i := range ranked {
			ranked[i].Combined = candidates[i].Score
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Combined > ranked[j].Combined
	})
	return ranked[:k], nil
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "but": {}, "for": {}, "with": {}, "from": {},
	"are": {}, "was": {}, "been": {}, "being": {}, "have": {}, "has": {},
	"had": {}, "does": {}, "did": {}, "will": {}, "would": {}, "could": {},
	"should": {}, "may": {}, "might": {}, "can": {}, "this": {}, "that": {},
	"these": {}, "those": {}, "you": {}, "she": {}, "they": {}, "what": {},
	"which": {}, "who": {}, "when": {}, "where": {}, "why": {}, "how": {},
	"not": {}, "all": {}, "any": {}, "our": {}, "your": {}, "its": {},
}

// tokens lowercases text and splits it on anything that is not a letter or
// digit. Stopwords and tokens shorter than three runes are dropped.
func tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; stop || len([]rune(f)) < 3 {
			continue
		}
		out = append(out, f)
	}
	return out
}

func uniqueTerms(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range tokens(text) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// termOverlap is the share of terms present in content, in [0, 1].
func termOverlap(terms []string, content string) float32 {
	if len(terms) == 0 {
		return 0
	}
	present := make(map[string]struct{})
	for _, t := range tokens(content) {
		present[t] = struct{}{}
	}
	matched := 0
	for _, t := range terms {
		if _, ok := present[t]; ok {
			matched++
		}
	}
	return float32(matched) / float32(len(terms))
}
