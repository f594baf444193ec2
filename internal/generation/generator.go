// Package generation produces grounded answers from retrieved context.
//
// Generators are thin adapters over language model clients. A Chain orders
// several generators behind circuit breakers and rate limiters and falls back
// from one to the next.
package generation

import (
	"context"
	"errors"
)

var (
	// ErrInvalidConfig indicates invalid generator configuration.
	ErrInvalidConfig = errors.New("invalid generator configuration")

	// ErrEmptyResponse is returned when a model answers with no text.
	ErrEmptyResponse = errors.New("empty response from model")

	// ErrNoProviders is returned by a Chain with nothing to call.
	ErrNoProviders = errors.New("no generation providers available")
)

// Prompt is a fully rendered request to a model.
type Prompt struct {
	System string
	User   string
	// Documents are the sources rendered into User, kept for generators
	// that answer without a model.
	Documents []Document
	Question  string
	// Temperature in [0, 1].
	Temperature float64
	MaxTokens   int
}

// Answer is a model response. Confidence is nil unless the model reports one.
type Answer struct {
	Text       string
	Confidence *float64
	Model      string
}

// Generator produces an answer for a prompt.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (Answer, error)
	Name() string
}
