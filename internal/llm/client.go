// Package llm defines the language-model boundary consumed by decision
// handlers. The model is an opaque, possibly slow, possibly failing
// dependency: prompt text in, response text out.
package llm

import (
	"context"
	"errors"
)

// Sentinel errors for the model boundary.
var (
	// ErrUnavailable indicates the provider could not be reached or
	// rejected the request.
	ErrUnavailable = errors.New("model unavailable")

	// ErrTimeout indicates the completion did not finish in time.
	ErrTimeout = errors.New("model timeout")
)

// Options tunes a single completion request.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Client produces a text completion for a prompt.
type Client interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}
