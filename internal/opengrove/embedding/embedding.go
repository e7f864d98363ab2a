// Package embedding turns text into vectors for the retrieval index.
package embedding

import (
	"context"
	"errors"
)

// ErrUnconfigured is returned by an Embedder that has no backing model.
var ErrUnconfigured = errors.New("embedding: provider not configured")

// Embedder produces vector embeddings for text. Model and Dimensions identify
// the vector space; a Dimensions of 0 means no provider is configured and
// retrieval is disabled.
type Embedder interface {
	// Embed produces a vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch produces one vector per text, in input order, in as few
	// provider calls as the provider allows.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model names the embedding model.
	Model() string

	// Dimensions is the length of every produced vector.
	Dimensions() int
}

// Configured reports whether e can produce embeddings.
func Configured(e Embedder) bool {
	return e != nil && e.Dimensions() > 0
}

// Noop is the unconfigured Embedder. Every call fails with ErrUnconfigured.
type Noop struct{}

// Embed returns ErrUnconfigured.
func (Noop) Embed(context.Context, string) ([]float32, error) { return nil, ErrUnconfigured }

// EmbedBatch returns ErrUnconfigured.
func (Noop) EmbedBatch(context.Context, []string) ([][]float32, error) { return nil, ErrUnconfigured }

// Model returns the empty string.
func (Noop) Model() string { return "" }

// Dimensions returns 0, which marks the embedder unconfigured.
func (Noop) Dimensions() int { return 0 }

var _ Embedder = Noop{}
