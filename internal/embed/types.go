// Package embed generates dense vectors for documents, memories, and
// queries. The HTTP embedder talks to an Ollama-compatible endpoint; the
// static embedder is the offline fallback. Both are usually wrapped in
// the LRU cache.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultBatchSize is the number of texts per embedding request.
	DefaultBatchSize = 32

	// MaxBatchSize bounds a single request.
	MaxBatchSize = 256

	// DefaultTimeout is the per-call timeout for HTTP embedding.
	DefaultTimeout = 60 * time.Second

	// DefaultDimensions is the dimension used when auto-detection is off
	// and the config leaves it unset.
	DefaultDimensions = 768

	// StaticDimensions is the dimension of the hash-based fallback.
	StaticDimensions = 256
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the embedder is ready to serve.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector scales a vector to unit length. Zero vectors are
// returned unchanged.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
