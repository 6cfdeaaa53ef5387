package embed

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"

	"memvault/internal/errors"
	"memvault/internal/token"
)

// StaticEmbedder produces deterministic hash-based vectors with no
// network or model dependency. Semantic quality is reduced; it exists so
// dense retrieval degrades instead of disappearing when no embedding
// endpoint is reachable.
type StaticEmbedder struct {
	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*StaticEmbedder)(nil)

// Feature weights for the hashed vector.
const (
	staticTokenWeight = 0.7
	staticNgramWeight = 0.3
	staticNgramSize   = 3
)

// NewStaticEmbedder creates the offline fallback embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{}
}

// Embed hashes tokens and character trigrams into a fixed-size vector
// and normalizes it.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, errors.Internal("embedder is closed", nil)
	}
	e.mu.RUnlock()

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, StaticDimensions), nil
	}

	vector := make([]float32, StaticDimensions)
	for _, t := range token.Code(trimmed) {
		vector[hashToIndex(t)] += staticTokenWeight
	}
	for _, g := range trigrams(strings.ToLower(trimmed)) {
		vector[hashToIndex(g)] += staticNgramWeight
	}
	return normalizeVector(vector), nil
}

// EmbedBatch embeds each text independently.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the fixed static dimension.
func (e *StaticEmbedder) Dimensions() int { return StaticDimensions }

// ModelName identifies the fallback in cache keys and logs.
func (e *StaticEmbedder) ModelName() string { return "static-hash" }

// Available is always true; there is nothing to reach.
func (e *StaticEmbedder) Available(ctx context.Context) bool { return true }

// Close marks the embedder closed.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func hashToIndex(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(StaticDimensions))
}

func trigrams(s string) []string {
	runes := []rune(s)
	if len(runes) < staticNgramSize {
		return nil
	}
	grams := make([]string, 0, len(runes)-staticNgramSize+1)
	for i := 0; i+staticNgramSize <= len(runes); i++ {
		grams = append(grams, string(runes[i:i+staticNgramSize]))
	}
	return grams
}
