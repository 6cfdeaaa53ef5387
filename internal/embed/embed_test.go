package embed

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/config"
	"memvault/internal/errors"
)

var ctx = context.Background()

// countingEmbedder records how many texts reached the inner embedder.
type countingEmbedder struct {
	StaticEmbedder
	calls atomic.Int64
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.StaticEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(int64(len(texts)))
	return c.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestStatic_DeterministicUnitVectors(t *testing.T) {
	e := NewStaticEmbedder()

	a, err := e.Embed(ctx, "SaveMemory batches writes")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "SaveMemory batches writes")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, StaticDimensions)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestStatic_EmptyTextIsZeroVector(t *testing.T) {
	e := NewStaticEmbedder()
	vec, err := e.Embed(ctx, "   ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, StaticDimensions), vec)
}

func TestStatic_ClosedFails(t *testing.T) {
	e := NewStaticEmbedder()
	require.NoError(t, e.Close())
	_, err := e.Embed(ctx, "anything")
	require.Error(t, err)
}

func TestCached_HitSkipsInner(t *testing.T) {
	inner := &countingEmbedder{}
	c := NewCachedEmbedder(inner, 10)

	first, err := c.Embed(ctx, "query text")
	require.NoError(t, err)
	second, err := c.Embed(ctx, "query text")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.calls.Load())
}

func TestCached_BatchEmbedsOnlyMisses(t *testing.T) {
	inner := &countingEmbedder{}
	c := NewCachedEmbedder(inner, 10)

	_, err := c.Embed(ctx, "alpha")
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(ctx, []string{"alpha", "bravo", "charlie"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, StaticDimensions)
	}
	// alpha was cached; only the two misses reached the inner embedder.
	assert.Equal(t, int64(3), inner.calls.Load())
}

func TestHTTP_EmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		vecs := make([][]float32, len(req.Input))
		for i := range vecs {
			vecs[i] = []float32{1, 0, 0}
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: vecs})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(config.EmbeddingsConfig{Endpoint: srv.URL, Model: "test-model"})
	defer func() { _ = e.Close() }()

	vecs, err := e.EmbedBatch(ctx, []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0, 0}, vecs[0])
	assert.Equal(t, 3, e.Dimensions())
}

func TestHTTP_RetriesServerErrorOnce(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0, 1}}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(config.EmbeddingsConfig{Endpoint: srv.URL, Model: "test-model"})
	defer func() { _ = e.Close() }()

	vecs, err := e.EmbedBatch(ctx, []string{"one"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, int64(2), hits.Load())
}

func TestHTTP_PersistentFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(config.EmbeddingsConfig{Endpoint: srv.URL, Model: "test-model", TimeoutSeconds: 2})
	defer func() { _ = e.Close() }()

	_, err := e.EmbedBatch(ctx, []string{"one"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestHTTP_CountMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(config.EmbeddingsConfig{Endpoint: srv.URL, Model: "test-model"})
	defer func() { _ = e.Close() }()

	_, err := e.EmbedBatch(ctx, []string{"one"})
	require.Error(t, err)
	assert.False(t, errors.IsTransient(err))
}
