package store

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmbeddingRoundTripExact(t *testing.T) {
	vecs := [][]float32{
		{0, 1, -1, 0.5},
		{math.MaxFloat32, math.SmallestNonzeroFloat32},
		{0.1, 0.2, 0.3},
	}
	for _, v := range vecs {
		assert.Equal(t, v, DecodeEmbedding(EncodeEmbedding(v)))
	}

	assert.Nil(t, EncodeEmbedding(nil))
	assert.Nil(t, EncodeEmbedding([]float32{}))
	assert.Nil(t, DecodeEmbedding(nil))
	assert.Nil(t, DecodeEmbedding([]byte{1, 2}))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// Degenerate inputs score zero.
	assert.Zero(t, Cosine(nil, nil))
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
}
