// Package vector abstracts the dense/hybrid retrieval engine. The builtin
// engine computes exact cosine inside the relational backend; the qdrant
// engine keeps derived collections with named dense and sparse vectors
// and fuses them server-side.
package vector

import (
	"context"
)

// Kind names one derived collection.
type Kind string

const (
	KindDocuments      Kind = "documents"
	KindMemories       Kind = "memories"
	KindGlobalMemories Kind = "global_memories"
)

// Kinds lists every collection, in ensure order.
func Kinds() []Kind {
	return []Kind{KindDocuments, KindMemories, KindGlobalMemories}
}

// Point is one row to sync into a collection. Text feeds server-side
// sparse inference; engines without it ignore the field.
type Point struct {
	ID      int64
	Dense   []float32
	Text    string
	Payload map[string]any
}

// Hit is one scored result from a vector query.
type Hit struct {
	ID      int64
	Score   float64
	Payload map[string]any
}

// Content extracts the content payload field when present. Collections
// written by older versions carry no content; callers fall back to a
// relational fetch.
func (h Hit) Content() (string, bool) {
	if h.Payload == nil {
		return "", false
	}
	s, ok := h.Payload["content"].(string)
	return s, ok
}

// UpsertBatchSize is the number of points per write request.
const UpsertBatchSize = 100

// Index is the vector engine contract. Engines that cannot serve an
// operation return an unsupported error; the dispatcher falls back to
// the next strategy.
type Index interface {
	// EnsureCollections creates or migrates the collections for the given
	// dense dimension.
	EnsureCollections(ctx context.Context, dim int) error

	// Upsert writes one point.
	Upsert(ctx context.Context, kind Kind, p Point) error

	// UpsertBatch writes points in batches of UpsertBatchSize.
	UpsertBatch(ctx context.Context, kind Kind, points []Point) error

	// SearchDense runs a dense-only query.
	SearchDense(ctx context.Context, kind Kind, dense []float32, k int, f *Filter) ([]Hit, error)

	// HybridSearch fuses sparse and dense lanes server-side. Only the
	// fused score is meaningful.
	HybridSearch(ctx context.Context, kind Kind, query string, dense []float32, k int, f *Filter) ([]Hit, error)

	// Delete removes points by id.
	Delete(ctx context.Context, kind Kind, ids []int64) error

	// HasHybridSchema reports whether the collection carries the named
	// sparse vector required for server-side hybrid queries.
	HasHybridSchema(ctx context.Context, kind Kind) (bool, error)

	Close() error
}
