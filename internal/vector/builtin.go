package vector

import (
	"context"
	"time"

	"memvault/internal/errors"
	"memvault/internal/store"
)

// Builtin is the vector engine used when no external engine is
// configured. Rows already live in the relational backend, so writes are
// no-ops and dense search delegates to the backend's exact cosine scan.
type Builtin struct {
	backend   store.Backend
	global    store.Backend
	projectID string
}

var _ Index = (*Builtin)(nil)

// NewBuiltin wraps a relational backend. projectID scopes the memories
// collection; the global collection always reads the null namespace.
func NewBuiltin(backend store.Backend, projectID string) *Builtin {
	return NewBuiltinWithGlobal(backend, nil, projectID)
}

// NewBuiltinWithGlobal additionally routes the global memories
// collection to a separate store. A nil global falls back to backend.
func NewBuiltinWithGlobal(backend, global store.Backend, projectID string) *Builtin {
	if global == nil {
		global = backend
	}
	return &Builtin{backend: backend, global: global, projectID: projectID}
}

// EnsureCollections is a no-op: the relational schema is the collection.
func (b *Builtin) EnsureCollections(ctx context.Context, dim int) error { return nil }

// Upsert is a no-op; the relational row is authoritative.
func (b *Builtin) Upsert(ctx context.Context, kind Kind, p Point) error { return nil }

// UpsertBatch is a no-op.
func (b *Builtin) UpsertBatch(ctx context.Context, kind Kind, points []Point) error { return nil }

// Delete is a no-op; relational deletes already removed the rows.
func (b *Builtin) Delete(ctx context.Context, kind Kind, ids []int64) error { return nil }

// SearchDense runs the exact cosine scan inside the relational backend.
func (b *Builtin) SearchDense(ctx context.Context, kind Kind, dense []float32, k int, f *Filter) ([]Hit, error) {
	switch kind {
	case KindDocuments:
		scored, err := b.backend.SearchDocumentsByEmbedding(ctx, dense, k)
		if err != nil {
			return nil, err
		}
		hits := make([]Hit, len(scored))
		for i, s := range scored {
			hits[i] = Hit{
				ID:    s.Document.ID,
				Score: s.Score,
				Payload: map[string]any{
					"content":   s.Document.Content,
					"file_path": s.Document.FilePath,
				},
			}
		}
		return hits, nil

	case KindMemories, KindGlobalMemories:
		backend := b.backend
		mf := store.MemoryFilter{}
		if kind == KindMemories && b.projectID != "" {
			p := b.projectID
			mf.ProjectID = &p
		}
		if kind == KindGlobalMemories {
			backend = b.global
		}
		applyFilter(&mf, f)

		scored, err := backend.SearchMemoriesByEmbedding(ctx, dense, k, mf)
		if err != nil {
			return nil, err
		}
		hits := make([]Hit, len(scored))
		for i, s := range scored {
			hits[i] = Hit{
				ID:    s.Memory.ID,
				Score: s.Score,
				Payload: map[string]any{
					"content": s.Memory.Content,
					"type":    string(s.Memory.Type),
				},
			}
		}
		return hits, nil
	}
	return nil, errors.Validationf("unknown collection %q", kind)
}

// HybridSearch is not served by the builtin engine; hybrid fusion runs
// in-process at the search layer instead.
func (b *Builtin) HybridSearch(ctx context.Context, kind Kind, query string, dense []float32, k int, f *Filter) ([]Hit, error) {
	return nil, errors.Unsupported("builtin engine has no server-side hybrid query")
}

// HasHybridSchema is always false for the builtin engine.
func (b *Builtin) HasHybridSchema(ctx context.Context, kind Kind) (bool, error) {
	return false, nil
}

// Close is a no-op; the backend's lifecycle belongs to its owner.
func (b *Builtin) Close() error { return nil }

// applyFilter maps the portable conditions the dispatcher actually emits
// onto the relational filter: validity-at-T ranges become EffectiveAt,
// and superseded rows stay visible unless the filter demands otherwise.
func applyFilter(mf *store.MemoryFilter, f *Filter) {
	mf.IncludeInvalidated = true
	if f == nil {
		return
	}
	for _, c := range f.Must {
		if c.Op == OpIsNull && c.Field == "invalidated_by" {
			mf.IncludeInvalidated = false
		}
	}
	for _, group := range f.MustAny {
		for _, c := range group {
			if c.Op == OpRange && c.Field == "valid_from" && c.LTE != nil {
				t := time.Unix(int64(*c.LTE), 0).UTC()
				mf.EffectiveAt = &t
				return
			}
		}
	}
}
