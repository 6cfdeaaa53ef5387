package vector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/errors"
	"memvault/internal/record"
	"memvault/internal/store"
)

func newBuiltin(t *testing.T, projectID string) (*Builtin, *store.SQLiteBackend) {
	t.Helper()
	backend, err := store.NewSQLite(context.Background(), ":memory:", store.DefaultSQLiteOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return NewBuiltin(backend, projectID), backend
}

func TestBuiltin_SearchDenseDocuments(t *testing.T) {
	b, backend := newBuiltin(t, "proj")
	ctx := context.Background()

	_, err := backend.InsertDocumentsBatch(ctx, []*record.Document{
		{FilePath: "a.md", Content: "close", Embedding: []float32{1, 0}},
		{FilePath: "b.md", Content: "far", Embedding: []float32{0, 1}},
	})
	require.NoError(t, err)

	hits, err := b.SearchDense(ctx, KindDocuments, []float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	content, ok := hits[0].Content()
	require.True(t, ok)
	assert.Equal(t, "close", content)
}

func TestBuiltin_SearchDenseMemoriesScopedByProject(t *testing.T) {
	b, backend := newBuiltin(t, "proj")
	ctx := context.Background()

	proj := "proj"
	_, err := backend.InsertMemoriesBatch(ctx, []*record.Memory{
		{Content: "scoped", ProjectID: &proj, Embedding: []float32{1, 0}},
		{Content: "global", Embedding: []float32{1, 0}},
	})
	require.NoError(t, err)

	hits, err := b.SearchDense(ctx, KindMemories, []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	c, _ := hits[0].Content()
	assert.Equal(t, "scoped", c)

	hits, err = b.SearchDense(ctx, KindGlobalMemories, []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	c, _ = hits[0].Content()
	assert.Equal(t, "global", c)
}

func TestBuiltin_EffectiveAtFilterApplies(t *testing.T) {
	b, backend := newBuiltin(t, "")
	ctx := context.Background()

	now := time.Now().Truncate(time.Second).UTC()
	expired := now.Add(-time.Hour)
	_, err := backend.InsertMemoriesBatch(ctx, []*record.Memory{
		{Content: "expired", ValidUntil: &expired, Embedding: []float32{1, 0}},
		{Content: "current", Embedding: []float32{1, 0}},
	})
	require.NoError(t, err)

	hits, err := b.SearchDense(ctx, KindGlobalMemories, []float32{1, 0}, 10, EffectiveAt(now))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	c, _ := hits[0].Content()
	assert.Equal(t, "current", c)
}

func TestBuiltin_InvalidatedVisibilityFollowsFilter(t *testing.T) {
	b, backend := newBuiltin(t, "")
	ctx := context.Background()

	id, err := backend.InsertMemory(ctx, &record.Memory{Content: "superseded", Embedding: []float32{1, 0}})
	require.NoError(t, err)
	by, err := backend.InsertMemory(ctx, &record.Memory{Content: "successor", Embedding: []float32{0, 1}})
	require.NoError(t, err)
	require.NoError(t, backend.SetMemoryInvalidated(ctx, id, &by))

	// No filter: superseded rows stay searchable.
	hits, err := b.SearchDense(ctx, KindGlobalMemories, []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	// A not-invalidated clause hides them.
	hits, err = b.SearchDense(ctx, KindGlobalMemories, []float32{1, 0}, 10,
		&Filter{Must: []Condition{NotInvalidated()}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	c, _ := hits[0].Content()
	assert.Equal(t, "successor", c)
}

func TestBuiltin_GlobalCollectionRoutesToSharedStore(t *testing.T) {
	backend, err := store.NewSQLite(context.Background(), ":memory:", store.DefaultSQLiteOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	global, err := store.NewSQLite(context.Background(), ":memory:", store.DefaultSQLiteOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = global.Close() })

	b := NewBuiltinWithGlobal(backend, global, "proj")
	ctx := context.Background()

	proj := "proj"
	_, err = backend.InsertMemory(ctx, &record.Memory{Content: "project row", ProjectID: &proj, Embedding: []float32{1, 0}})
	require.NoError(t, err)
	_, err = global.InsertMemory(ctx, &record.Memory{Content: "shared row", Embedding: []float32{1, 0}})
	require.NoError(t, err)

	hits, err := b.SearchDense(ctx, KindGlobalMemories, []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	c, _ := hits[0].Content()
	assert.Equal(t, "shared row", c)

	hits, err = b.SearchDense(ctx, KindMemories, []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	c, _ = hits[0].Content()
	assert.Equal(t, "project row", c)
}

func TestBuiltin_HybridUnsupported(t *testing.T) {
	b, _ := newBuiltin(t, "")
	_, err := b.HybridSearch(context.Background(), KindMemories, "q", []float32{1}, 5, nil)
	require.Error(t, err)
	assert.True(t, errors.IsUnsupported(err))

	hybrid, err := b.HasHybridSchema(context.Background(), KindMemories)
	require.NoError(t, err)
	assert.False(t, hybrid)
}

func TestBuiltin_WritesAreNoOps(t *testing.T) {
	b, _ := newBuiltin(t, "")
	ctx := context.Background()

	require.NoError(t, b.EnsureCollections(ctx, 768))
	require.NoError(t, b.Upsert(ctx, KindMemories, Point{ID: 1}))
	require.NoError(t, b.Delete(ctx, KindMemories, []int64{1}))
	require.NoError(t, b.Close())
}
