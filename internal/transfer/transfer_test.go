package transfer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/record"
	"memvault/internal/store"
)

func strPtr(s string) *string { return &s }

func newBackend(t *testing.T) *store.SQLiteBackend {
	t.Helper()
	backend, err := store.NewSQLite(context.Background(), ":memory:", store.DefaultSQLiteOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func seedFixture(t *testing.T, backend *store.SQLiteBackend) (memoryIDs []int64) {
	t.Helper()
	ctx := context.Background()

	proj := "work/app"
	ids, err := backend.InsertMemoriesBatch(ctx, []*record.Memory{
		{Content: "project note", ProjectID: &proj, Embedding: []float32{1, 0}, Tags: []string{"a"}},
		{Content: "global note", Embedding: []float32{0, 1}},
		{Content: "no embedding"},
	})
	require.NoError(t, err)

	_, err = backend.InsertDocumentsBatch(ctx, []*record.Document{
		{FilePath: "docs/readme.md", ChunkIndex: 0, Content: "hello", Embedding: []float32{0.5, 0.5}},
		{FilePath: "docs/readme.md", ChunkIndex: 1, Content: "world"},
	})
	require.NoError(t, err)

	require.NoError(t, backend.UpsertFileHash(ctx, &record.FileHash{
		FilePath: "docs/readme.md", Hash: "h1", IndexedAt: time.Now(),
	}))

	_, _, err = backend.UpsertLink(ctx, &record.MemoryLink{
		SourceID: ids[0], TargetID: ids[1], Relation: record.RelationRelated, Weight: 0.7,
	})
	require.NoError(t, err)

	require.NoError(t, backend.UpsertCentrality(ctx, []*record.Centrality{
		{MemoryID: ids[0], Degree: 1, NormalizedDegree: 1, UpdatedAt: time.Now()},
	}))
	require.NoError(t, backend.UpsertTokenFrequencies(ctx, []*record.TokenFrequency{
		{Token: "hello", Frequency: 3},
	}))
	_, err = backend.InsertTokenStat(ctx, &record.TokenStat{Operation: "search", RawBytes: 100, SavedBytes: 60})
	require.NoError(t, err)

	return ids
}

func TestExport_SplitsProjectAndGlobal(t *testing.T) {
	backend := newBackend(t)
	seedFixture(t, backend)

	env, err := Export(context.Background(), backend, Metadata{Backend: "sqlite", EmbeddingModel: "static-hash", Dimension: 2})
	require.NoError(t, err)

	assert.Equal(t, Version, env.Version)
	assert.Len(t, env.Memories, 1)
	assert.Len(t, env.GlobalMemories, 2)
	assert.Len(t, env.Documents, 2)
	assert.Len(t, env.FileHashes, 1)
	assert.Len(t, env.MemoryLinks, 1)
	assert.Len(t, env.Centrality, 1)
	assert.Len(t, env.TokenFrequencies, 1)
	assert.Len(t, env.TokenStats, 1)
	assert.Equal(t, []float32{1, 0}, env.Memories[0].Embedding)
}

func TestFileRoundTrip_PlainAndGzip(t *testing.T) {
	backend := newBackend(t)
	seedFixture(t, backend)

	env, err := Export(context.Background(), backend, Metadata{Backend: "sqlite"})
	require.NoError(t, err)

	dir := t.TempDir()
	for _, name := range []string{"checkpoint.json", "checkpoint.json.gz"} {
		path := filepath.Join(dir, name)
		require.NoError(t, WriteFile(path, env))

		got, err := ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, env.Version, got.Version)
		assert.Len(t, got.Memories, len(env.Memories))
		assert.Len(t, got.GlobalMemories, len(env.GlobalMemories))
		assert.Equal(t, env.Memories[0].Embedding, got.Memories[0].Embedding)
	}
}

func TestReadFile_RejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, WriteFile(path, &Envelope{Version: "9.9"}))

	_, err := ReadFile(path)
	require.Error(t, err)
}

func TestImport_RemapsIDs(t *testing.T) {
	src := newBackend(t)
	ids := seedFixture(t, src)
	ctx := context.Background()

	env, err := Export(ctx, src, Metadata{Backend: "sqlite"})
	require.NoError(t, err)

	dst := newBackend(t)
	// Occupy low ids so the remap is visible.
	_, err = dst.InsertMemory(ctx, &record.Memory{Content: "pre-existing"})
	require.NoError(t, err)

	idMap, err := Import(ctx, dst, env)
	require.NoError(t, err)
	require.NotNil(t, idMap)

	newID, ok := idMap.Memories[ids[0]]
	require.True(t, ok)
	m, err := dst.GetMemory(ctx, newID)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "project note", m.Content)

	// Destructive import wiped the pre-existing row.
	all, err := dst.ListMemories(ctx, store.MemoryFilter{AllProjects: true, IncludeInvalidated: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// The link survived with remapped endpoints.
	links, err := dst.ListLinks(ctx)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, idMap.Memories[ids[0]], links[0].SourceID)
	assert.Equal(t, idMap.Memories[ids[1]], links[0].TargetID)
}

func TestRestore_AdditiveKeepsExistingRows(t *testing.T) {
	src := newBackend(t)
	seedFixture(t, src)
	ctx := context.Background()

	env, err := Export(ctx, src, Metadata{Backend: "sqlite"})
	require.NoError(t, err)

	dst := newBackend(t)
	_, err = dst.InsertMemory(ctx, &record.Memory{Content: "kept"})
	require.NoError(t, err)

	_, err = Restore(ctx, dst, env, false)
	require.NoError(t, err)

	all, err := dst.ListMemories(ctx, store.MemoryFilter{AllProjects: true, IncludeInvalidated: true})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestAttachGlobal_AppendsSharedRows(t *testing.T) {
	backend := newBackend(t)
	seedFixture(t, backend)
	ctx := context.Background()

	global := newBackend(t)
	_, err := global.InsertMemoriesBatch(ctx, []*record.Memory{
		{Content: "shared convention", Embedding: []float32{0, 1}},
	})
	require.NoError(t, err)

	env, err := Export(ctx, backend, Metadata{Backend: "sqlite"})
	require.NoError(t, err)
	before := len(env.GlobalMemories)

	require.NoError(t, AttachGlobal(ctx, global, env))
	require.Len(t, env.GlobalMemories, before+1)
	assert.Equal(t, "shared convention", env.GlobalMemories[len(env.GlobalMemories)-1].Content)
}

func TestRestoreSplit_NeverWipesGlobalStore(t *testing.T) {
	src := newBackend(t)
	seedFixture(t, src)
	ctx := context.Background()

	env, err := Export(ctx, src, Metadata{Backend: "sqlite"})
	require.NoError(t, err)

	dst := newBackend(t)
	_, err = dst.InsertMemory(ctx, &record.Memory{Content: "project stale", ProjectID: strPtr("work/app")})
	require.NoError(t, err)

	global := newBackend(t)
	_, err = global.InsertMemory(ctx, &record.Memory{Content: "shared kept"})
	require.NoError(t, err)

	idMap, err := RestoreSplit(ctx, dst, global, env, true)
	require.NoError(t, err)
	require.NotNil(t, idMap)

	// Destructive restore replaced the project rows.
	project, err := dst.ListMemories(ctx, store.MemoryFilter{AllProjects: true, IncludeInvalidated: true})
	require.NoError(t, err)
	require.Len(t, project, 1)
	assert.Equal(t, "project note", project[0].Content)

	// The shared store only ever gains rows.
	shared, err := global.ListMemories(ctx, store.MemoryFilter{AllProjects: true, IncludeInvalidated: true})
	require.NoError(t, err)
	contents := map[string]bool{}
	for _, m := range shared {
		contents[m.Content] = true
	}
	assert.True(t, contents["shared kept"])
	assert.True(t, contents["global note"])
	assert.True(t, contents["no embedding"])
}
