package dispatch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/embed"
	"memvault/internal/record"
	"memvault/internal/search"
	"memvault/internal/store"
	"memvault/internal/vector"
)

func newDispatcher(t *testing.T, projectPath string) (*Dispatcher, *store.SQLiteBackend) {
	t.Helper()
	backend, err := store.NewSQLite(context.Background(), ":memory:", store.DefaultSQLiteOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	index := vector.NewBuiltin(backend, record.NormalizeProjectID(projectPath))
	params := search.Params{DefaultTopK: 10}
	d := New(backend, index, embed.NewStaticEmbedder(), projectPath, params, logger)
	t.Cleanup(func() { _ = d.Close() })
	return d, backend
}

func TestSaveMemory_CreatesAndCounts(t *testing.T) {
	d, _ := newDispatcher(t, "Work\\App")
	ctx := context.Background()

	res, err := d.SaveMemory(ctx, &record.Memory{
		Content: "chose pgx over database/sql for the network backend",
		Type:    record.TypeDecision,
	}, DefaultSaveOptions())
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotZero(t, res.ID)

	c := d.Snapshot()
	assert.Equal(t, 1, c.MemoriesCreated)
	assert.Equal(t, 1, c.TypesCreated[record.TypeDecision])
	assert.Zero(t, c.MemoriesDuplicated)
}

func TestSaveMemory_ProjectIDNormalized(t *testing.T) {
	d, backend := newDispatcher(t, "Work\\App")
	ctx := context.Background()

	res, err := d.SaveMemory(ctx, &record.Memory{Content: "scoped note"}, SaveOptions{})
	require.NoError(t, err)

	m, err := backend.GetMemory(ctx, res.ID)
	require.NoError(t, err)
	require.NotNil(t, m.ProjectID)
	assert.Equal(t, "work/app", *m.ProjectID)
}

func TestSaveMemory_DeduplicatesIdenticalContent(t *testing.T) {
	d, _ := newDispatcher(t, "proj")
	ctx := context.Background()

	first, err := d.SaveMemory(ctx, &record.Memory{Content: "retry transient errors exactly once"}, DefaultSaveOptions())
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := d.SaveMemory(ctx, &record.Memory{Content: "retry transient errors exactly once"}, DefaultSaveOptions())
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)
	require.NotNil(t, second.Duplicate)
	assert.GreaterOrEqual(t, second.Duplicate.Score, DefaultDedupThreshold)

	assert.Equal(t, 1, d.Snapshot().MemoriesDuplicated)
}

func TestSaveMemory_RejectsInvalid(t *testing.T) {
	d, _ := newDispatcher(t, "proj")
	ctx := context.Background()

	_, err := d.SaveMemory(ctx, &record.Memory{}, SaveOptions{})
	require.Error(t, err)

	_, err = d.SaveMemory(ctx, &record.Memory{Content: "x", Type: "opinion"}, SaveOptions{})
	require.Error(t, err)
}

func TestSaveMemoriesBatch_DedupInOrder(t *testing.T) {
	d, _ := newDispatcher(t, "proj")
	ctx := context.Background()

	results, err := d.SaveMemoriesBatch(ctx, []*record.Memory{
		{Content: "the scanner skips gitignored paths"},
		{Content: "the scanner skips gitignored paths"},
		{Content: "busy_timeout must be set before WAL queries"},
	}, DefaultSaveOptions())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Created)
	assert.False(t, results[1].Created)
	assert.Equal(t, results[0].ID, results[1].ID)
	assert.True(t, results[2].Created)

	c := d.Snapshot()
	assert.Equal(t, 2, c.MemoriesCreated)
	assert.Equal(t, 1, c.MemoriesDuplicated)
}

func TestRecall_FindsSavedMemory(t *testing.T) {
	d, _ := newDispatcher(t, "proj")
	ctx := context.Background()

	_, err := d.SaveMemory(ctx, &record.Memory{Content: "qdrant collections use named dense vectors"}, SaveOptions{})
	require.NoError(t, err)
	_, err = d.SaveMemory(ctx, &record.Memory{Content: "the watcher debounces filesystem events"}, SaveOptions{})
	require.NoError(t, err)

	res, err := d.Recall(ctx, search.Request{Query: "named dense vectors", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, res.Candidates)
	assert.Contains(t, res.Candidates[0].Memory.Content, "qdrant")
	assert.True(t, res.Readiness.Ready)
	assert.Equal(t, 1, d.Snapshot().RecallQueries)
}

func TestRecall_TouchesAccessCounters(t *testing.T) {
	d, backend := newDispatcher(t, "proj")
	ctx := context.Background()

	saved, err := d.SaveMemory(ctx, &record.Memory{Content: "flock guards the config file"}, SaveOptions{})
	require.NoError(t, err)

	_, err = d.Recall(ctx, search.Request{Query: "flock config", Limit: 5})
	require.NoError(t, err)

	m, err := backend.GetMemory(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.AccessCount)
	assert.NotNil(t, m.LastAccessed)
}

func TestRecall_TagFilter(t *testing.T) {
	d, _ := newDispatcher(t, "proj")
	ctx := context.Background()

	_, err := d.SaveMemory(ctx, &record.Memory{Content: "tagged build note", Tags: []string{"build"}}, SaveOptions{})
	require.NoError(t, err)
	_, err = d.SaveMemory(ctx, &record.Memory{Content: "untagged build note"}, SaveOptions{})
	require.NoError(t, err)

	res, err := d.Recall(ctx, search.Request{Query: "build note", Limit: 5, Tags: []string{"build"}})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "tagged build note", res.Candidates[0].Memory.Content)
}

func TestInvalidateAndRestoreMemory(t *testing.T) {
	d, _ := newDispatcher(t, "proj")
	ctx := context.Background()

	old, err := d.SaveMemory(ctx, &record.Memory{Content: "the daemon listens on a unix socket"}, SaveOptions{})
	require.NoError(t, err)
	newer, err := d.SaveMemory(ctx, &record.Memory{Content: "the daemon listens on a tcp port now"}, SaveOptions{})
	require.NoError(t, err)

	require.NoError(t, d.InvalidateMemory(ctx, old.ID, newer.ID))

	res, err := d.Recall(ctx, search.Request{Query: "daemon unix socket", Limit: 5})
	require.NoError(t, err)
	for _, c := range res.Candidates {
		assert.NotEqual(t, old.ID, c.Memory.ID)
	}

	require.NoError(t, d.RestoreMemory(ctx, old.ID))
	res, err = d.Recall(ctx, search.Request{Query: "daemon unix socket", Limit: 5})
	require.NoError(t, err)
	found := false
	for _, c := range res.Candidates {
		if c.Memory.ID == old.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestUpsertAndSearchDocuments(t *testing.T) {
	d, _ := newDispatcher(t, "proj")
	ctx := context.Background()

	ids, err := d.UpsertDocumentsBatch(ctx, []*record.Document{
		{FilePath: "code:internal/store/sqlite.go", ChunkIndex: 0, Content: "func wrapSQLiteErr(op string, err error) error"},
		{FilePath: "docs/setup.md", ChunkIndex: 0, Content: "install the ollama daemon before first run"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	hits, err := d.SearchDocuments(ctx, "wrapSQLiteErr", nil, 5, DocAny)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "code:internal/store/sqlite.go", hits[0].Document.FilePath)
	assert.Equal(t, 1, d.Snapshot().SearchQueries)
}

func TestSearchDocumentsScopedByKind(t *testing.T) {
	d, _ := newDispatcher(t, "proj")
	ctx := context.Background()

	_, err := d.UpsertDocumentsBatch(ctx, []*record.Document{
		{FilePath: "code:internal/queue/queue.go", ChunkIndex: 0, Content: "the queue drains pending work in arrival order"},
		{FilePath: "docs/queue.md", ChunkIndex: 0, Content: "the queue drains pending work in arrival order"},
	})
	require.NoError(t, err)

	code, err := d.SearchDocuments(ctx, "queue drains pending work", nil, 5, DocCode)
	require.NoError(t, err)
	require.NotEmpty(t, code)
	for _, h := range code {
		assert.True(t, h.Document.IsCode(), "code scope must only return source chunks")
	}

	prose, err := d.SearchDocuments(ctx, "queue drains pending work", nil, 5, DocProse)
	require.NoError(t, err)
	require.NotEmpty(t, prose)
	for _, h := range prose {
		assert.False(t, h.Document.IsCode(), "doc scope must only return prose chunks")
	}
}

func TestDeleteDocumentsByPath(t *testing.T) {
	d, backend := newDispatcher(t, "proj")
	ctx := context.Background()

	_, err := d.UpsertDocumentsBatchHashed(ctx,
		[]*record.Document{
			{FilePath: "docs/a.md", ChunkIndex: 0, Content: "first chunk"},
			{FilePath: "docs/a.md", ChunkIndex: 1, Content: "second chunk"},
		},
		[]*record.FileHash{{FilePath: "docs/a.md", Hash: "abc", IndexedAt: time.Now()}},
	)
	require.NoError(t, err)

	n, err := d.DeleteDocumentsByPath(ctx, "docs/a.md")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	docs, err := backend.GetDocumentsByPath(ctx, "docs/a.md")
	require.NoError(t, err)
	assert.Empty(t, docs)

	hashes, err := backend.ListFileHashes(ctx)
	require.NoError(t, err)
	assert.Empty(t, hashes)
}

func TestFlushLearningDelta(t *testing.T) {
	d, backend := newDispatcher(t, "proj")
	ctx := context.Background()

	_, err := d.SaveMemory(ctx, &record.Memory{Content: "note one", Type: record.TypeLearning, QualityScore: 0.8}, SaveOptions{})
	require.NoError(t, err)
	_, err = d.SaveMemory(ctx, &record.Memory{Content: "note two", Type: record.TypeLearning, QualityScore: 0.4}, SaveOptions{})
	require.NoError(t, err)

	delta, err := d.FlushLearningDelta(ctx, "session-end")
	require.NoError(t, err)
	require.NotNil(t, delta)
	assert.Equal(t, 2, delta.MemoriesAdded)
	assert.Equal(t, 2, delta.TypesAdded[string(record.TypeLearning)])
	assert.InDelta(t, 0.6, delta.AvgQuality, 1e-9)

	rows, err := backend.ListLearningDeltas(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Counters reset; a second flush writes nothing.
	assert.Zero(t, d.Snapshot().MemoriesCreated)
	again, err := d.FlushLearningDelta(ctx, "session-end")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestRecordWebSearch(t *testing.T) {
	d, backend := newDispatcher(t, "proj")
	ctx := context.Background()

	require.NoError(t, d.RecordWebSearch(ctx, "go slog handlers", "three results"))
	assert.Equal(t, 1, d.Snapshot().WebQueries)

	rows, err := backend.ListWebSearches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "go slog handlers", rows[0].Query)
}

func TestDeleteMemory_RemovesEverywhere(t *testing.T) {
	d, backend := newDispatcher(t, "proj")
	ctx := context.Background()

	saved, err := d.SaveMemory(ctx, &record.Memory{Content: "the cache eviction policy is plain LRU"}, SaveOptions{})
	require.NoError(t, err)

	require.NoError(t, d.DeleteMemory(ctx, saved.ID))

	m, err := backend.GetMemory(ctx, saved.ID)
	require.NoError(t, err)
	assert.Nil(t, m)

	res, err := d.Recall(ctx, search.Request{Query: "cache eviction policy", Limit: 5})
	require.NoError(t, err)
	for _, c := range res.Candidates {
		assert.NotEqual(t, saved.ID, c.Memory.ID)
	}

	err = d.DeleteMemory(ctx, saved.ID)
	require.Error(t, err)
}

func TestGetMemoryWithLinks_FiltersExpiredLinks(t *testing.T) {
	d, backend := newDispatcher(t, "proj")
	ctx := context.Background()

	a, err := d.SaveMemory(ctx, &record.Memory{Content: "renderer caches glyph atlases"}, SaveOptions{})
	require.NoError(t, err)
	b, err := d.SaveMemory(ctx, &record.Memory{Content: "glyph atlases are rebuilt on dpi change"}, SaveOptions{})
	require.NoError(t, err)
	c, err := d.SaveMemory(ctx, &record.Memory{Content: "dpi change events arrive debounced"}, SaveOptions{})
	require.NoError(t, err)

	liveID, _, err := backend.UpsertLink(ctx, &record.MemoryLink{
		SourceID: a.ID, TargetID: b.ID, Relation: record.RelationRelated, Weight: 0.6,
	})
	require.NoError(t, err)
	deadID, _, err := backend.UpsertLink(ctx, &record.MemoryLink{
		SourceID: a.ID, TargetID: c.ID, Relation: record.RelationRelated, Weight: 0.6,
	})
	require.NoError(t, err)
	require.NoError(t, backend.InvalidateLink(ctx, deadID, time.Now().Add(-time.Minute)))

	got, err := d.GetMemoryWithLinks(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.ID, got.Memory.ID)
	require.Len(t, got.Links, 1)
	assert.Equal(t, liveID, got.Links[0].ID)

	missing, err := d.GetMemoryWithLinks(ctx, 99999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAutoLinkSimilar_CreatesEdges(t *testing.T) {
	d, backend := newDispatcher(t, "proj")
	ctx := context.Background()

	a, err := d.SaveMemory(ctx, &record.Memory{Content: "the ingest pipeline chunks markdown by heading"}, SaveOptions{})
	require.NoError(t, err)
	_, err = d.SaveMemory(ctx, &record.Memory{Content: "the ingest pipeline chunks markdown files by heading depth"}, SaveOptions{})
	require.NoError(t, err)
	_, err = d.SaveMemory(ctx, &record.Memory{Content: "postgres pool size defaults to four"}, SaveOptions{})
	require.NoError(t, err)

	links, err := d.AutoLinkSimilar(ctx, a.ID, 0.3, 5)
	require.NoError(t, err)
	require.NotEmpty(t, links)
	for _, l := range links {
		assert.Equal(t, a.ID, l.SourceID)
		assert.NotEqual(t, a.ID, l.TargetID)
		assert.Equal(t, record.RelationSimilarTo, l.Relation)
	}

	stored, err := backend.LinksForMemory(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, stored, len(links))

	_, err = d.AutoLinkSimilar(ctx, 99999, 0.3, 5)
	require.Error(t, err)
}

func TestRecall_IncludeExpiredWidensPool(t *testing.T) {
	d, _ := newDispatcher(t, "proj")
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).UTC()
	expired, err := d.SaveMemory(ctx, &record.Memory{
		Content:    "feature flag rollout window for checkout",
		ValidUntil: &past,
	}, SaveOptions{})
	require.NoError(t, err)
	old, err := d.SaveMemory(ctx, &record.Memory{Content: "checkout uses the legacy flag service"}, SaveOptions{})
	require.NoError(t, err)
	newer, err := d.SaveMemory(ctx, &record.Memory{Content: "checkout reads flags from the config service now"}, SaveOptions{})
	require.NoError(t, err)
	require.NoError(t, d.InvalidateMemory(ctx, old.ID, newer.ID))

	res, err := d.Recall(ctx, search.Request{Query: "checkout feature flag", Limit: 10})
	require.NoError(t, err)
	for _, c := range res.Candidates {
		assert.NotEqual(t, expired.ID, c.Memory.ID)
		assert.NotEqual(t, old.ID, c.Memory.ID)
	}

	res, err = d.Recall(ctx, search.Request{Query: "checkout feature flag", Limit: 10, IncludeExpired: true})
	require.NoError(t, err)
	ids := map[int64]bool{}
	for _, c := range res.Candidates {
		ids[c.Memory.ID] = true
	}
	assert.True(t, ids[expired.ID], "expired memory must surface when asked for")
	assert.True(t, ids[old.ID], "invalidated memory must surface when asked for")
}

func newGlobalPair(t *testing.T, projectPath string, global *store.SQLiteBackend) *Dispatcher {
	t.Helper()
	backend, err := store.NewSQLite(context.Background(), ":memory:", store.DefaultSQLiteOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	index := vector.NewBuiltinWithGlobal(backend, global, record.NormalizeProjectID(projectPath))
	params := search.Params{DefaultTopK: 10}
	d := NewWithGlobal(backend, global, index, embed.NewStaticEmbedder(), projectPath, params, logger)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestGlobalMemory_VisibleAcrossProjects(t *testing.T) {
	ctx := context.Background()
	global, err := store.NewSQLite(ctx, ":memory:", store.DefaultSQLiteOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = global.Close() })

	dA := newGlobalPair(t, "proj-a", global)
	dB := newGlobalPair(t, "proj-b", global)

	saved, err := dA.SaveMemory(ctx, &record.Memory{
		Content: "always run migrations before deploying",
	}, SaveOptions{Global: true})
	require.NoError(t, err)

	// The row lands in the shared store with no project scope.
	m, err := global.GetMemory(ctx, saved.ID)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Nil(t, m.ProjectID)

	res, err := dB.Recall(ctx, search.Request{Query: "run migrations before deploying", Limit: 5})
	require.NoError(t, err)
	found := false
	for _, c := range res.Candidates {
		if c.Memory.Content == "always run migrations before deploying" {
			found = true
		}
	}
	assert.True(t, found, "a global memory saved in one project must recall in another")

	got, err := dB.GetMemoryWithLinks(ctx, saved.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.Memory.ProjectID)
}

type capturingIndex struct {
	vector.Index
	points map[vector.Kind][]vector.Point
}

func (c *capturingIndex) UpsertBatch(_ context.Context, kind vector.Kind, points []vector.Point) error {
	if c.points == nil {
		c.points = map[vector.Kind][]vector.Point{}
	}
	c.points[kind] = append(c.points[kind], points...)
	return nil
}

func (c *capturingIndex) Upsert(ctx context.Context, kind vector.Kind, p vector.Point) error {
	return c.UpsertBatch(ctx, kind, []vector.Point{p})
}

func TestUpsertDocuments_PayloadShape(t *testing.T) {
	backend, err := store.NewSQLite(context.Background(), ":memory:", store.DefaultSQLiteOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	idx := &capturingIndex{Index: vector.NewBuiltin(backend, "work/app")}
	d := New(backend, idx, embed.NewStaticEmbedder(), "Work\\App", search.Params{DefaultTopK: 10}, logger)
	t.Cleanup(func() { _ = d.Close() })

	_, err = d.UpsertDocumentsBatch(context.Background(), []*record.Document{
		{FilePath: "code:pkg/scan/scan.go", ChunkIndex: 1, Content: "func Scan() {}", StartLine: 10, EndLine: 24},
	})
	require.NoError(t, err)

	require.Len(t, idx.points[vector.KindDocuments], 1)
	payload := idx.points[vector.KindDocuments][0].Payload
	assert.Equal(t, "code", payload["doc_type"])
	assert.Equal(t, "code:pkg/scan/scan.go", payload["file_path"])
	assert.Equal(t, float64(1), payload["chunk_index"])
	assert.Equal(t, float64(10), payload["start_line"])
	assert.Equal(t, float64(24), payload["end_line"])
	assert.Equal(t, "work/app", payload["project_id"])
}

func TestSaveMemory_PayloadCarriesQualityAndAccess(t *testing.T) {
	backend, err := store.NewSQLite(context.Background(), ":memory:", store.DefaultSQLiteOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	idx := &capturingIndex{Index: vector.NewBuiltin(backend, "proj")}
	d := New(backend, idx, embed.NewStaticEmbedder(), "proj", search.Params{DefaultTopK: 10}, logger)
	t.Cleanup(func() { _ = d.Close() })

	_, err = d.SaveMemory(context.Background(), &record.Memory{
		Content:      "embedding cache keys include the model name",
		QualityScore: 0.7,
		Source:       "session",
	}, SaveOptions{})
	require.NoError(t, err)

	require.Len(t, idx.points[vector.KindMemories], 1)
	payload := idx.points[vector.KindMemories][0].Payload
	assert.Equal(t, 0.7, payload["quality_score"])
	assert.Equal(t, float64(0), payload["access_count"])
	assert.Equal(t, "session", payload["source"])
	assert.Equal(t, "proj", payload["project_id"])
}
