package transfer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/record"
	"memvault/internal/vector"
)

type recordingIndex struct {
	vector.Index

	mu     sync.Mutex
	points map[vector.Kind][]vector.Point
}

func newRecordingIndex() *recordingIndex {
	return &recordingIndex{points: map[vector.Kind][]vector.Point{}}
}

func (r *recordingIndex) UpsertBatch(_ context.Context, kind vector.Kind, points []vector.Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points[kind] = append(r.points[kind], points...)
	return nil
}

func TestBackfill_DryRunCountsWithoutWriting(t *testing.T) {
	backend := newBackend(t)
	seedFixture(t, backend)
	idx := newRecordingIndex()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	report, err := Backfill(context.Background(), backend, idx, BackfillOptions{Target: BackfillAll, DryRun: true}, logger)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Documents)
	assert.Equal(t, 1, report.Memories)
	assert.Equal(t, 1, report.GlobalMemories)
	assert.Equal(t, 2, report.Skipped)
	assert.Empty(t, idx.points)
}

func TestBackfill_StreamsEmbeddedRows(t *testing.T) {
	backend := newBackend(t)
	seedFixture(t, backend)
	idx := newRecordingIndex()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	report, err := Backfill(context.Background(), backend, idx, BackfillOptions{Target: BackfillAll, ProjectID: "work/app"}, logger)
	require.NoError(t, err)
	assert.False(t, report.DryRun)

	require.Len(t, idx.points[vector.KindDocuments], 1)
	require.Len(t, idx.points[vector.KindMemories], 1)
	require.Len(t, idx.points[vector.KindGlobalMemories], 1)

	doc := idx.points[vector.KindDocuments][0]
	assert.Equal(t, "doc", doc.Payload["doc_type"])
	assert.Equal(t, "docs/readme.md", doc.Payload["file_path"])
	assert.Equal(t, float64(0), doc.Payload["start_line"])
	assert.Contains(t, doc.Payload, "end_line")
	assert.Equal(t, "work/app", doc.Payload["project_id"])

	p := idx.points[vector.KindMemories][0]
	assert.Equal(t, []float32{1, 0}, p.Dense)
	assert.Equal(t, "project note", p.Payload["content"])
	assert.Equal(t, "work/app", p.Payload["project_id"])
	assert.Equal(t, 0.0, p.Payload["quality_score"])
	assert.Contains(t, p.Payload, "access_count")
}

func TestBackfill_IncludesSeparateGlobalStore(t *testing.T) {
	backend := newBackend(t)
	seedFixture(t, backend)
	global := newBackend(t)
	_, err := global.InsertMemoriesBatch(context.Background(), []*record.Memory{
		{Content: "shared convention", Embedding: []float32{0, 1}},
	})
	require.NoError(t, err)

	idx := newRecordingIndex()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	report, err := Backfill(context.Background(), backend, idx, BackfillOptions{
		Target: BackfillMemories,
		Global: global,
	}, logger)
	require.NoError(t, err)

	assert.Equal(t, 2, report.GlobalMemories)
	assert.Len(t, idx.points[vector.KindGlobalMemories], 2)
}

func TestBackfill_TargetSelection(t *testing.T) {
	backend := newBackend(t)
	seedFixture(t, backend)
	idx := newRecordingIndex()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := Backfill(context.Background(), backend, idx, BackfillOptions{Target: BackfillDocuments}, logger)
	require.NoError(t, err)
	assert.Len(t, idx.points[vector.KindDocuments], 1)
	assert.Empty(t, idx.points[vector.KindMemories])

	_, err = Backfill(context.Background(), backend, idx, BackfillOptions{Target: "nonsense"}, logger)
	require.Error(t, err)
}
