package graph

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memvault/internal/record"
	"memvault/internal/store"
)

func newGraph(t *testing.T) (*Graph, *store.SQLiteBackend) {
	t.Helper()
	backend, err := store.NewSQLite(context.Background(), ":memory:", store.DefaultSQLiteOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(backend, nil, logger), backend
}

func seedMemories(t *testing.T, backend *store.SQLiteBackend, contents ...string) []int64 {
	t.Helper()
	memories := make([]*record.Memory, len(contents))
	for i, c := range contents {
		memories[i] = &record.Memory{Content: c}
	}
	ids, err := backend.InsertMemoriesBatch(context.Background(), memories)
	require.NoError(t, err)
	return ids
}

func TestCreateLink_UpsertSemantics(t *testing.T) {
	g, backend := newGraph(t)
	ctx := context.Background()
	ids := seedMemories(t, backend, "a", "b")

	res, err := g.CreateLink(ctx, &record.MemoryLink{
		SourceID: ids[0], TargetID: ids[1], Relation: record.RelationCausedBy, Weight: 0.8,
	})
	require.NoError(t, err)
	assert.True(t, res.Created)

	res2, err := g.CreateLink(ctx, &record.MemoryLink{
		SourceID: ids[0], TargetID: ids[1], Relation: record.RelationCausedBy, Weight: 0.3,
	})
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, res.ID, res2.ID)
}

func TestCreateLink_Validation(t *testing.T) {
	g, backend := newGraph(t)
	ctx := context.Background()
	ids := seedMemories(t, backend, "a")

	_, err := g.CreateLink(ctx, &record.MemoryLink{
		SourceID: ids[0], TargetID: ids[0], Relation: record.RelationRelated,
	})
	require.Error(t, err)

	_, err = g.CreateLink(ctx, &record.MemoryLink{
		SourceID: ids[0], TargetID: 999, Relation: record.RelationRelated,
	})
	require.Error(t, err)
}

func TestAutoLink_ThresholdAndCap(t *testing.T) {
	g, backend := newGraph(t)
	ctx := context.Background()
	ids := seedMemories(t, backend, "self", "close", "closer", "distant", "fourth")

	neighbors := []store.ScoredMemory{
		{Memory: &record.Memory{ID: ids[0]}, Score: 0.99}, // self, skipped
		{Memory: &record.Memory{ID: ids[2]}, Score: 0.95},
		{Memory: &record.Memory{ID: ids[1]}, Score: 0.90},
		{Memory: &record.Memory{ID: ids[3]}, Score: 0.50}, // below threshold
		{Memory: &record.Memory{ID: ids[4]}, Score: 0.88},
	}

	created, err := g.AutoLink(ctx, ids[0], neighbors, 0.85, 2)
	require.NoError(t, err)
	require.Len(t, created, 2)
	for _, l := range created {
		assert.Equal(t, record.RelationSimilarTo, l.Relation)
		assert.NotEqual(t, ids[0], l.TargetID)
		assert.GreaterOrEqual(t, l.Weight, 0.85)
	}
}

func TestFindConnected_DepthAndPath(t *testing.T) {
	g, backend := newGraph(t)
	ctx := context.Background()
	ids := seedMemories(t, backend, "root", "hop1", "hop2", "hop3")

	link := func(src, dst int64) {
		_, _, err := backend.UpsertLink(ctx, &record.MemoryLink{
			SourceID: src, TargetID: dst, Relation: record.RelationLeadsTo, Weight: 1,
		})
		require.NoError(t, err)
	}
	link(ids[0], ids[1])
	link(ids[1], ids[2])
	link(ids[2], ids[3])

	connected, err := g.FindConnected(ctx, ids[0], 2)
	require.NoError(t, err)
	require.Len(t, connected, 2)

	byID := map[int64]ConnectedMemory{}
	for _, c := range connected {
		byID[c.Memory.ID] = c
	}
	assert.Equal(t, 1, byID[ids[1]].Depth)
	assert.Equal(t, []int64{ids[1]}, byID[ids[1]].Path)
	assert.Equal(t, 2, byID[ids[2]].Depth)
	assert.Equal(t, []int64{ids[1], ids[2]}, byID[ids[2]].Path)
	_, reached := byID[ids[3]]
	assert.False(t, reached, "depth 3 is beyond the traversal bound")
}

func TestFindConnected_SkipsInvalidatedAndExpiredLinks(t *testing.T) {
	g, backend := newGraph(t)
	ctx := context.Background()
	ids := seedMemories(t, backend, "root", "live", "dead", "behind-expired-link")

	_, _, err := backend.UpsertLink(ctx, &record.MemoryLink{
		SourceID: ids[0], TargetID: ids[1], Relation: record.RelationRelated, Weight: 1,
	})
	require.NoError(t, err)

	_, _, err = backend.UpsertLink(ctx, &record.MemoryLink{
		SourceID: ids[0], TargetID: ids[2], Relation: record.RelationRelated, Weight: 1,
	})
	require.NoError(t, err)
	require.NoError(t, backend.SetMemoryInvalidated(ctx, ids[2], &ids[1]))

	past := time.Now().Add(-time.Hour)
	expired := &record.MemoryLink{
		SourceID: ids[0], TargetID: ids[3], Relation: record.RelationRelated, Weight: 1,
		ValidUntil: &past,
	}
	_, _, err = backend.UpsertLink(ctx, expired)
	require.NoError(t, err)

	connected, err := g.FindConnected(ctx, ids[0], 2)
	require.NoError(t, err)
	require.Len(t, connected, 1)
	assert.Equal(t, ids[1], connected[0].Memory.ID)
}

func TestComputeStats(t *testing.T) {
	g, backend := newGraph(t)
	ctx := context.Background()
	ids := seedMemories(t, backend, "a", "b", "isolated")

	_, _, err := backend.UpsertLink(ctx, &record.MemoryLink{
		SourceID: ids[0], TargetID: ids[1], Relation: record.RelationImplements, Weight: 1,
	})
	require.NoError(t, err)

	stats, err := g.ComputeStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Memories)
	assert.Equal(t, 1, stats.Links)
	assert.Equal(t, 1, stats.Isolated)
	assert.Equal(t, 1, stats.RelationCounts[record.RelationImplements])
	assert.InDelta(t, 1.0/3.0, stats.AvgLinks, 1e-9)
}

func TestInvalidateLink_KeepsRow(t *testing.T) {
	g, backend := newGraph(t)
	ctx := context.Background()
	ids := seedMemories(t, backend, "a", "b")

	l := &record.MemoryLink{SourceID: ids[0], TargetID: ids[1], Relation: record.RelationRelated, LLMEnriched: true}
	id, _, err := backend.UpsertLink(ctx, l)
	require.NoError(t, err)

	require.NoError(t, g.InvalidateLink(ctx, id))

	links, err := backend.ListLinks(ctx)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.NotNil(t, links[0].ValidUntil)
}

func TestSweepCentrality(t *testing.T) {
	g, backend := newGraph(t)
	ctx := context.Background()
	ids := seedMemories(t, backend, "hub", "spoke1", "spoke2")

	for _, dst := range []int64{ids[1], ids[2]} {
		_, _, err := backend.UpsertLink(ctx, &record.MemoryLink{
			SourceID: ids[0], TargetID: dst, Relation: record.RelationRelated, Weight: 1,
		})
		require.NoError(t, err)
	}

	n, err := g.SweepCentrality(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	hub, err := backend.GetCentrality(ctx, ids[0])
	require.NoError(t, err)
	require.NotNil(t, hub)
	assert.Equal(t, 2, hub.Degree)
	assert.InDelta(t, 1.0, hub.NormalizedDegree, 1e-9)

	spoke, err := backend.GetCentrality(ctx, ids[1])
	require.NoError(t, err)
	assert.InDelta(t, 0.5, spoke.NormalizedDegree, 1e-9)
}

func TestSweepCentrality_EmptyGraph(t *testing.T) {
	g, _ := newGraph(t)
	n, err := g.SweepCentrality(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
