// Package graph maintains the typed edges between memories: explicit
// links, similarity auto-linking, BFS traversal, and the degree
// centrality sweep that feeds the ranking boost.
package graph

import (
	"context"
	"log/slog"
	"time"

	"memvault/internal/errors"
	"memvault/internal/record"
	"memvault/internal/store"
)

// DefaultTraversalDepth bounds FindConnected when the caller passes zero.
const DefaultTraversalDepth = 2

// Graph operates on one project's memory graph.
type Graph struct {
	backend   store.Backend
	projectID *string
	logger    *slog.Logger
}

// New creates a graph over the backend. A nil projectID works on the
// global namespace.
func New(backend store.Backend, projectID *string, logger *slog.Logger) *Graph {
	return &Graph{backend: backend, projectID: projectID, logger: logger}
}

// LinkResult reports an upsert outcome.
type LinkResult struct {
	ID      int64
	Created bool
}

// CreateLink upserts a directed edge. Both endpoints must exist; a
// repeat upsert updates the weight and reports Created=false.
func (g *Graph) CreateLink(ctx context.Context, l *record.MemoryLink) (*LinkResult, error) {
	if l.SourceID == l.TargetID {
		return nil, errors.Validationf("memory %d cannot link to itself", l.SourceID)
	}
	for _, id := range []int64{l.SourceID, l.TargetID} {
		m, err := g.backend.GetMemory(ctx, id)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, errors.Validationf("memory %d not found", id)
		}
	}

	id, created, err := g.backend.UpsertLink(ctx, l)
	if err != nil {
		return nil, err
	}
	return &LinkResult{ID: id, Created: created}, nil
}

// AutoLink creates similar_to edges from a memory to its nearest
// neighbors. Self-links are skipped, weights below the threshold are
// skipped, and at most maxLinks edges are created.
func (g *Graph) AutoLink(ctx context.Context, memoryID int64, neighbors []store.ScoredMemory, threshold float64, maxLinks int) ([]*record.MemoryLink, error) {
	created := []*record.MemoryLink{}
	for _, n := range neighbors {
		if len(created) >= maxLinks {
			break
		}
		if n.Memory.ID == memoryID || n.Score < threshold {
			continue
		}
		link := &record.MemoryLink{
			SourceID: memoryID,
			TargetID: n.Memory.ID,
			Relation: record.RelationSimilarTo,
			Weight:   n.Score,
		}
		if _, _, err := g.backend.UpsertLink(ctx, link); err != nil {
			return created, err
		}
		created = append(created, link)
	}
	return created, nil
}

// ConnectedMemory is one BFS result: the memory, its distance from the
// start, and the id path that reached it (start excluded, self included).
type ConnectedMemory struct {
	Memory *record.Memory
	Depth  int
	Path   []int64
}

// FindConnected walks effective links breadth-first from startID up to
// depth hops. The start memory itself is not returned.
func (g *Graph) FindConnected(ctx context.Context, startID int64, depth int) ([]ConnectedMemory, error) {
	if depth <= 0 {
		depth = DefaultTraversalDepth
	}
	start, err := g.backend.GetMemory(ctx, startID)
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, errors.Validationf("memory %d not found", startID)
	}

	now := time.Now()
	visited := map[int64]bool{startID: true}
	type frontierItem struct {
		id   int64
		path []int64
	}
	frontier := []frontierItem{{id: startID, path: nil}}
	results := []ConnectedMemory{}

	for level := 1; level <= depth && len(frontier) > 0; level++ {
		next := []frontierItem{}
		for _, item := range frontier {
			links, err := g.backend.LinksForMemory(ctx, item.id)
			if err != nil {
				return nil, err
			}
			for _, l := range links {
				if !l.EffectiveAt(now) {
					continue
				}
				neighbor := l.TargetID
				if neighbor == item.id {
					neighbor = l.SourceID
				}
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true

				m, err := g.backend.GetMemory(ctx, neighbor)
				if err != nil {
					return nil, err
				}
				if m == nil || m.InvalidatedBy != nil {
					continue
				}

				path := append(append([]int64{}, item.path...), neighbor)
				results = append(results, ConnectedMemory{Memory: m, Depth: level, Path: path})
				next = append(next, frontierItem{id: neighbor, path: path})
			}
		}
		frontier = next
	}
	return results, nil
}

// Stats summarizes the project's graph.
type Stats struct {
	Memories       int
	Links          int
	AvgLinks       float64
	Isolated       int
	RelationCounts map[record.LinkRelation]int
}

// ComputeStats counts effective links against the project's live
// memories.
func (g *Graph) ComputeStats(ctx context.Context) (*Stats, error) {
	memories, err := g.backend.ListMemories(ctx, store.MemoryFilter{ProjectID: g.projectID})
	if err != nil {
		return nil, err
	}
	links, err := g.backend.ListLinks(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	linked := map[int64]bool{}
	relations := map[record.LinkRelation]int{}
	effective := 0
	for _, l := range links {
		if !l.EffectiveAt(now) {
			continue
		}
		effective++
		relations[l.Relation]++
		linked[l.SourceID] = true
		linked[l.TargetID] = true
	}

	isolated := 0
	for _, m := range memories {
		if !linked[m.ID] {
			isolated++
		}
	}

	stats := &Stats{
		Memories:       len(memories),
		Links:          effective,
		Isolated:       isolated,
		RelationCounts: relations,
	}
	if len(memories) > 0 {
		stats.AvgLinks = float64(effective) / float64(len(memories))
	}
	return stats, nil
}

// InvalidateLink ends a link's validity now. Enriched links are never
// removed from the table, only closed.
func (g *Graph) InvalidateLink(ctx context.Context, id int64) error {
	return g.backend.InvalidateLink(ctx, id, time.Now())
}

// SweepCentrality recomputes degree centrality over effective links and
// persists one row per linked memory. Degree is normalized against the
// maximum degree in the graph.
func (g *Graph) SweepCentrality(ctx context.Context) (int, error) {
	links, err := g.backend.ListLinks(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	degree := map[int64]int{}
	for _, l := range links {
		if !l.EffectiveAt(now) {
			continue
		}
		degree[l.SourceID]++
		degree[l.TargetID]++
	}
	if len(degree) == 0 {
		return 0, nil
	}

	maxDegree := 0
	for _, d := range degree {
		if d > maxDegree {
			maxDegree = d
		}
	}

	rows := make([]*record.Centrality, 0, len(degree))
	for id, d := range degree {
		rows = append(rows, &record.Centrality{
			MemoryID:         id,
			Degree:           d,
			NormalizedDegree: float64(d) / float64(maxDegree),
			UpdatedAt:        now,
		})
	}
	if err := g.backend.UpsertCentrality(ctx, rows); err != nil {
		return 0, err
	}
	g.logger.Debug("centrality sweep complete", "memories", len(rows), "max_degree", maxDegree)
	return len(rows), nil
}
