package dispatch

import (
	"context"
	"time"

	"memvault/internal/errors"
	"memvault/internal/graph"
	"memvault/internal/lexical"
	"memvault/internal/logging"
	"memvault/internal/record"
	"memvault/internal/store"
	"memvault/internal/vector"
)

// SaveOptions tunes a memory save.
type SaveOptions struct {
	// Deduplicate skips the save when a near-identical memory exists.
	Deduplicate bool
	// DedupThreshold overrides DefaultDedupThreshold when > 0.
	DedupThreshold float64
	// Global saves into the cross-project namespace regardless of the
	// dispatcher's project.
	Global bool
}

// DefaultSaveOptions enables dedup at the standard threshold.
func DefaultSaveOptions() SaveOptions {
	return SaveOptions{Deduplicate: true, DedupThreshold: DefaultDedupThreshold}
}

// SaveResult reports a save outcome. Created=false with a non-nil
// Duplicate means the content matched an existing memory.
type SaveResult struct {
	ID        int64
	Created   bool
	Duplicate *Similar
}

// Similar is one near-duplicate candidate.
type Similar struct {
	ID      int64
	Score   float64
	Content string
}

// SaveMemory embeds (when needed), deduplicates, persists, and syncs
// one memory. Vector sync failure is logged as drift, never fatal.
func (d *Dispatcher) SaveMemory(ctx context.Context, m *record.Memory, opts SaveOptions) (*SaveResult, error) {
	if m.Content == "" {
		return nil, errors.Validation("memory content must not be empty")
	}
	if m.Type != "" && !record.ValidMemoryType(m.Type) {
		return nil, errors.Validationf("unknown memory type %q", m.Type)
	}
	if opts.Global {
		m.ProjectID = nil
	} else {
		d.scopeMemory(m)
	}

	if m.Embedding == nil && d.embedder != nil {
		vec, err := d.embedder.Embed(ctx, m.Content)
		if err != nil {
			return nil, err
		}
		m.Embedding = vec
	}

	threshold := opts.DedupThreshold
	if threshold <= 0 {
		threshold = DefaultDedupThreshold
	}
	if opts.Deduplicate && m.Embedding != nil {
		dup, err := d.FindSimilar(ctx, d.memoryKind(m), m.Embedding, threshold)
		if err != nil {
			logging.Fallback(d.logger, "dedup check", "saving without dedup", err)
		} else if dup != nil {
			d.mu.Lock()
			d.counters.MemoriesDuplicated++
			d.mu.Unlock()
			return &SaveResult{ID: dup.ID, Created: false, Duplicate: dup}, nil
		}
	}

	id, err := errors.RetryTransientResult(ctx, func() (int64, error) {
		return d.memoryBackend(m).InsertMemory(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	m.ID = id

	d.syncMemory(ctx, m)
	d.lexical.Add(d.memoryScope(m), id, m.Content)

	d.mu.Lock()
	d.counters.MemoriesCreated++
	if m.Type != "" {
		d.counters.TypesCreated[m.Type]++
	}
	d.qualitySum += m.QualityScore
	d.mu.Unlock()

	return &SaveResult{ID: id, Created: true}, nil
}

// SaveMemoriesBatch persists a list with per-item dedup in order, then
// syncs the created rows in one vector batch.
func (d *Dispatcher) SaveMemoriesBatch(ctx context.Context, memories []*record.Memory, opts SaveOptions) ([]*SaveResult, error) {
	results := make([]*SaveResult, 0, len(memories))
	created := []*record.Memory{}

	for _, m := range memories {
		if m.Content == "" {
			return results, errors.Validation("memory content must not be empty")
		}
		if opts.Global {
			m.ProjectID = nil
		} else {
			d.scopeMemory(m)
		}
		if m.Embedding == nil && d.embedder != nil {
			vec, err := d.embedder.Embed(ctx, m.Content)
			if err != nil {
				return results, err
			}
			m.Embedding = vec
		}

		threshold := opts.DedupThreshold
		if threshold <= 0 {
			threshold = DefaultDedupThreshold
		}
		if opts.Deduplicate && m.Embedding != nil {
			dup, err := d.FindSimilar(ctx, d.memoryKind(m), m.Embedding, threshold)
			if err == nil && dup != nil {
				d.mu.Lock()
				d.counters.MemoriesDuplicated++
				d.mu.Unlock()
				results = append(results, &SaveResult{ID: dup.ID, Created: false, Duplicate: dup})
				continue
			}
		}

		id, err := d.memoryBackend(m).InsertMemory(ctx, m)
		if err != nil {
			return results, err
		}
		m.ID = id
		created = append(created, m)
		d.lexical.Add(d.memoryScope(m), id, m.Content)
		results = append(results, &SaveResult{ID: id, Created: true})

		d.mu.Lock()
		d.counters.MemoriesCreated++
		if m.Type != "" {
			d.counters.TypesCreated[m.Type]++
		}
		d.qualitySum += m.QualityScore
		d.mu.Unlock()
	}

	d.syncMemoriesBatch(ctx, created)
	return results, nil
}

// FindSimilar is the dedup primitive: nearest memory by dense
// similarity at or above the threshold. Content comes from the vector
// payload when the schema carries it; older collections fall back to
// an id-only hit plus a relational fetch.
func (d *Dispatcher) FindSimilar(ctx context.Context, kind vector.Kind, embedding []float32, threshold float64) (*Similar, error) {
	hits, err := d.index.SearchDense(ctx, kind, embedding, 1, d.memoryFilter(kind, nil, nil))
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 || hits[0].Score < threshold {
		return nil, nil
	}

	hit := hits[0]
	if content, ok := hit.Content(); ok {
		return &Similar{ID: hit.ID, Score: hit.Score, Content: content}, nil
	}

	m, err := d.backendFor(kind).GetMemory(ctx, hit.ID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	return &Similar{ID: hit.ID, Score: hit.Score, Content: m.Content}, nil
}

// InvalidateMemory marks a memory superseded by another and re-syncs
// the vector payload so filtered queries exclude it.
func (d *Dispatcher) InvalidateMemory(ctx context.Context, id, supersededBy int64) error {
	m, backend, err := d.findMemory(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return errors.Validationf("memory %d not found", id)
	}
	if err := backend.SetMemoryInvalidated(ctx, id, &supersededBy); err != nil {
		return err
	}
	m.InvalidatedBy = &supersededBy
	d.syncMemory(ctx, m)
	d.lexical.Remove(d.memoryScope(m), id)
	return nil
}

// RestoreMemory clears the superseded flag and re-syncs the payload.
func (d *Dispatcher) RestoreMemory(ctx context.Context, id int64) error {
	m, backend, err := d.findMemory(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return errors.Validationf("memory %d not found", id)
	}
	if err := backend.SetMemoryInvalidated(ctx, id, nil); err != nil {
		return err
	}
	m.InvalidatedBy = nil
	d.syncMemory(ctx, m)
	d.lexical.Add(d.memoryScope(m), id, m.Content)
	return nil
}

// DeleteMemory hard-deletes a memory everywhere: the relational row with
// its links and centrality, the vector point, and the lexical posting.
func (d *Dispatcher) DeleteMemory(ctx context.Context, id int64) error {
	m, backend, err := d.findMemory(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return errors.Validationf("memory %d not found", id)
	}
	if err := backend.DeleteMemory(ctx, id); err != nil {
		return err
	}
	if err := d.index.Delete(ctx, d.memoryKind(m), []int64{id}); err != nil {
		logging.DriftWarning(d.logger, "memory vector delete", id, err)
	}
	d.lexical.Remove(d.memoryScope(m), id)
	return nil
}

// MemoryWithLinks pairs a memory with its currently effective links.
type MemoryWithLinks struct {
	Memory *record.Memory
	Links  []*record.MemoryLink
}

// GetMemoryWithLinks fetches one memory and the links effective now.
// Returns nil when the id is unknown.
func (d *Dispatcher) GetMemoryWithLinks(ctx context.Context, id int64) (*MemoryWithLinks, error) {
	m, backend, err := d.findMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	links, err := backend.LinksForMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	effective := make([]*record.MemoryLink, 0, len(links))
	for _, l := range links {
		if l.EffectiveAt(now) {
			effective = append(effective, l)
		}
	}
	return &MemoryWithLinks{Memory: m, Links: effective}, nil
}

// AutoLinkSimilar queries the vector index for a memory's nearest
// neighbors and creates similar_to edges to those above the threshold.
func (d *Dispatcher) AutoLinkSimilar(ctx context.Context, id int64, threshold float64, maxLinks int) ([]*record.MemoryLink, error) {
	m, backend, err := d.findMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.Validationf("memory %d not found", id)
	}
	if m.Embedding == nil {
		if d.embedder == nil {
			return nil, errors.Validationf("memory %d has no embedding", id)
		}
		vec, err := d.embedder.Embed(ctx, m.Content)
		if err != nil {
			return nil, err
		}
		m.Embedding = vec
	}

	kind := d.memoryKind(m)
	// One extra hit; the memory itself usually ranks first.
	hits, err := d.index.SearchDense(ctx, kind, m.Embedding, maxLinks+1, d.memoryFilter(kind, nil, nil))
	if err != nil {
		return nil, err
	}
	neighbors := make([]store.ScoredMemory, 0, len(hits))
	for _, h := range hits {
		if h.ID == id {
			continue
		}
		n, err := backend.GetMemory(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		if n == nil {
			continue
		}
		neighbors = append(neighbors, store.ScoredMemory{Memory: n, Score: h.Score})
	}

	g := graph.New(backend, m.ProjectID, d.logger)
	return g.AutoLink(ctx, id, neighbors, threshold, maxLinks)
}

// scopeMemory stamps the dispatcher's project id onto a memory that has
// none. Explicitly global memories keep a nil project id only when the
// dispatcher itself is global.
func (d *Dispatcher) scopeMemory(m *record.Memory) {
	if m.ProjectID == nil && d.projectID != "" {
		pid := d.projectID
		m.ProjectID = &pid
	}
}

func (d *Dispatcher) memoryKind(m *record.Memory) vector.Kind {
	if m.ProjectID == nil {
		return vector.KindGlobalMemories
	}
	return vector.KindMemories
}

func (d *Dispatcher) memoryScope(m *record.Memory) lexical.Scope {
	if m.ProjectID == nil {
		return lexical.ScopeGlobalMemories
	}
	return lexical.ScopeProjectMemories
}

// namespaceFilter scopes a query to the collection's project namespace
// with optional tag and since clauses, without any validity predicate.
func (d *Dispatcher) namespaceFilter(kind vector.Kind, tags []string, since *time.Time) *vector.Filter {
	project := d.projectID
	if kind == vector.KindGlobalMemories {
		project = ""
	}
	f := vector.ProjectFilter(project)
	for _, tag := range tags {
		f.Must = append(f.Must, vector.Match("tags", tag))
	}
	if since != nil {
		f.Must = append(f.Must, vector.RangeGTE("created_at", float64(since.UTC().Unix())))
	}
	return f
}

// memoryFilter is the standard read filter: namespace plus not
// invalidated.
func (d *Dispatcher) memoryFilter(kind vector.Kind, tags []string, since *time.Time) *vector.Filter {
	f := d.namespaceFilter(kind, tags, since)
	f.Must = append(f.Must, vector.NotInvalidated())
	return f
}

// syncMemory mirrors one memory into the vector engine. Drift is
// logged, not returned.
func (d *Dispatcher) syncMemory(ctx context.Context, m *record.Memory) {
	if m.Embedding == nil {
		return
	}
	err := d.index.Upsert(ctx, d.memoryKind(m), memoryPoint(m))
	if err != nil {
		logging.DriftWarning(d.logger, "memory vector sync", m.ID, err)
	}
}

func (d *Dispatcher) syncMemoriesBatch(ctx context.Context, memories []*record.Memory) {
	byKind := map[vector.Kind][]vector.Point{}
	for _, m := range memories {
		if m.Embedding == nil {
			continue
		}
		k := d.memoryKind(m)
		byKind[k] = append(byKind[k], memoryPoint(m))
	}
	for kind, points := range byKind {
		if err := d.index.UpsertBatch(ctx, kind, points); err != nil {
			logging.DriftWarning(d.logger, "memory vector batch sync", int64(len(points)), err)
		}
	}
}

// memoryPoint renders the vector payload for a memory. Validity fields
// use unix seconds to match the filter DSL.
func memoryPoint(m *record.Memory) vector.Point {
	payload := map[string]any{
		"content":       m.Content,
		"type":          string(m.Type),
		"created_at":    float64(m.CreatedAt.UTC().Unix()),
		"quality_score": m.QualityScore,
		"access_count":  float64(m.AccessCount),
	}
	if m.Source != "" {
		payload["source"] = m.Source
	}
	if m.ProjectID != nil {
		payload["project_id"] = *m.ProjectID
	}
	if len(m.Tags) > 0 {
		payload["tags"] = m.Tags
	}
	if v := vector.ValidityTimestamp(m.LastAccessed); v != nil {
		payload["last_accessed"] = v
	}
	if m.InvalidatedBy != nil {
		payload["invalidated_by"] = float64(*m.InvalidatedBy)
	}
	if v := vector.ValidityTimestamp(m.ValidFrom); v != nil {
		payload["valid_from"] = v
	}
	if v := vector.ValidityTimestamp(m.ValidUntil); v != nil {
		payload["valid_until"] = v
	}
	return vector.Point{ID: m.ID, Dense: m.Embedding, Text: m.Content, Payload: payload}
}
