package dispatch

import (
	"context"
	"sort"
	"time"

	"memvault/internal/errors"
	"memvault/internal/lexical"
	"memvault/internal/logging"
	"memvault/internal/record"
	"memvault/internal/search"
	"memvault/internal/store"
	"memvault/internal/temporal"
	"memvault/internal/vector"
)

// Recall runs the full memory retrieval pipeline and touches access
// counters on the returned rows.
func (d *Dispatcher) Recall(ctx context.Context, req search.Request) (*search.Result, error) {
	d.mu.Lock()
	d.counters.RecallQueries++
	d.mu.Unlock()

	res, err := d.engine.Recall(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(res.Candidates) > 0 {
		var projectIDs, globalIDs []int64
		for _, c := range res.Candidates {
			if c.Memory.ProjectID == nil {
				globalIDs = append(globalIDs, c.Memory.ID)
			} else {
				projectIDs = append(projectIDs, c.Memory.ID)
			}
		}
		now := time.Now()
		if err := d.backend.TouchMemoryAccess(ctx, projectIDs, now); err != nil {
			d.logger.Warn("access counters not updated", "error", err)
		}
		if err := d.global.TouchMemoryAccess(ctx, globalIDs, now); err != nil {
			d.logger.Warn("access counters not updated", "error", err)
		}
	}
	return res, nil
}

// Retrieve produces one candidate pass for the recall engine: project
// and global memory lanes from the vector engine, fused with the
// lexical lanes, resolved against the relational store.
func (d *Dispatcher) Retrieve(ctx context.Context, p search.Pass) ([]search.Candidate, error) {
	embedding := p.Embedding
	if embedding == nil && d.embedder != nil {
		vec, err := d.embedder.Embed(ctx, p.Query)
		if err != nil {
			logging.Fallback(d.logger, "query embedding", "lexical-only recall", err)
		} else {
			embedding = vec
		}
	}

	kinds := []vector.Kind{vector.KindGlobalMemories}
	if d.projectID != "" {
		kinds = append([]vector.Kind{vector.KindMemories}, kinds...)
	}

	lanes := [][]search.Candidate{}
	for _, kind := range kinds {
		lane, err := d.memoryLane(ctx, kind, p, embedding)
		if err != nil {
			return nil, err
		}
		if len(lane) > 0 {
			lanes = append(lanes, lane)
		}
	}

	for _, scope := range d.memoryScopes() {
		lane, err := d.lexicalLane(ctx, scope, p)
		if err != nil {
			return nil, err
		}
		if len(lane) > 0 {
			lanes = append(lanes, lane)
		}
	}

	candidates := search.FuseRRF(lanes...)
	candidates = d.applyPassFilters(candidates, p)
	if len(candidates) > p.Limit && p.Limit > 0 {
		candidates = candidates[:p.Limit]
	}
	return candidates, nil
}

// memoryLane queries one collection through the strategy chain:
// server-side hybrid, then dense-only, then relational cosine. Each
// step down logs a categorized warning.
func (d *Dispatcher) memoryLane(ctx context.Context, kind vector.Kind, p search.Pass, embedding []float32) ([]search.Candidate, error) {
	filter := d.namespaceFilter(kind, p.Tags, p.Since)
	if !p.IncludeExpired {
		ref := temporal.ReferenceTime(p.AsOf, time.Now())
		filter = vector.And(filter, vector.EffectiveAt(ref))
	}

	if embedding != nil {
		hybrid, err := d.index.HasHybridSchema(ctx, kind)
		if err != nil && !errors.IsUnsupported(err) {
			logging.Fallback(d.logger, "hybrid schema probe", "dense search", err)
		}
		if err == nil && hybrid {
			hits, err := d.index.HybridSearch(ctx, kind, p.Query, embedding, p.Limit, filter)
			if err == nil {
				return d.resolveMemories(ctx, kind, hits)
			}
			logging.Fallback(d.logger, "server hybrid search", "dense search", err)
		}

		hits, err := d.index.SearchDense(ctx, kind, embedding, p.Limit, filter)
		if err == nil {
			return d.resolveMemories(ctx, kind, hits)
		}
		logging.Fallback(d.logger, "dense search", "relational cosine search", err)

		scored, err := errors.RetryTransientResult(ctx, func() ([]store.ScoredMemory, error) {
			return d.backendFor(kind).SearchMemoriesByEmbedding(ctx, embedding, p.Limit, d.relationalFilter(kind, p))
		})
		if err != nil {
			return nil, err
		}
		lane := make([]search.Candidate, 0, len(scored))
		for _, s := range scored {
			lane = append(lane, search.Candidate{Memory: s.Memory, Score: s.Score, Similarity: s.Score})
		}
		return lane, nil
	}
	return nil, nil
}

// lexicalLane runs one BM25 scope and resolves ids relationally.
func (d *Dispatcher) lexicalLane(ctx context.Context, scope lexical.Scope, p search.Pass) ([]search.Candidate, error) {
	results, err := d.lexical.Search(ctx, p.Query, scope, p.Limit)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	backend := d.backend
	if scope == lexical.ScopeGlobalMemories {
		backend = d.global
	}
	memories, err := backend.GetMemoriesBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*record.Memory, len(memories))
	for _, m := range memories {
		byID[m.ID] = m
	}
	lane := make([]search.Candidate, 0, len(results))
	for _, r := range results {
		m, ok := byID[r.ID]
		if !ok {
			continue
		}
		if m.InvalidatedBy != nil && !p.IncludeExpired {
			continue
		}
		lane = append(lane, search.Candidate{Memory: m, Score: r.Score, Similarity: r.Score})
	}
	return lane, nil
}

// resolveMemories turns vector hits into candidates backed by full
// relational rows; hits whose rows vanished are dropped.
func (d *Dispatcher) resolveMemories(ctx context.Context, kind vector.Kind, hits []vector.Hit) ([]search.Candidate, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	memories, err := d.backendFor(kind).GetMemoriesBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*record.Memory, len(memories))
	for _, m := range memories {
		byID[m.ID] = m
	}
	lane := make([]search.Candidate, 0, len(hits))
	for _, h := range hits {
		m, ok := byID[h.ID]
		if !ok {
			continue
		}
		lane = append(lane, search.Candidate{Memory: m, Score: h.Score, Similarity: h.Score})
	}
	return lane, nil
}

// applyPassFilters re-checks tag, since, and validity clauses in
// process. The server lanes already filter these; the relational and
// lexical fallbacks do not.
func (d *Dispatcher) applyPassFilters(candidates []search.Candidate, p search.Pass) []search.Candidate {
	ref := temporal.ReferenceTime(p.AsOf, time.Now())
	kept := candidates[:0]
	for _, c := range candidates {
		m := c.Memory
		if !p.IncludeExpired && !m.EffectiveAt(ref) {
			continue
		}
		if p.Since != nil && m.CreatedAt.Before(*p.Since) {
			continue
		}
		match := true
		for _, tag := range p.Tags {
			if !m.HasTag(tag) {
				match = false
				break
			}
		}
		if match {
			kept = append(kept, c)
		}
	}
	return kept
}

// relationalFilter maps a collection kind and pass onto the relational
// driver's filter.
func (d *Dispatcher) relationalFilter(kind vector.Kind, p search.Pass) store.MemoryFilter {
	f := store.MemoryFilter{IncludeInvalidated: p.IncludeExpired}
	if kind == vector.KindMemories && d.projectID != "" {
		pid := d.projectID
		f.ProjectID = &pid
	}
	return f
}

func (d *Dispatcher) memoryScopes() []lexical.Scope {
	if d.projectID == "" {
		return []lexical.Scope{lexical.ScopeGlobalMemories}
	}
	return []lexical.Scope{lexical.ScopeProjectMemories, lexical.ScopeGlobalMemories}
}

func sortHits(hits []vector.Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}
