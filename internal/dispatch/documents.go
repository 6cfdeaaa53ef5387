package dispatch

import (
	"context"

	"memvault/internal/errors"
	"memvault/internal/lexical"
	"memvault/internal/logging"
	"memvault/internal/record"
	"memvault/internal/search"
	"memvault/internal/store"
	"memvault/internal/vector"
)

// DocKind narrows a document search to one chunk type. Values match the
// doc_type payload field.
type DocKind string

const (
	DocAny   DocKind = ""
	DocCode  DocKind = "code"
	DocProse DocKind = "doc"
)

// UpsertDocumentsBatch embeds (when needed) and persists document
// chunks, then mirrors them into the vector engine in one batch.
func (d *Dispatcher) UpsertDocumentsBatch(ctx context.Context, docs []*record.Document) ([]int64, error) {
	if len(docs) == 0 {
		return []int64{}, nil
	}
	for _, doc := range docs {
		if doc.FilePath == "" {
			return nil, errors.Validation("document file path must not be empty")
		}
	}

	if d.embedder != nil {
		missing := []*record.Document{}
		texts := []string{}
		for _, doc := range docs {
			if doc.Embedding == nil {
				missing = append(missing, doc)
				texts = append(texts, doc.Content)
			}
		}
		if len(missing) > 0 {
			vecs, err := d.embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return nil, err
			}
			for i, doc := range missing {
				doc.Embedding = vecs[i]
			}
		}
	}

	ids, err := errors.RetryTransientResult(ctx, func() ([]int64, error) {
		return d.backend.InsertDocumentsBatch(ctx, docs)
	})
	if err != nil {
		return nil, err
	}

	points := make([]vector.Point, 0, len(docs))
	for i, doc := range docs {
		doc.ID = ids[i]
		scope := lexical.ScopeProjectDocs
		if doc.IsCode() {
			scope = lexical.ScopeProjectCode
		}
		d.lexical.Add(scope, doc.ID, doc.Content)
		if doc.Embedding != nil {
			points = append(points, d.documentPoint(doc))
		}
	}
	if len(points) > 0 {
		if err := d.index.UpsertBatch(ctx, vector.KindDocuments, points); err != nil {
			logging.DriftWarning(d.logger, "document vector batch sync", int64(len(points)), err)
		}
	}
	return ids, nil
}

// UpsertDocumentsBatchHashed is the incremental-index variant: it
// records the per-file content hashes alongside the chunks so the next
// pass can skip unchanged files.
func (d *Dispatcher) UpsertDocumentsBatchHashed(ctx context.Context, docs []*record.Document, hashes []*record.FileHash) ([]int64, error) {
	ids, err := d.UpsertDocumentsBatch(ctx, docs)
	if err != nil {
		return nil, err
	}
	for _, h := range hashes {
		if err := d.backend.UpsertFileHash(ctx, h); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// DeleteDocumentsByPath removes every chunk of a file from the
// relational store, the vector engine, and the lexical index. Returns
// the number of chunks removed.
func (d *Dispatcher) DeleteDocumentsByPath(ctx context.Context, path string) (int, error) {
	ids, err := d.backend.DeleteDocumentsByPath(ctx, path)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := d.index.Delete(ctx, vector.KindDocuments, ids); err != nil {
		logging.DriftWarning(d.logger, "document vector delete", int64(len(ids)), err)
	}

	scope := lexical.ScopeProjectDocs
	if (&record.Document{FilePath: path}).IsCode() {
		scope = lexical.ScopeProjectCode
	}
	for _, id := range ids {
		d.lexical.Remove(scope, id)
	}

	if err := d.backend.DeleteFileHash(ctx, path); err != nil {
		d.logger.Warn("stale file hash left behind", "path", path, "error", err)
	}
	return len(ids), nil
}

// SearchDocuments runs hybrid retrieval over document chunks with the
// standard fallback chain. kind narrows the result to code or prose
// chunks; DocAny searches both.
func (d *Dispatcher) SearchDocuments(ctx context.Context, query string, embedding []float32, k int, kind DocKind) ([]store.ScoredDocument, error) {
	d.mu.Lock()
	d.counters.SearchQueries++
	d.mu.Unlock()

	if embedding == nil && d.embedder != nil {
		vec, err := d.embedder.Embed(ctx, query)
		if err != nil {
			logging.Fallback(d.logger, "query embedding", "lexical-only document search", err)
		} else {
			embedding = vec
		}
	}

	hits, err := d.documentHits(ctx, query, embedding, k, kind)
	if err != nil {
		return nil, err
	}
	return d.resolveDocuments(ctx, hits, k, kind)
}

// documentHits walks the strategy chain: server hybrid, then dense,
// then relational cosine, each fused with the lexical lanes.
func (d *Dispatcher) documentHits(ctx context.Context, query string, embedding []float32, k int, kind DocKind) ([]vector.Hit, error) {
	filter := documentFilter(kind)
	if embedding != nil {
		hybrid, err := d.index.HasHybridSchema(ctx, vector.KindDocuments)
		if err == nil && hybrid {
			hits, err := d.index.HybridSearch(ctx, vector.KindDocuments, query, embedding, k, filter)
			if err == nil {
				return hits, nil
			}
			logging.Fallback(d.logger, "server hybrid document search", "dense document search", err)
		}

		hits, err := d.index.SearchDense(ctx, vector.KindDocuments, embedding, k, filter)
		if err == nil {
			return d.fuseDocumentLanes(ctx, query, hits, k, kind)
		}
		logging.Fallback(d.logger, "dense document search", "relational document search", err)

		scored, err := errors.RetryTransientResult(ctx, func() ([]store.ScoredDocument, error) {
			return d.backend.SearchDocumentsByEmbedding(ctx, embedding, k)
		})
		if err != nil {
			return nil, err
		}
		hits = make([]vector.Hit, 0, len(scored))
		for _, s := range scored {
			hits = append(hits, vector.Hit{ID: s.Document.ID, Score: s.Score})
		}
		return d.fuseDocumentLanes(ctx, query, hits, k, kind)
	}
	return d.fuseDocumentLanes(ctx, query, nil, k, kind)
}

// documentFilter narrows a vector query by chunk type.
func documentFilter(kind DocKind) *vector.Filter {
	if kind == DocAny {
		return nil
	}
	return &vector.Filter{Must: []vector.Condition{vector.Match("doc_type", string(kind))}}
}

// documentScopes selects the lexical lanes for a chunk type.
func documentScopes(kind DocKind) []lexical.Scope {
	switch kind {
	case DocCode:
		return []lexical.Scope{lexical.ScopeProjectCode}
	case DocProse:
		return []lexical.Scope{lexical.ScopeProjectDocs}
	}
	return []lexical.Scope{lexical.ScopeProjectCode, lexical.ScopeProjectDocs}
}

// fuseDocumentLanes merges dense hits with the lexical document scopes
// by reciprocal rank.
func (d *Dispatcher) fuseDocumentLanes(ctx context.Context, query string, dense []vector.Hit, k int, kind DocKind) ([]vector.Hit, error) {
	type lane struct {
		ids    []int64
		scores []float64
	}
	lanes := []lane{}
	if len(dense) > 0 {
		l := lane{}
		for _, h := range dense {
			l.ids = append(l.ids, h.ID)
			l.scores = append(l.scores, h.Score)
		}
		lanes = append(lanes, l)
	}
	for _, scope := range documentScopes(kind) {
		results, err := d.lexical.Search(ctx, query, scope, k)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			continue
		}
		l := lane{}
		for _, r := range results {
			l.ids = append(l.ids, r.ID)
			l.scores = append(l.scores, r.Score)
		}
		lanes = append(lanes, l)
	}

	fused := map[int64]*vector.Hit{}
	order := []int64{}
	for _, l := range lanes {
		for rank, id := range l.ids {
			h, ok := fused[id]
			if !ok {
				h = &vector.Hit{ID: id}
				fused[id] = h
				order = append(order, id)
			}
			h.Score += 1 / float64(search.RRFConstant+rank+1)
		}
	}
	out := make([]vector.Hit, 0, len(order))
	for _, id := range order {
		out = append(out, *fused[id])
	}
	sortHits(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// resolveDocuments fetches the full rows and re-checks the chunk type;
// the relational and builtin paths ignore vector filters.
func (d *Dispatcher) resolveDocuments(ctx context.Context, hits []vector.Hit, k int, kind DocKind) ([]store.ScoredDocument, error) {
	out := make([]store.ScoredDocument, 0, len(hits))
	for _, h := range hits {
		if len(out) >= k {
			break
		}
		doc, err := d.backend.GetDocument(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		if kind != DocAny && doc.DocType() != string(kind) {
			continue
		}
		out = append(out, store.ScoredDocument{Document: doc, Score: h.Score})
	}
	return out, nil
}

func (d *Dispatcher) documentPoint(doc *record.Document) vector.Point {
	payload := map[string]any{
		"doc_type":    doc.DocType(),
		"content":     doc.Content,
		"file_path":   doc.FilePath,
		"chunk_index": float64(doc.ChunkIndex),
		"start_line":  float64(doc.StartLine),
		"end_line":    float64(doc.EndLine),
	}
	if d.projectID != "" {
		payload["project_id"] = d.projectID
	}
	return vector.Point{
		ID:      doc.ID,
		Dense:   doc.Embedding,
		Text:    doc.Content,
		Payload: payload,
	}
}
