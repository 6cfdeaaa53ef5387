package transfer

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"memvault/internal/errors"
	"memvault/internal/record"
	"memvault/internal/store"
	"memvault/internal/vector"
)

// backfillWorkers bounds concurrent upsert batches against the vector
// engine.
const backfillWorkers = 4

// BackfillTarget selects which collections to stream.
type BackfillTarget string

const (
	BackfillAll       BackfillTarget = "all"
	BackfillDocuments BackfillTarget = "documents"
	BackfillMemories  BackfillTarget = "memories"
)

// BackfillReport counts what the run did, or would do under dry-run.
type BackfillReport struct {
	Documents      int
	Memories       int
	GlobalMemories int
	Skipped        int
	DryRun         bool
}

// BackfillOptions tunes a backfill run. Global is the separate
// cross-project store when one is configured; ProjectID stamps document
// payloads with the indexing namespace.
type BackfillOptions struct {
	Target    BackfillTarget
	DryRun    bool
	Global    store.Backend
	ProjectID string
}

// Backfill streams relational rows that carry embeddings into the
// vector engine. Rows without embeddings are counted and skipped; the
// relational store stays untouched.
func Backfill(ctx context.Context, backend store.Backend, index vector.Index, opts BackfillOptions, logger *slog.Logger) (*BackfillReport, error) {
	switch opts.Target {
	case BackfillAll, BackfillDocuments, BackfillMemories:
	default:
		return nil, errors.Validationf("unknown backfill target %q", opts.Target)
	}

	report := &BackfillReport{DryRun: opts.DryRun}
	batches := map[vector.Kind][][]vector.Point{}

	if opts.Target == BackfillAll || opts.Target == BackfillDocuments {
		docs, err := backend.ListDocuments(ctx)
		if err != nil {
			return nil, err
		}
		points := []vector.Point{}
		for _, d := range docs {
			if d.Embedding == nil {
				report.Skipped++
				continue
			}
			report.Documents++
			points = append(points, documentBackfillPoint(d, opts.ProjectID))
		}
		batches[vector.KindDocuments] = chunkPoints(points)
	}

	if opts.Target == BackfillAll || opts.Target == BackfillMemories {
		memories, err := listAllMemories(ctx, backend)
		if err != nil {
			return nil, err
		}
		if opts.Global != nil {
			more, err := listAllMemories(ctx, opts.Global)
			if err != nil {
				return nil, err
			}
			memories = append(memories, more...)
		}
		project := []vector.Point{}
		global := []vector.Point{}
		for _, m := range memories {
			if m.Embedding == nil {
				report.Skipped++
				continue
			}
			p := memoryBackfillPoint(m)
			if m.ProjectID == nil {
				report.GlobalMemories++
				global = append(global, p)
			} else {
				report.Memories++
				project = append(project, p)
			}
		}
		batches[vector.KindMemories] = chunkPoints(project)
		batches[vector.KindGlobalMemories] = chunkPoints(global)
	}

	if opts.DryRun {
		return report, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backfillWorkers)
	for kind, kindBatches := range batches {
		for _, batch := range kindBatches {
			kind, batch := kind, batch
			g.Go(func() error {
				return errors.RetryTransient(gctx, func() error {
					return index.UpsertBatch(gctx, kind, batch)
				})
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Info("backfill complete",
		"documents", report.Documents,
		"memories", report.Memories,
		"global_memories", report.GlobalMemories,
		"skipped", report.Skipped)
	return report, nil
}

// documentBackfillPoint mirrors the payload the dispatcher writes on
// document upsert.
func documentBackfillPoint(d *record.Document, projectID string) vector.Point {
	payload := map[string]any{
		"doc_type":    d.DocType(),
		"content":     d.Content,
		"file_path":   d.FilePath,
		"chunk_index": float64(d.ChunkIndex),
		"start_line":  float64(d.StartLine),
		"end_line":    float64(d.EndLine),
	}
	if projectID != "" {
		payload["project_id"] = projectID
	}
	return vector.Point{ID: d.ID, Dense: d.Embedding, Text: d.Content, Payload: payload}
}

// memoryBackfillPoint mirrors the payload the dispatcher writes on
// save, so backfilled rows filter identically.
func memoryBackfillPoint(m *record.Memory) vector.Point {
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

func chunkPoints(points []vector.Point) [][]vector.Point {
	if len(points) == 0 {
		return nil
	}
	batches := [][]vector.Point{}
	for start := 0; start < len(points); start += vector.UpsertBatchSize {
		end := start + vector.UpsertBatchSize
		if end > len(points) {
			end = len(points)
		}
		batches = append(batches, points[start:end])
	}
	return batches
}
