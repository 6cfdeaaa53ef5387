// Package ingest turns a working tree into document rows: discovery,
// line-aligned chunking, and a per-file hash gate so unchanged files
// are never re-embedded.
package ingest

import (
	"context"
	"log/slog"
	"os"
	"time"

	"memvault/internal/config"
	"memvault/internal/dispatch"
	"memvault/internal/freshness"
	"memvault/internal/record"
	"memvault/internal/store"
)

// File is one input to the pipeline: a project-relative path and its
// content.
type File struct {
	Path    string
	Content []byte
}

// Report summarizes one ingest run.
type Report struct {
	Files   int // files whose chunks were (re)written
	Chunks  int
	Skipped int // unchanged hash, nothing touched
}

// Pipeline chunks files and routes them through the dispatcher.
type Pipeline struct {
	disp    *dispatch.Dispatcher
	backend store.Backend
	chunker *Chunker
	logger  *slog.Logger
}

// NewPipeline wires a pipeline with chunk sizes from config.
func NewPipeline(disp *dispatch.Dispatcher, backend store.Backend, cfg *config.Config, logger *slog.Logger) *Pipeline {
	size, overlap := DefaultChunkSize, DefaultChunkOverlap
	if cfg != nil {
		size, overlap = cfg.ChunkSize, cfg.ChunkOverlap
	}
	return &Pipeline{
		disp:    disp,
		backend: backend,
		chunker: NewChunker(size, overlap),
		logger:  logger,
	}
}

// IngestRoot discovers, reads, and ingests every indexable file under
// root. Binary files are skipped after the read.
func (p *Pipeline) IngestRoot(ctx context.Context, root string, opts DiscoverOptions) (*Report, error) {
	sources, err := Discover(root, opts)
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(sources))
	for _, src := range sources {
		content, readErr := os.ReadFile(src.AbsPath)
		if readErr != nil {
			p.logger.Warn("file not read", "path", src.RelPath, "error", readErr)
			continue
		}
		if isBinary(content) {
			continue
		}
		files = append(files, File{Path: src.RelPath, Content: content})
	}
	return p.IngestFiles(ctx, files)
}

// IngestFiles runs the hash gate over the given files: unchanged files
// are skipped, changed files have their chunks replaced, new files are
// chunked and embedded.
func (p *Pipeline) IngestFiles(ctx context.Context, files []File) (*Report, error) {
	hashes, err := p.backend.ListFileHashes(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]string, len(hashes))
	for _, h := range hashes {
		known[h.FilePath] = h.Hash
	}

	report := &Report{}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		path := StorePath(f.Path)
		sum := freshness.HashBytes(f.Content)
		prev, seen := known[path]
		if seen && prev == sum {
			report.Skipped++
			continue
		}
		if seen {
			if _, delErr := p.disp.DeleteDocumentsByPath(ctx, path); delErr != nil {
				return report, delErr
			}
		}

		docs := p.chunker.Chunk(path, f.Content)
		if len(docs) == 0 {
			report.Skipped++
			continue
		}
		hash := &record.FileHash{FilePath: path, Hash: sum, IndexedAt: time.Now().UTC()}
		if _, upErr := p.disp.UpsertDocumentsBatchHashed(ctx, docs, []*record.FileHash{hash}); upErr != nil {
			return report, upErr
		}
		report.Files++
		report.Chunks += len(docs)
	}
	return report, nil
}

// RemoveFile drops a file's chunks and hash row, trying both the plain
// and code-prefixed forms of the path.
func (p *Pipeline) RemoveFile(ctx context.Context, rel string) (int, error) {
	removed, err := p.disp.DeleteDocumentsByPath(ctx, StorePath(rel))
	if err != nil {
		return 0, err
	}
	if removed == 0 && StorePath(rel) != rel {
		return p.disp.DeleteDocumentsByPath(ctx, rel)
	}
	return removed, nil
}
