package watcher

import (
	"context"
	"log/slog"

	"memvault/internal/freshness"
	"memvault/internal/lexical"
	"memvault/internal/store"
)

// Refresher consumes debounced batches and reconciles the store: it
// classifies indexed files against the tree and invalidates the
// document scopes of the lexical index so the next search rebuilds
// from current rows.
type Refresher struct {
	root    string
	backend store.Backend
	lex     *lexical.Index
	logger  *slog.Logger

	// OnReport, when set, receives each classification result.
	OnReport func(*freshness.Report)
}

// NewRefresher wires a refresher over the backend and lexical index.
func NewRefresher(root string, backend store.Backend, lex *lexical.Index, logger *slog.Logger) *Refresher {
	return &Refresher{root: root, backend: backend, lex: lex, logger: logger}
}

// Run processes batches until the channel closes or the context ends.
func (r *Refresher) Run(ctx context.Context, batches <-chan []Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			r.refresh(ctx, batch)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context, batch []Event) {
	hashes, err := r.backend.ListFileHashes(ctx)
	if err != nil {
		r.logger.Warn("freshness scan skipped", "error", err)
		return
	}

	// Only classify rows touched by this batch; untouched files keep
	// their standing.
	touched := map[string]Op{}
	for _, ev := range batch {
		touched[freshness.NormalizePath(ev.Path)] = ev.Op
	}
	known := map[string]bool{}
	relevant := hashes[:0]
	for _, h := range hashes {
		path := freshness.NormalizePath(h.FilePath)
		if _, ok := touched[path]; ok {
			known[path] = true
			relevant = append(relevant, h)
		}
	}

	report, err := freshness.Classify(ctx, r.root, relevant)
	if err != nil {
		r.logger.Warn("freshness classification failed", "error", err)
		return
	}

	// Files the store has never seen need a first indexing pass.
	for path, op := range touched {
		if !known[path] && op != OpDelete {
			report.Stale = append(report.Stale, path)
		}
	}

	if len(report.Stale) > 0 || len(report.Deleted) > 0 {
		r.lex.Invalidate(lexical.ScopeProjectCode)
		r.lex.Invalidate(lexical.ScopeProjectDocs)
		r.logger.Info("index out of date",
			"stale", len(report.Stale),
			"deleted", len(report.Deleted),
			"fresh", len(report.Fresh))
	}
	if r.OnReport != nil {
		r.OnReport(report)
	}
}
