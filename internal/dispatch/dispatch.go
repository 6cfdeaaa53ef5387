// Package dispatch is the single entry point over the relational
// backend, the vector engine, the lexical index, and the embedder. It
// routes writes to every store that needs them, runs reads through an
// ordered fallback chain, and keeps the per-session counters.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"memvault/internal/embed"
	"memvault/internal/lexical"
	"memvault/internal/record"
	"memvault/internal/search"
	"memvault/internal/store"
	"memvault/internal/vector"
)

// DefaultDedupThreshold is the dense similarity above which a save is
// treated as a duplicate.
const DefaultDedupThreshold = 0.95

// Counters tracks one session's activity. Readable without resetting;
// FlushLearningDelta persists and resets the creation counters.
type Counters struct {
	MemoriesCreated    int
	MemoriesDuplicated int
	RecallQueries      int
	SearchQueries      int
	WebQueries         int
	TypesCreated       map[record.MemoryType]int
	Cost               float64
	StartedAt          time.Time
}

// Dispatcher fans writes out to the relational backend, the vector
// engine, and the lexical index, and serves reads with fallback.
type Dispatcher struct {
	backend   store.Backend
	global    store.Backend
	index     vector.Index
	embedder  embed.Embedder
	lexical   *lexical.Index
	engine    *search.Engine
	projectID string
	logger    *slog.Logger

	mu         sync.Mutex
	counters   Counters
	qualitySum float64
}

var _ search.Retriever = (*Dispatcher)(nil)

// New builds a dispatcher for one project. projectPath may be empty for
// the global namespace; it is lowercased and slash-normalized before
// use as a filter key. Global memories share the project backend.
func New(backend store.Backend, index vector.Index, embedder embed.Embedder, projectPath string, params search.Params, logger *slog.Logger) *Dispatcher {
	return NewWithGlobal(backend, nil, index, embedder, projectPath, params, logger)
}

// NewWithGlobal routes the global memory namespace to its own store, so
// memories shared across projects live in one file. A nil global falls
// back to the project backend.
func NewWithGlobal(backend, global store.Backend, index vector.Index, embedder embed.Embedder, projectPath string, params search.Params, logger *slog.Logger) *Dispatcher {
	if global == nil {
		global = backend
	}
	d := &Dispatcher{
		backend:   backend,
		global:    global,
		index:     index,
		embedder:  embedder,
		projectID: record.NormalizeProjectID(projectPath),
		logger:    logger,
		counters: Counters{
			TypesCreated: map[record.MemoryType]int{},
			StartedAt:    time.Now(),
		},
	}
	d.lexical = lexical.New(d.loadScope)
	// Rows may predate this process; every scope rebuilds lazily from
	// the backend on its first search.
	for _, scope := range []lexical.Scope{
		lexical.ScopeProjectCode, lexical.ScopeProjectDocs,
		lexical.ScopeProjectMemories, lexical.ScopeGlobalMemories,
	} {
		d.lexical.Invalidate(scope)
	}
	d.engine = search.NewEngine(d, backend, nil, params, logger)
	return d
}

// ProjectID returns the normalized project filter key.
func (d *Dispatcher) ProjectID() string { return d.projectID }

// Lexical exposes the lexical index for snapshotting and invalidation.
func (d *Dispatcher) Lexical() *lexical.Index { return d.lexical }

// Snapshot returns a copy of the session counters.
func (d *Dispatcher) Snapshot() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.counters
	c.TypesCreated = make(map[record.MemoryType]int, len(d.counters.TypesCreated))
	for k, v := range d.counters.TypesCreated {
		c.TypesCreated[k] = v
	}
	return c
}

// AddCost adds to the session cost tally.
func (d *Dispatcher) AddCost(amount float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters.Cost += amount
}

// FlushLearningDelta writes the session's creation counters as one
// journal row and resets them. A session with no created memories
// writes nothing.
func (d *Dispatcher) FlushLearningDelta(ctx context.Context, source string) (*record.LearningDelta, error) {
	d.mu.Lock()
	created := d.counters.MemoriesCreated
	types := make(map[string]int, len(d.counters.TypesCreated))
	for k, v := range d.counters.TypesCreated {
		types[string(k)] = v
	}
	avg := 0.0
	if created > 0 {
		avg = d.qualitySum / float64(created)
	}
	d.mu.Unlock()

	if created == 0 {
		return nil, nil
	}

	delta := &record.LearningDelta{
		MemoriesAdded: created,
		TypesAdded:    types,
		AvgQuality:    avg,
		Source:        source,
	}
	id, err := d.backend.InsertLearningDelta(ctx, delta)
	if err != nil {
		return nil, err
	}
	delta.ID = id

	d.mu.Lock()
	d.counters.MemoriesCreated = 0
	d.counters.TypesCreated = map[record.MemoryType]int{}
	d.qualitySum = 0
	d.mu.Unlock()
	return delta, nil
}

// RecordWebSearch journals one web-search round trip and bumps the
// counter.
func (d *Dispatcher) RecordWebSearch(ctx context.Context, query, results string) error {
	_, err := d.backend.InsertWebSearch(ctx, &record.WebSearchEntry{Query: query, Results: results})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.counters.WebQueries++
	d.mu.Unlock()
	return nil
}

// loadScope feeds the lexical index's lazy rebuild from the relational
// backend.
func (d *Dispatcher) loadScope(ctx context.Context, scope lexical.Scope) ([]lexical.Doc, error) {
	switch scope {
	case lexical.ScopeProjectCode, lexical.ScopeProjectDocs:
		docs, err := d.backend.ListDocuments(ctx)
		if err != nil {
			return nil, err
		}
		out := []lexical.Doc{}
		for _, doc := range docs {
			if doc.IsCode() == (scope == lexical.ScopeProjectCode) {
				out = append(out, lexical.Doc{ID: doc.ID, Text: doc.Content})
			}
		}
		return out, nil

	case lexical.ScopeProjectMemories:
		if d.projectID == "" {
			return nil, nil
		}
		return d.loadMemoryScope(ctx, &d.projectID)

	case lexical.ScopeGlobalMemories:
		return d.loadMemoryScope(ctx, nil)
	}
	return nil, nil
}

func (d *Dispatcher) loadMemoryScope(ctx context.Context, projectID *string) ([]lexical.Doc, error) {
	memories, err := d.backendForProject(projectID).ListMemories(ctx, store.MemoryFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	out := make([]lexical.Doc, 0, len(memories))
	for _, m := range memories {
		out = append(out, lexical.Doc{ID: m.ID, Text: m.Content})
	}
	return out, nil
}

// backendFor maps a collection kind onto the store that owns its rows.
func (d *Dispatcher) backendFor(kind vector.Kind) store.Backend {
	if kind == vector.KindGlobalMemories {
		return d.global
	}
	return d.backend
}

func (d *Dispatcher) backendForProject(projectID *string) store.Backend {
	if projectID == nil {
		return d.global
	}
	return d.backend
}

func (d *Dispatcher) memoryBackend(m *record.Memory) store.Backend {
	return d.backendForProject(m.ProjectID)
}

// findMemory locates a row by id, trying the project store first and the
// global store second. Returns the row and its owning store, or nil.
func (d *Dispatcher) findMemory(ctx context.Context, id int64) (*record.Memory, store.Backend, error) {
	m, err := d.backend.GetMemory(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if m != nil {
		return m, d.backend, nil
	}
	if d.global == d.backend {
		return nil, nil, nil
	}
	m, err = d.global.GetMemory(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if m == nil {
		return nil, nil, nil
	}
	return m, d.global, nil
}

// Close releases the vector engine. The backend is owned by the caller.
func (d *Dispatcher) Close() error {
	return d.index.Close()
}
