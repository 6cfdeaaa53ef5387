// Package store provides the relational persistence layer. The Backend
// interface is implemented by an embedded SQLite driver and a networked
// Postgres driver; both expose the same row semantics so the dispatcher
// never cares which one it holds.
//
// The relational store is the source of truth. Vector collections are a
// derived index rebuilt from these rows at any time.
package store

import (
	"context"
	"time"

	"memvault/internal/record"
)

// MemoryFilter narrows memory reads. A nil ProjectID selects the global
// namespace (project_id IS NULL); a set ProjectID matches
// case-insensitively. Zero values of the other fields mean "no filter".
type MemoryFilter struct {
	ProjectID          *string
	AllProjects        bool
	Type               record.MemoryType
	Tag                string
	IncludeInvalidated bool
	EffectiveAt        *time.Time
	Limit              int
}

// ScoredMemory pairs a memory with a similarity score.
type ScoredMemory struct {
	Memory *record.Memory
	Score  float64
}

// ScoredDocument pairs a document with a similarity score.
type ScoredDocument struct {
	Document *record.Document
	Score    float64
}

// Snapshot is the full-table payload used by restore. Slices may be nil
// when a table is absent from the source archive.
type Snapshot struct {
	Documents        []*record.Document
	FileHashes       []*record.FileHash
	Memories         []*record.Memory
	MemoryLinks      []*record.MemoryLink
	Centrality       []*record.Centrality
	TokenFrequencies []*record.TokenFrequency
	TokenStats       []*record.TokenStat
}

// IDMap records how restore renumbered rows: old id to new id.
type IDMap struct {
	Documents map[int64]int64
	Memories  map[int64]int64
}

// Backend is the relational driver contract. Readers return nil (not an
// error) for rows that do not exist. Batch writes are atomic; batch
// inserts return ids in input order.
type Backend interface {
	// Documents.
	InsertDocument(ctx context.Context, d *record.Document) (int64, error)
	InsertDocumentsBatch(ctx context.Context, docs []*record.Document) ([]int64, error)
	GetDocument(ctx context.Context, id int64) (*record.Document, error)
	GetDocumentsByPath(ctx context.Context, path string) ([]*record.Document, error)
	ListDocuments(ctx context.Context) ([]*record.Document, error)
	DeleteDocumentsByPath(ctx context.Context, path string) ([]int64, error)
	SearchDocumentsByEmbedding(ctx context.Context, embedding []float32, k int) ([]ScoredDocument, error)

	// File hashes.
	UpsertFileHash(ctx context.Context, h *record.FileHash) error
	ListFileHashes(ctx context.Context) ([]*record.FileHash, error)
	DeleteFileHash(ctx context.Context, path string) error

	// Memories. The project namespace is the memory's own ProjectID; reads
	// filter per MemoryFilter.
	InsertMemory(ctx context.Context, m *record.Memory) (int64, error)
	InsertMemoriesBatch(ctx context.Context, memories []*record.Memory) ([]int64, error)
	GetMemory(ctx context.Context, id int64) (*record.Memory, error)
	GetMemoriesBatch(ctx context.Context, ids []int64) ([]*record.Memory, error)
	ListMemories(ctx context.Context, f MemoryFilter) ([]*record.Memory, error)
	DeleteMemory(ctx context.Context, id int64) error
	SetMemoryInvalidated(ctx context.Context, id int64, invalidatedBy *int64) error
	SetMemoryValidity(ctx context.Context, id int64, validFrom, validUntil *time.Time) error
	TouchMemoryAccess(ctx context.Context, ids []int64, at time.Time) error
	UpdateMemoryQuality(ctx context.Context, id int64, score float64, factors map[string]float64) error
	SearchMemoriesByEmbedding(ctx context.Context, embedding []float32, k int, f MemoryFilter) ([]ScoredMemory, error)

	// Memory links.
	UpsertLink(ctx context.Context, l *record.MemoryLink) (id int64, created bool, err error)
	ListLinks(ctx context.Context) ([]*record.MemoryLink, error)
	LinksForMemory(ctx context.Context, memoryID int64) ([]*record.MemoryLink, error)
	InvalidateLink(ctx context.Context, id int64, at time.Time) error

	// Centrality.
	UpsertCentrality(ctx context.Context, rows []*record.Centrality) error
	GetCentrality(ctx context.Context, memoryID int64) (*record.Centrality, error)
	ListCentrality(ctx context.Context) ([]*record.Centrality, error)

	// Token statistics.
	UpsertTokenFrequencies(ctx context.Context, rows []*record.TokenFrequency) error
	ListTokenFrequencies(ctx context.Context) ([]*record.TokenFrequency, error)
	InsertTokenStat(ctx context.Context, s *record.TokenStat) (int64, error)
	ListTokenStats(ctx context.Context, limit int) ([]*record.TokenStat, error)

	// Web-search history.
	InsertWebSearch(ctx context.Context, e *record.WebSearchEntry) (int64, error)
	ListWebSearches(ctx context.Context, limit int) ([]*record.WebSearchEntry, error)

	// Skills.
	UpsertSkill(ctx context.Context, s *record.Skill) (int64, error)
	GetSkillByName(ctx context.Context, name string) (*record.Skill, error)
	ListSkills(ctx context.Context) ([]*record.Skill, error)

	// Learning deltas.
	InsertLearningDelta(ctx context.Context, d *record.LearningDelta) (int64, error)
	ListLearningDeltas(ctx context.Context, limit int) ([]*record.LearningDelta, error)

	// RestoreSnapshot loads a snapshot in one transaction. Destructive mode
	// wipes all tables first; additive mode appends. Rows are renumbered;
	// the id map translates link endpoints and centrality references, which
	// RestoreSnapshot itself applies before insert.
	RestoreSnapshot(ctx context.Context, snap *Snapshot, destructive bool) (*IDMap, error)

	Ping(ctx context.Context) error
	Close() error
}
