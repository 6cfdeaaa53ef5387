// Package record defines the entity types persisted by memvault.
//
// The relational store owns all rows; the vector index is a derived
// secondary index rebuilt from these records at any time. Identifiers are
// 64-bit integers assigned by the relational backend. Timestamps round-trip
// at one-second resolution; embeddings round-trip exactly within single
// precision.
package record

import (
	"strings"
	"time"
)

// CodePathPrefix marks a document path as source code rather than prose.
const CodePathPrefix = "code:"

// Document is a chunk of text extracted from one source file.
// (file_path, chunk_index) is unique; deleting by file_path removes all
// chunks of that file.
type Document struct {
	ID         int64
	FilePath   string
	ChunkIndex int
	Content    string
	StartLine  int
	EndLine    int
	Embedding  []float32
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsCode reports whether the document path carries the code prefix.
func (d *Document) IsCode() bool {
	return strings.HasPrefix(d.FilePath, CodePathPrefix)
}

// DocType is the payload discriminator for a chunk: "code" or "doc".
func (d *Document) DocType() string {
	if d.IsCode() {
		return "code"
	}
	return "doc"
}

// FileHash tracks per-file content state for incremental re-indexing.
type FileHash struct {
	ID        int64
	FilePath  string
	Hash      string
	IndexedAt time.Time
}

// MemoryType classifies a memory.
type MemoryType string

const (
	TypeObservation MemoryType = "observation"
	TypeDecision    MemoryType = "decision"
	TypeLearning    MemoryType = "learning"
	TypeError       MemoryType = "error"
	TypePattern     MemoryType = "pattern"
	TypeDeadEnd     MemoryType = "dead_end"
)

// ValidMemoryType reports whether t is one of the known memory types.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case TypeObservation, TypeDecision, TypeLearning, TypeError, TypePattern, TypeDeadEnd:
		return true
	}
	return false
}

// DeadEndTag is the tag equivalent of TypeDeadEnd for the ranking boost.
const DeadEndTag = "dead-end"

// Memory is a semantic note with tags, temporal validity, and quality
// scoring. A nil ProjectID scopes the memory globally.
type Memory struct {
	ID             int64
	Content        string
	Tags           []string
	Source         string
	Type           MemoryType
	QualityScore   float64
	QualityFactors map[string]float64
	Embedding      []float32
	AccessCount    int
	LastAccessed   *time.Time
	ValidFrom      *time.Time
	ValidUntil     *time.Time
	CreatedAt      time.Time
	InvalidatedBy  *int64
	ProjectID      *string
}

// EffectiveAt reports whether the memory is effective at time t:
// not invalidated, valid_from ≤ t (or unset), valid_until > t (or unset).
func (m *Memory) EffectiveAt(t time.Time) bool {
	if m.InvalidatedBy != nil {
		return false
	}
	if m.ValidFrom != nil && m.ValidFrom.After(t) {
		return false
	}
	if m.ValidUntil != nil && !m.ValidUntil.After(t) {
		return false
	}
	return true
}

// Expired reports whether the memory's validity interval has passed at t.
func (m *Memory) Expired(t time.Time) bool {
	return m.ValidUntil != nil && !m.ValidUntil.After(t)
}

// HasTag reports whether the memory carries the given tag.
func (m *Memory) HasTag(tag string) bool {
	for _, have := range m.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

// IsDeadEnd reports whether the memory records a failed approach, either
// by type or by tag.
func (m *Memory) IsDeadEnd() bool {
	return m.Type == TypeDeadEnd || m.HasTag(DeadEndTag)
}

// LinkRelation is the type of a directed memory edge.
type LinkRelation string

const (
	RelationRelated     LinkRelation = "related"
	RelationCausedBy    LinkRelation = "caused_by"
	RelationLeadsTo     LinkRelation = "leads_to"
	RelationSimilarTo   LinkRelation = "similar_to"
	RelationContradicts LinkRelation = "contradicts"
	RelationImplements  LinkRelation = "implements"
	RelationSupersedes  LinkRelation = "supersedes"
	RelationReferences  LinkRelation = "references"
)

// ValidRelation reports whether r is one of the known link relations.
func ValidRelation(r LinkRelation) bool {
	switch r {
	case RelationRelated, RelationCausedBy, RelationLeadsTo, RelationSimilarTo,
		RelationContradicts, RelationImplements, RelationSupersedes, RelationReferences:
		return true
	}
	return false
}

// MemoryLink is a directed, typed edge between two memories.
// (source_id, target_id, relation) is unique.
type MemoryLink struct {
	ID          int64
	SourceID    int64
	TargetID    int64
	Relation    LinkRelation
	Weight      float64
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	LLMEnriched bool
	CreatedAt   time.Time
}

// EffectiveAt reports whether the link is effective at time t.
func (l *MemoryLink) EffectiveAt(t time.Time) bool {
	if l.ValidFrom != nil && l.ValidFrom.After(t) {
		return false
	}
	if l.ValidUntil != nil && !l.ValidUntil.After(t) {
		return false
	}
	return true
}

// Centrality is the per-memory connectivity score maintained by the sweep.
type Centrality struct {
	MemoryID         int64
	Degree           int
	NormalizedDegree float64
	UpdatedAt        time.Time
}

// LearningDelta is one append-only journal row summarizing a session.
type LearningDelta struct {
	ID            int64
	MemoriesAdded int
	TypesAdded    map[string]int
	AvgQuality    float64
	Source        string
	CreatedAt     time.Time
}

// TokenFrequency is one row of the lexical scorer's term statistics.
type TokenFrequency struct {
	Token     string
	Frequency int
	ProjectID *string
}

// TokenStat records bytes saved versus feeding raw source to the assistant.
type TokenStat struct {
	ID         int64
	Operation  string
	RawBytes   int64
	SavedBytes int64
	CreatedAt  time.Time
}

// WebSearchEntry is one row of web-search history.
type WebSearchEntry struct {
	ID        int64
	Query     string
	Results   string
	CreatedAt time.Time
}

// Skill is a named, reusable procedure stored alongside memories.
type Skill struct {
	ID          int64
	Name        string
	Description string
	Body        string
	UsageCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NormalizeProjectID lowercases and slash-normalizes a project path for use
// as a filter key. Empty input stays empty (global scope).
func NormalizeProjectID(path string) string {
	return strings.ToLower(strings.ReplaceAll(path, "\\", "/"))
}
