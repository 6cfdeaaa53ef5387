// Package transfer implements checkpoints: versioned JSON export,
// destructive or additive restore with id remapping, and backfill of
// the external vector engine from relational rows.
package transfer

import (
	"time"

	"memvault/internal/record"
	"memvault/internal/store"
)

// Version is the checkpoint format version this build reads and writes.
const Version = "1.0"

// Metadata describes the exporting installation.
type Metadata struct {
	Backend        string `json:"backend"`
	EmbeddingModel string `json:"embedding_model"`
	Dimension      int    `json:"dimension"`
}

// Envelope is the checkpoint document. Embeddings serialize as plain
// numeric arrays; timestamps as RFC 3339.
type Envelope struct {
	Version          string              `json:"version"`
	ExportedAt       time.Time           `json:"exported_at"`
	Metadata         Metadata            `json:"metadata"`
	Documents        []DocumentRow       `json:"documents"`
	FileHashes       []FileHashRow       `json:"file_hashes"`
	Memories         []MemoryRow         `json:"memories"`
	MemoryLinks      []LinkRow           `json:"memory_links"`
	Centrality       []CentralityRow     `json:"centrality"`
	GlobalMemories   []MemoryRow         `json:"global_memories"`
	TokenFrequencies []TokenFrequencyRow `json:"token_frequencies"`
	TokenStats       []TokenStatRow      `json:"token_stats"`
}

// DocumentRow is one exported document chunk.
type DocumentRow struct {
	ID         int64     `json:"id"`
	FilePath   string    `json:"file_path"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	StartLine  int       `json:"start_line"`
	EndLine    int       `json:"end_line"`
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FileHashRow is one exported file-hash row.
type FileHashRow struct {
	FilePath  string    `json:"file_path"`
	Hash      string    `json:"hash"`
	IndexedAt time.Time `json:"indexed_at"`
}

// MemoryRow is one exported memory.
type MemoryRow struct {
	ID             int64              `json:"id"`
	Content        string             `json:"content"`
	Tags           []string           `json:"tags,omitempty"`
	Source         string             `json:"source,omitempty"`
	Type           string             `json:"type"`
	QualityScore   float64            `json:"quality_score"`
	QualityFactors map[string]float64 `json:"quality_factors,omitempty"`
	Embedding      []float32          `json:"embedding,omitempty"`
	AccessCount    int                `json:"access_count"`
	LastAccessed   *time.Time         `json:"last_accessed,omitempty"`
	ValidFrom      *time.Time         `json:"valid_from,omitempty"`
	ValidUntil     *time.Time         `json:"valid_until,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	InvalidatedBy  *int64             `json:"invalidated_by,omitempty"`
	ProjectID      *string            `json:"project_id,omitempty"`
}

// LinkRow is one exported memory edge.
type LinkRow struct {
	ID          int64      `json:"id"`
	SourceID    int64      `json:"source_id"`
	TargetID    int64      `json:"target_id"`
	Relation    string     `json:"relation"`
	Weight      float64    `json:"weight"`
	ValidFrom   *time.Time `json:"valid_from,omitempty"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
	LLMEnriched bool       `json:"llm_enriched"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CentralityRow is one exported centrality score.
type CentralityRow struct {
	MemoryID         int64     `json:"memory_id"`
	Degree           int       `json:"degree"`
	NormalizedDegree float64   `json:"normalized_degree"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TokenFrequencyRow is one exported lexical term statistic.
type TokenFrequencyRow struct {
	Token     string  `json:"token"`
	Frequency int     `json:"frequency"`
	ProjectID *string `json:"project_id,omitempty"`
}

// TokenStatRow is one exported token-saving journal row.
type TokenStatRow struct {
	Operation  string    `json:"operation"`
	RawBytes   int64     `json:"raw_bytes"`
	SavedBytes int64     `json:"saved_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

func documentRow(d *record.Document) DocumentRow {
	return DocumentRow{
		ID: d.ID, FilePath: d.FilePath, ChunkIndex: d.ChunkIndex, Content: d.Content,
		StartLine: d.StartLine, EndLine: d.EndLine, Embedding: d.Embedding,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

func (r DocumentRow) record() *record.Document {
	return &record.Document{
		ID: r.ID, FilePath: r.FilePath, ChunkIndex: r.ChunkIndex, Content: r.Content,
		StartLine: r.StartLine, EndLine: r.EndLine, Embedding: r.Embedding,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func memoryRow(m *record.Memory) MemoryRow {
	return MemoryRow{
		ID: m.ID, Content: m.Content, Tags: m.Tags, Source: m.Source, Type: string(m.Type),
		QualityScore: m.QualityScore, QualityFactors: m.QualityFactors, Embedding: m.Embedding,
		AccessCount: m.AccessCount, LastAccessed: m.LastAccessed,
		ValidFrom: m.ValidFrom, ValidUntil: m.ValidUntil, CreatedAt: m.CreatedAt,
		InvalidatedBy: m.InvalidatedBy, ProjectID: m.ProjectID,
	}
}

func (r MemoryRow) record() *record.Memory {
	return &record.Memory{
		ID: r.ID, Content: r.Content, Tags: r.Tags, Source: r.Source, Type: record.MemoryType(r.Type),
		QualityScore: r.QualityScore, QualityFactors: r.QualityFactors, Embedding: r.Embedding,
		AccessCount: r.AccessCount, LastAccessed: r.LastAccessed,
		ValidFrom: r.ValidFrom, ValidUntil: r.ValidUntil, CreatedAt: r.CreatedAt,
		InvalidatedBy: r.InvalidatedBy, ProjectID: r.ProjectID,
	}
}

func linkRow(l *record.MemoryLink) LinkRow {
	return LinkRow{
		ID: l.ID, SourceID: l.SourceID, TargetID: l.TargetID, Relation: string(l.Relation),
		Weight: l.Weight, ValidFrom: l.ValidFrom, ValidUntil: l.ValidUntil,
		LLMEnriched: l.LLMEnriched, CreatedAt: l.CreatedAt,
	}
}

func (r LinkRow) record() *record.MemoryLink {
	return &record.MemoryLink{
		ID: r.ID, SourceID: r.SourceID, TargetID: r.TargetID, Relation: record.LinkRelation(r.Relation),
		Weight: r.Weight, ValidFrom: r.ValidFrom, ValidUntil: r.ValidUntil,
		LLMEnriched: r.LLMEnriched, CreatedAt: r.CreatedAt,
	}
}

// Snapshot flattens the envelope into the restore payload. Global
// memories rejoin the memories slice; their nil project id keeps them
// global.
func (e *Envelope) Snapshot() *store.Snapshot {
	snap := e.ProjectSnapshot()
	for _, r := range e.GlobalMemories {
		snap.Memories = append(snap.Memories, r.record())
	}
	return snap
}

// ProjectSnapshot is the restore payload without the global memories,
// for installations that keep those in their own store.
func (e *Envelope) ProjectSnapshot() *store.Snapshot {
	snap := &store.Snapshot{}
	for _, r := range e.Documents {
		snap.Documents = append(snap.Documents, r.record())
	}
	for _, r := range e.FileHashes {
		snap.FileHashes = append(snap.FileHashes, &record.FileHash{
			FilePath: r.FilePath, Hash: r.Hash, IndexedAt: r.IndexedAt,
		})
	}
	for _, r := range e.Memories {
		snap.Memories = append(snap.Memories, r.record())
	}
	for _, r := range e.MemoryLinks {
		snap.MemoryLinks = append(snap.MemoryLinks, r.record())
	}
	for _, r := range e.Centrality {
		snap.Centrality = append(snap.Centrality, &record.Centrality{
			MemoryID: r.MemoryID, Degree: r.Degree,
			NormalizedDegree: r.NormalizedDegree, UpdatedAt: r.UpdatedAt,
		})
	}
	for _, r := range e.TokenFrequencies {
		snap.TokenFrequencies = append(snap.TokenFrequencies, &record.TokenFrequency{
			Token: r.Token, Frequency: r.Frequency, ProjectID: r.ProjectID,
		})
	}
	for _, r := range e.TokenStats {
		snap.TokenStats = append(snap.TokenStats, &record.TokenStat{
			Operation: r.Operation, RawBytes: r.RawBytes, SavedBytes: r.SavedBytes, CreatedAt: r.CreatedAt,
		})
	}
	return snap
}

// GlobalSnapshot carries only the global memories.
func (e *Envelope) GlobalSnapshot() *store.Snapshot {
	snap := &store.Snapshot{}
	for _, r := range e.GlobalMemories {
		snap.Memories = append(snap.Memories, r.record())
	}
	return snap
}
