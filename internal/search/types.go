// Package search implements the hybrid recall pipeline: RRF fusion of
// lexical and dense candidate lanes, temporal query decomposition, the
// boost passes (decay, dead-end, centrality, quality), and MMR
// diversification.
package search

import (
	"context"
	"time"

	"memvault/internal/record"
)

// Candidate is one memory in the recall pipeline. Score is the working
// ranking score mutated by the boost passes; Similarity preserves the
// retrieval-time score for tie-breaking and the readiness header.
type Candidate struct {
	Memory     *record.Memory
	Score      float64
	Similarity float64
}

// Pass describes a single candidate-retrieval round. Embedding may be
// nil, in which case the retriever embeds the query itself.
type Pass struct {
	Query          string
	Embedding      []float32
	Limit          int
	Tags           []string
	Since          *time.Time
	AsOf           *time.Time
	IncludeExpired bool
}

// Retriever produces ranked candidates for one pass. Implementations
// are expected to fold the project filter and validity predicates into
// the underlying query.
type Retriever interface {
	Retrieve(ctx context.Context, p Pass) ([]Candidate, error)
}

// Expander optionally paraphrases a query into extra passes. It is the
// hook for an external collaborator; nil means no expansion.
type Expander interface {
	Expand(ctx context.Context, query string) ([]string, error)
}

// Request is the canonical recall input. IncludeExpired widens the
// candidate pool to invalidated and out-of-validity memories, which are
// otherwise never returned.
type Request struct {
	Query          string
	Embedding      []float32
	Limit          int
	MinScore       float64
	Tags           []string
	Since          *time.Time
	AsOf           *time.Time
	IncludeExpired bool
}

// Readiness summarizes result confidence alongside the hits.
type Readiness struct {
	Count         int     `json:"count"`
	Expected      int     `json:"expected"`
	AvgSimilarity float64 `json:"avg_similarity"`
	Ready         bool    `json:"ready"`
}

// Result is the recall output: the ranked candidates plus the
// readiness header.
type Result struct {
	Candidates []Candidate
	Readiness  Readiness
}
