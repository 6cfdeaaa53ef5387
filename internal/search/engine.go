package search

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"memvault/internal/config"
	"memvault/internal/record"
	"memvault/internal/temporal"
)

// decaySkipWindow is the candidate age under which temporal decay is
// skipped entirely. Decaying a set of uniformly fresh memories only
// reshuffles noise.
const decaySkipWindow = 24 * time.Hour

// candidateMultiplier sizes the retrieval passes relative to the
// requested limit so the boost passes and MMR have headroom.
const candidateMultiplier = 3

// maxExpansions caps the extra passes contributed by query expansion.
const maxExpansions = 3

// Params tunes the recall pipeline. Zero value disables every boost.
type Params struct {
	DefaultTopK      int
	TemporalAutoSkip bool
	UseTemporalDecay bool
	Decay            temporal.DecayParams

	DeadEndBoost float64

	CentralityEnabled bool
	CentralityWeight  float64

	QualityBoostEnabled bool
	QualityBoostWeight  float64

	MMREnabled bool
	MMRLambda  float64

	QueryExpansionEnabled bool
}

// ParamsFromConfig maps the retrieval, retention, and graph sections
// onto pipeline parameters.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		DefaultTopK:      cfg.Retrieval.DefaultTopK,
		TemporalAutoSkip: cfg.Retrieval.TemporalAutoSkip,
		UseTemporalDecay: cfg.Retention.UseTemporalDecay,
		Decay: temporal.DecayParams{
			Lambda:         cfg.Retention.DecayRate,
			AccessWeight:   cfg.Retention.AccessWeight,
			MaxAccessBoost: cfg.Retention.MaxAccessBoost,
		},
		DeadEndBoost:          cfg.DeadEndBoost,
		CentralityEnabled:     cfg.Graph.Centrality.Enabled,
		CentralityWeight:      cfg.Graph.Centrality.Weight,
		QualityBoostEnabled:   cfg.Retrieval.QualityBoostEnabled,
		QualityBoostWeight:    cfg.Retrieval.QualityBoostWeight,
		MMREnabled:            cfg.Retrieval.MMREnabled,
		MMRLambda:             cfg.Retrieval.MMRLambda,
		QueryExpansionEnabled: cfg.Retrieval.QueryExpansionEnabled,
	}
}

// CentralitySource supplies the normalized degree per memory for the
// centrality boost.
type CentralitySource interface {
	ListCentrality(ctx context.Context) ([]*record.Centrality, error)
}

// Engine runs recall end to end over a candidate retriever.
type Engine struct {
	retriever  Retriever
	decomposer *TemporalDecomposer
	expander   Expander
	centrality CentralitySource
	params     Params
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine builds a recall engine. expander may be nil; centrality
// may be nil when the boost is disabled.
func NewEngine(retriever Retriever, centrality CentralitySource, expander Expander, params Params, logger *slog.Logger) *Engine {
	return &Engine{
		retriever:  retriever,
		decomposer: NewTemporalDecomposer(),
		expander:   expander,
		centrality: centrality,
		params:     params,
		logger:     logger,
		now:        time.Now,
	}
}

// Recall retrieves, boosts, diversifies, and ranks memories for a
// query.
func (e *Engine) Recall(ctx context.Context, req Request) (*Result, error) {
	k := req.Limit
	if k <= 0 {
		k = e.params.DefaultTopK
	}
	fetch := k * candidateMultiplier

	base := Pass{Query: req.Query, Embedding: req.Embedding, Limit: fetch, Tags: req.Tags, Since: req.Since, AsOf: req.AsOf, IncludeExpired: req.IncludeExpired}
	candidates, err := e.retriever.Retrieve(ctx, base)
	if err != nil {
		return nil, err
	}

	// One extra pass per temporal endpoint, union by id keeping the
	// max score.
	for _, sub := range e.decomposer.Decompose(req.Query) {
		extra, err := e.retriever.Retrieve(ctx, Pass{Query: sub, Limit: fetch, Tags: req.Tags, Since: req.Since, AsOf: req.AsOf, IncludeExpired: req.IncludeExpired})
		if err != nil {
			e.logger.Warn("temporal sub-query pass failed", "sub_query", sub, "error", err)
			continue
		}
		candidates = unionMax(candidates, extra)
	}

	if e.params.QueryExpansionEnabled && e.expander != nil {
		expansions, err := e.expander.Expand(ctx, req.Query)
		if err != nil {
			e.logger.Warn("query expansion failed", "error", err)
		}
		if len(expansions) > maxExpansions {
			expansions = expansions[:maxExpansions]
		}
		for _, q := range expansions {
			extra, err := e.retriever.Retrieve(ctx, Pass{Query: q, Limit: fetch, Tags: req.Tags, Since: req.Since, AsOf: req.AsOf, IncludeExpired: req.IncludeExpired})
			if err != nil {
				e.logger.Warn("expansion pass failed", "error", err)
				continue
			}
			candidates = unionMax(candidates, extra)
		}
	}

	now := e.now()
	if !req.IncludeExpired {
		candidates = e.filterAsOf(candidates, req.AsOf)
	}
	e.applyDecay(candidates, now)
	e.applyDeadEndBoost(candidates)
	if err := e.applyCentralityBoost(ctx, candidates); err != nil {
		e.logger.Warn("centrality boost skipped", "error", err)
	}
	e.applyQualityBoost(candidates)
	candidates = filterMinScore(candidates, req.MinScore)

	sortCandidates(candidates)
	if e.params.MMREnabled && len(candidates) > k {
		candidates = mmrRerank(candidates, e.params.MMRLambda, k)
	} else if len(candidates) > k {
		candidates = candidates[:k]
	}

	return &Result{Candidates: candidates, Readiness: readiness(candidates, k)}, nil
}

// filterAsOf applies the point-in-time post-filter. Rows superseded by
// a newer memory stay hidden even under as-of: the cutoff substitutes
// the validity clock, not the knowledge horizon.
func (e *Engine) filterAsOf(candidates []Candidate, asOf *time.Time) []Candidate {
	if asOf == nil {
		return candidates
	}
	kept := candidates[:0]
	for _, c := range candidates {
		if c.Memory.InvalidatedBy != nil {
			continue
		}
		if temporal.VisibleAt(c.Memory, *asOf) {
			kept = append(kept, c)
		}
	}
	return kept
}

func (e *Engine) applyDecay(candidates []Candidate, now time.Time) {
	if !e.params.UseTemporalDecay || len(candidates) == 0 {
		return
	}
	if e.params.TemporalAutoSkip {
		memories := make([]*record.Memory, len(candidates))
		for i, c := range candidates {
			memories[i] = c.Memory
		}
		if temporal.AllYoungerThan(memories, decaySkipWindow, now) {
			return
		}
	}
	for i := range candidates {
		c := &candidates[i]
		c.Score = temporal.DecayedScore(c.Score, c.Memory.CreatedAt, c.Memory.AccessCount, now, e.params.Decay)
	}
}

func (e *Engine) applyDeadEndBoost(candidates []Candidate) {
	if e.params.DeadEndBoost <= 0 {
		return
	}
	for i := range candidates {
		if !candidates[i].Memory.IsDeadEnd() {
			continue
		}
		if s := candidates[i].Score + e.params.DeadEndBoost; s < 1 {
			candidates[i].Score = s
		} else {
			candidates[i].Score = 1
		}
	}
}

func (e *Engine) applyCentralityBoost(ctx context.Context, candidates []Candidate) error {
	if !e.params.CentralityEnabled || e.centrality == nil || len(candidates) == 0 {
		return nil
	}
	rows, err := e.centrality.ListCentrality(ctx)
	if err != nil {
		return err
	}
	degrees := make(map[int64]float64, len(rows))
	for _, r := range rows {
		degrees[r.MemoryID] = r.NormalizedDegree
	}
	for i := range candidates {
		if d, ok := degrees[candidates[i].Memory.ID]; ok {
			candidates[i].Score *= 1 + e.params.CentralityWeight*d
		}
	}
	return nil
}

func (e *Engine) applyQualityBoost(candidates []Candidate) {
	if !e.params.QualityBoostEnabled {
		return
	}
	w := e.params.QualityBoostWeight
	for i := range candidates {
		candidates[i].Score *= 1 - w + w*candidates[i].Memory.QualityScore
	}
}

func filterMinScore(candidates []Candidate, min float64) []Candidate {
	if min <= 0 {
		return candidates
	}
	kept := candidates[:0]
	for _, c := range candidates {
		if c.Score >= min {
			kept = append(kept, c)
		}
	}
	return kept
}

// sortCandidates orders by score, then similarity, then recency, then
// smaller id.
func sortCandidates(candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.Memory.CreatedAt.Equal(b.Memory.CreatedAt) {
			return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})
}

func readiness(candidates []Candidate, expected int) Readiness {
	r := Readiness{Count: len(candidates), Expected: expected, Ready: len(candidates) > 0}
	if len(candidates) == 0 {
		return r
	}
	sum := 0.0
	for _, c := range candidates {
		sum += c.Similarity
	}
	r.AvgSimilarity = sum / float64(len(candidates))
	return r
}
