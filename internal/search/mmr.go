package search

import (
	"memvault/internal/store"
)

// mmrRerank applies maximal marginal relevance over the candidates'
// dense embeddings and returns the top k in selection order:
//
//	mmr(c) = λ·score(c) - (1-λ)·max_{s∈selected} cos(c, s)
//
// Candidates without an embedding carry zero redundancy and compete on
// score alone. lambda=1 degenerates to plain score ordering.
func mmrRerank(candidates []Candidate, lambda float64, k int) []Candidate {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	if k > len(candidates) {
		k = len(candidates)
	}

	remaining := make([]Candidate, len(candidates))
	copy(remaining, candidates)
	selected := make([]Candidate, 0, k)

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := 0
		bestVal := mmrValue(remaining[0], selected, lambda)
		for i := 1; i < len(remaining); i++ {
			if v := mmrValue(remaining[i], selected, lambda); v > bestVal {
				bestIdx, bestVal = i, v
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func mmrValue(c Candidate, selected []Candidate, lambda float64) float64 {
	redundancy := 0.0
	if c.Memory.Embedding != nil {
		for _, s := range selected {
			if s.Memory.Embedding == nil {
				continue
			}
			if sim := store.Cosine(c.Memory.Embedding, s.Memory.Embedding); sim > redundancy {
				redundancy = sim
			}
		}
	}
	return lambda*c.Score - (1-lambda)*redundancy
}
