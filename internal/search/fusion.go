package search

import "sort"

// RRFConstant is the standard reciprocal-rank-fusion smoothing
// parameter. k=60 is empirically validated across domains.
const RRFConstant = 60

// FuseRRF combines ranked candidate lanes with reciprocal rank fusion:
// score(d) = Σ 1/(k + rank_in_lane(d)), ranks 1-indexed, summed over
// the lanes the candidate appears in. Similarity keeps the maximum
// lane score seen for the candidate.
//
// Fused scores are normalized so the best candidate scores 1.0. Ties
// break on higher similarity, then on smaller id.
func FuseRRF(lanes ...[]Candidate) []Candidate {
	merged := map[int64]*Candidate{}
	for _, lane := range lanes {
		for rank, c := range lane {
			f, ok := merged[c.Memory.ID]
			if !ok {
				f = &Candidate{Memory: c.Memory}
				merged[c.Memory.ID] = f
			}
			f.Score += 1 / float64(RRFConstant+rank+1)
			if c.Similarity > f.Similarity {
				f.Similarity = c.Similarity
			}
			if f.Memory.Embedding == nil && c.Memory.Embedding != nil {
				f.Memory = c.Memory
			}
		}
	}

	results := make([]Candidate, 0, len(merged))
	for _, f := range merged {
		results = append(results, *f)
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		return a.Memory.ID < b.Memory.ID
	})

	if len(results) > 0 && results[0].Score > 0 {
		max := results[0].Score
		for i := range results {
			results[i].Score /= max
		}
	}
	return results
}

// unionMax merges extra candidates into base, keeping the maximum
// score and similarity per memory id. Order follows base with new ids
// appended in the extra lane's order.
func unionMax(base, extra []Candidate) []Candidate {
	index := make(map[int64]int, len(base))
	for i, c := range base {
		index[c.Memory.ID] = i
	}
	for _, c := range extra {
		if i, ok := index[c.Memory.ID]; ok {
			if c.Score > base[i].Score {
				base[i].Score = c.Score
			}
			if c.Similarity > base[i].Similarity {
				base[i].Similarity = c.Similarity
			}
			continue
		}
		index[c.Memory.ID] = len(base)
		base = append(base, c)
	}
	return base
}
