package retrieval

import (
	"sort"
	"strings"
)

// fuse combines semantic and keyword result lists per opts.Method,
// grounded on the retrieval pack's fuseResults (Aman-CERP-amanmcp's
// pkg/searcher/fusion.go), generalized from a fixed RRF-only
// implementation to the spec's three selectable fusion strategies plus
// adaptive weighting.
func (e *Engine) fuse(query string, semantic, keyword []SearchResult, opts HybridOptions) []SearchResult {
	method := opts.Method
	if method == "" {
		method = FusionRRF
	}
	semWeight, kwWeight := opts.SemanticWeight, opts.KeywordWeight
	if semWeight == 0 && kwWeight == 0 {
		semWeight, kwWeight = 0.7, 0.3
	}
	if opts.Adaptive {
		semWeight, kwWeight = adaptiveWeights(query, semWeight, kwWeight)
	}

	switch method {
	case FusionWeighted:
		return fuseWeighted(semantic, keyword, semWeight, kwWeight)
	case FusionLinear:
		return fuseLinear(semantic, keyword, semWeight, kwWeight)
	default:
		k := opts.RRFK
		if k <= 0 {
			k = 60
		}
		return fuseRRF(semantic, keyword, k)
	}
}

// setSourceScore records a sub-retriever's raw score on the fused
// result's metadata under "semantic_score"/"keyword_score", preserving
// the first-seen SearchResult shape per §4.11.
func setSourceScore(r *SearchResult, source string, raw float64) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[source+"_score"] = raw
}

// fuseRRF implements Reciprocal Rank Fusion: rrf_score = 1 / (k + rank +
// 1), summed across the lists a chunk appears in. Pure RRF by
// definition has no semantic/keyword weighting — that tradeoff lives in
// the weighted and linear fusion methods instead.
func fuseRRF(semantic, keyword []SearchResult, k int) []SearchResult {
	scored := map[string]*SearchResult{}
	order := []string{}

	add := func(list []SearchResult, source string) {
		for rank, r := range list {
			score := 1.0 / float64(k+rank+1)
			existing, ok := scored[r.ChunkID]
			if !ok {
				cp := r
				cp.Score = 0
				scored[r.ChunkID] = &cp
				existing = scored[r.ChunkID]
				order = append(order, r.ChunkID)
			}
			existing.Score += score
			setSourceScore(existing, source, r.Score)
		}
	}
	add(semantic, "semantic")
	add(keyword, "keyword")

	for _, id := range order {
		scored[id].Metadata["fusion_method"] = string(FusionRRF)
		scored[id].Metadata["rrf_k"] = k
	}

	return sortedResults(scored, order)
}

// fuseWeighted min-max normalizes each list's raw scores to [0,1], then
// combines with weight*normalized_score, summed across lists.
func fuseWeighted(semantic, keyword []SearchResult, semWeight, kwWeight float64) []SearchResult {
	semNorm := minMaxNormalize(semantic)
	kwNorm := minMaxNormalize(keyword)

	scored := map[string]*SearchResult{}
	order := []string{}

	add := func(list []SearchResult, norm map[string]float64, weight float64, source string) {
		for _, r := range list {
			score := weight * norm[r.ChunkID]
			existing, ok := scored[r.ChunkID]
			if !ok {
				cp := r
				cp.Score = 0
				scored[r.ChunkID] = &cp
				existing = scored[r.ChunkID]
				order = append(order, r.ChunkID)
			}
			existing.Score += score
			setSourceScore(existing, source, r.Score)
		}
	}
	add(semantic, semNorm, semWeight, "semantic")
	add(keyword, kwNorm, kwWeight, "keyword")

	for _, id := range order {
		scored[id].Metadata["fusion_method"] = string(FusionWeighted)
	}

	return sortedResults(scored, order)
}

// fuseLinear combines raw (unnormalized) scores directly with the
// configured weights — appropriate when both sub-retrievers already
// produce comparable [0,1]-ish scores (cosine similarity, ts_rank).
func fuseLinear(semantic, keyword []SearchResult, semWeight, kwWeight float64) []SearchResult {
	scored := map[string]*SearchResult{}
	order := []string{}

	add := func(list []SearchResult, weight float64, source string) {
		for _, r := range list {
			score := weight * r.Score
			existing, ok := scored[r.ChunkID]
			if !ok {
				cp := r
				cp.Score = 0
				scored[r.ChunkID] = &cp
				existing = scored[r.ChunkID]
				order = append(order, r.ChunkID)
			}
			existing.Score += score
			setSourceScore(existing, source, r.Score)
		}
	}
	add(semantic, semWeight, "semantic")
	add(keyword, kwWeight, "keyword")

	for _, id := range order {
		scored[id].Metadata["fusion_method"] = string(FusionLinear)
	}

	return sortedResults(scored, order)
}

func minMaxNormalize(results []SearchResult) map[string]float64 {
	norm := make(map[string]float64, len(results))
	if len(results) == 0 {
		return norm
	}
	min, max := results[0].Score, results[0].Score
	for _, r := range results {
		if r.Score < min {
			min = r.Score
		}
		if r.Score > max {
			max = r.Score
		}
	}
	spread := max - min
	for _, r := range results {
		if spread <= 0 {
			norm[r.ChunkID] = 1
			continue
		}
		norm[r.ChunkID] = (r.Score - min) / spread
	}
	return norm
}

// sortedResults stable-sorts by score desc; ties keep the order in which
// their chunk ids were first observed, so repeated runs over identical
// input are deterministic.
func sortedResults(scored map[string]*SearchResult, order []string) []SearchResult {
	out := make([]SearchResult, 0, len(order))
	for _, id := range order {
		out = append(out, *scored[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

var questionMarkers = []string{"what", "why", "how", "who", "when", "where", "?", "什么", "为什么", "怎么"}

// adaptiveWeights nudges the semantic/keyword split based on surface
// features of the query, then clamps each weight to [0.1, 0.9] and
// re-normalizes so they sum to 1: a short query (<=2 words) nudges
// keyword +0.1, a question marker nudges semantic +0.15, a quoted
// substring nudges keyword +0.2.
func adaptiveWeights(query string, semWeight, kwWeight float64) (float64, float64) {
	q := strings.ToLower(strings.TrimSpace(query))
	words := strings.Fields(q)

	sw, kw := semWeight, kwWeight
	if len(words) <= 2 {
		kw += 0.1
	}
	for _, marker := range questionMarkers {
		if strings.Contains(q, marker) {
			sw += 0.15
			break
		}
	}
	if strings.Contains(query, "\"") {
		kw += 0.2
	}

	sw = clamp(sw, 0.1, 0.9)
	kw = clamp(kw, 0.1, 0.9)
	total := sw + kw
	return sw / total, kw / total
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
