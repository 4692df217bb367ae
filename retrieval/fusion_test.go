package retrieval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFuseRRFCombinesBothLists(t *testing.T) {
	semantic := []SearchResult{{ChunkID: "a", Score: 0.9}, {ChunkID: "b", Score: 0.5}}
	keyword := []SearchResult{{ChunkID: "b", Score: 2.0}, {ChunkID: "c", Score: 1.0}}

	fused := fuseRRF(semantic, keyword, 60)
	require.Len(t, fused, 3)
	// "b" appears in both lists so it should outrank items appearing in only one.
	require.Equal(t, "b", fused[0].ChunkID)
}

func TestFuseRRFIsUnweighted(t *testing.T) {
	// semantic=[A,B,C,D], keyword=[C,A,E,F], k=60: A and C both appear in
	// both lists and score by the pure rrf_score = 1/(k+rank+1) formula,
	// with no semantic/keyword weight applied. They outrank every chunk
	// that appears in only one list.
	semantic := []SearchResult{{ChunkID: "A"}, {ChunkID: "B"}, {ChunkID: "C"}, {ChunkID: "D"}}
	keyword := []SearchResult{{ChunkID: "C"}, {ChunkID: "A"}, {ChunkID: "E"}, {ChunkID: "F"}}

	fused := fuseRRF(semantic, keyword, 60)
	require.Len(t, fused, 6)

	byID := make(map[string]float64, len(fused))
	for _, r := range fused {
		byID[r.ChunkID] = r.Score
	}
	require.InDelta(t, 1.0/61+1.0/62, byID["A"], 1e-9)
	require.InDelta(t, 1.0/63+1.0/61, byID["C"], 1e-9)
	require.InDelta(t, 1.0/62, byID["B"], 1e-9)
	require.InDelta(t, 1.0/63, byID["E"], 1e-9)

	// Both doubly-matched chunks rank ahead of every singly-matched one.
	require.ElementsMatch(t, []string{"A", "C"}, []string{fused[0].ChunkID, fused[1].ChunkID})
	for _, r := range fused[2:] {
		require.Less(t, byID[r.ChunkID], byID["A"])
		require.Less(t, byID[r.ChunkID], byID["C"])
	}
}

func TestFuseWeightedNormalizesBeforeCombining(t *testing.T) {
	semantic := []SearchResult{{ChunkID: "a", Score: 1.0}, {ChunkID: "b", Score: 0.0}}
	keyword := []SearchResult{{ChunkID: "a", Score: 10.0}, {ChunkID: "b", Score: 0.0}}

	fused := fuseWeighted(semantic, keyword, 0.5, 0.5)
	require.Len(t, fused, 2)
	require.Equal(t, "a", fused[0].ChunkID)
	require.InDelta(t, 1.0, fused[0].Score, 1e-9)
	require.InDelta(t, 0.0, fused[1].Score, 1e-9)
}

func TestFuseLinearUsesRawScores(t *testing.T) {
	semantic := []SearchResult{{ChunkID: "a", Score: 0.8}}
	keyword := []SearchResult{{ChunkID: "a", Score: 0.4}}

	fused := fuseLinear(semantic, keyword, 0.7, 0.3)
	require.Len(t, fused, 1)
	require.InDelta(t, 0.7*0.8+0.3*0.4, fused[0].Score, 1e-9)
}

func TestFuseTieKeepsFirstObservedOrder(t *testing.T) {
	semantic := []SearchResult{{ChunkID: "z", Score: 1.0}, {ChunkID: "a", Score: 1.0}}
	fused := fuseLinear(semantic, nil, 1.0, 0)
	require.Equal(t, "z", fused[0].ChunkID)
	require.Equal(t, "a", fused[1].ChunkID)
}

func TestAdaptiveWeightsFavorsKeywordForShortQuery(t *testing.T) {
	sw, kw := adaptiveWeights("foo bar", 0.7, 0.3)
	require.Less(t, sw, 0.7)
	require.Greater(t, kw, 0.3)
	require.InDelta(t, 1.0, sw+kw, 1e-9)
}

func TestAdaptiveWeightsFavorsSemanticForQuestionQuery(t *testing.T) {
	sw, kw := adaptiveWeights("what are the main differences between these approaches", 0.7, 0.3)
	require.Greater(t, sw, 0.7)
	require.Less(t, kw, 0.3)
	require.InDelta(t, 1.0, sw+kw, 1e-9)
}

func TestAdaptiveWeightsFavorsKeywordForQuotedQuery(t *testing.T) {
	sw, kw := adaptiveWeights(`find the exact phrase "connection refused"`, 0.7, 0.3)
	require.Less(t, sw, 0.7)
	require.Greater(t, kw, 0.3)
}

func TestAdaptiveWeightsClampsAndNormalizes(t *testing.T) {
	sw, kw := adaptiveWeights("a", 0.05, 0.95)
	require.GreaterOrEqual(t, sw, 0.0)
	require.LessOrEqual(t, kw, 1.0)
	require.InDelta(t, 1.0, sw+kw, 1e-9)
}

func TestApplyThresholdFiltersBelowCutoff(t *testing.T) {
	results := []SearchResult{{ChunkID: "a", Score: 0.9}, {ChunkID: "b", Score: 0.1}}
	filtered := applyThreshold(results, 0.5)
	require.Len(t, filtered, 1)
	require.Equal(t, "a", filtered[0].ChunkID)
}

func TestTruncateCapsResultCount(t *testing.T) {
	results := []SearchResult{{ChunkID: "a"}, {ChunkID: "b"}, {ChunkID: "c"}}
	require.Len(t, truncate(results, 2), 2)
	require.Len(t, truncate(results, 0), 3)
}
