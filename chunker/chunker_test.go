package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	c := New(Config{})
	require.Equal(t, StrategyRecursive, c.cfg.Strategy)
	require.Equal(t, 1000, c.cfg.TargetSize)
	require.Equal(t, 200, c.cfg.Overlap)
}

func TestNewSemanticHasNoDefaultOverlap(t *testing.T) {
	c := New(Config{Strategy: StrategySemantic})
	require.Equal(t, 0, c.cfg.Overlap)
}

func TestChunkFixedCoversWholeText(t *testing.T) {
	text := strings.Repeat("a", 2500)
	c := New(Config{Strategy: StrategyFixed, TargetSize: 1000, Overlap: 200})
	chunks := c.Chunk(text, nil)
	require.NotEmpty(t, chunks)
	require.Equal(t, 0, chunks[0].StartChar)
	require.Equal(t, len(text), chunks[len(chunks)-1].EndChar)
	for i, ch := range chunks {
		require.Equal(t, i, ch.Index)
	}
}

func TestChunkFixedOverlapSharesText(t *testing.T) {
	text := strings.Repeat("x", 1200)
	c := New(Config{Strategy: StrategyFixed, TargetSize: 1000, Overlap: 200})
	chunks := c.Chunk(text, nil)
	require.GreaterOrEqual(t, len(chunks), 2)
	require.Equal(t, 1000, chunks[0].EndChar-chunks[0].StartChar)
	require.Equal(t, 200, chunks[0].EndChar-chunks[1].StartChar)
}

func TestChunkRecursiveSplitsOnParagraphs(t *testing.T) {
	text := strings.Repeat("lorem ipsum dolor sit amet ", 40) + "\n\n" + strings.Repeat("consectetur adipiscing elit ", 40)
	c := New(Config{Strategy: StrategyRecursive, TargetSize: 500, Overlap: 50})
	chunks := c.Chunk(text, nil)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		require.LessOrEqual(t, len([]rune(ch.Content)), 500+50)
	}
}

func TestChunkRecursiveSingleShortParagraph(t *testing.T) {
	c := New(Config{Strategy: StrategyRecursive, TargetSize: 1000, Overlap: 200})
	chunks := c.Chunk("a short paragraph", nil)
	require.Len(t, chunks, 1)
	require.Equal(t, "a short paragraph", chunks[0].Content)
}

func TestChunkSemanticSplitsParagraphs(t *testing.T) {
	text := "First paragraph here.\n\nSecond paragraph here.\n\nThird paragraph here."
	c := New(Config{Strategy: StrategySemantic, TargetSize: 1000})
	chunks := c.Chunk(text, nil)
	require.Len(t, chunks, 3)
	require.Equal(t, "First paragraph here.", chunks[0].Content)
	require.Equal(t, "Third paragraph here.", chunks[2].Content)
}

func TestChunkSemanticResplitsLongParagraphBySentence(t *testing.T) {
	sentence := "This is a sentence that repeats. "
	text := strings.Repeat(sentence, 50)
	c := New(Config{Strategy: StrategySemantic, TargetSize: 200})
	chunks := c.Chunk(text, nil)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		require.True(t, strings.HasSuffix(ch.Content, "."))
	}
}

func TestChunkDropsShortPieces(t *testing.T) {
	text := "real content here.\n\n \n\nmore real content here."
	c := New(Config{Strategy: StrategySemantic, TargetSize: 1000, MinSize: 5})
	chunks := c.Chunk(text, nil)
	for _, ch := range chunks {
		require.GreaterOrEqual(t, len(ch.Content), 5)
	}
}

func TestChunkStartCharLocatesRepeatedSubstring(t *testing.T) {
	text := "alpha\n\nalpha\n\nbeta"
	c := New(Config{Strategy: StrategySemantic, TargetSize: 1000})
	chunks := c.Chunk(text, nil)
	require.Len(t, chunks, 3)
	require.Equal(t, 0, chunks[0].StartChar)
	require.Equal(t, 7, chunks[1].StartChar)
	require.Less(t, chunks[1].StartChar, chunks[2].StartChar)
}

func TestChunkMetadataPropagated(t *testing.T) {
	c := New(Config{Strategy: StrategySemantic})
	meta := map[string]string{"document_id": "doc-1"}
	chunks := c.Chunk("hello world", meta)
	require.Equal(t, meta, chunks[0].Metadata)
}

func TestEstimateTokensASCII(t *testing.T) {
	require.Equal(t, 1, EstimateTokens("abcd"))
	require.Equal(t, 2, EstimateTokens("abcde"))
}

func TestEstimateTokensCJK(t *testing.T) {
	require.Equal(t, 3, EstimateTokens("你好吗"))
}

func TestEstimateTokensMixed(t *testing.T) {
	// 2 CJK chars (2 tokens) + 4 ASCII chars (ceil(4/4)=1 token) = 3
	require.Equal(t, 3, EstimateTokens("你好abcd"))
}

func TestMarshalMetadataEmpty(t *testing.T) {
	require.Equal(t, "{}", MarshalMetadata(nil))
	require.Equal(t, "{}", MarshalMetadata(map[string]string{}))
}

func TestMarshalMetadataRoundTrips(t *testing.T) {
	out := MarshalMetadata(map[string]string{"a": "b"})
	require.Equal(t, `{"a":"b"}`, out)
}
