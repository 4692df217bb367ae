package retrieval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractHighlightsPicksMostRelevantSentences(t *testing.T) {
	content := "The invoice was generated on Tuesday. Connection refused errors began appearing in the gateway logs. " +
		"Unrelated weather was sunny that afternoon. The gateway retried the connection and eventually succeeded."
	highlights := extractHighlights(content, "connection refused gateway", 2)
	require.Len(t, highlights, 2)
	require.Contains(t, highlights[0], "Connection refused")
}

func TestExtractHighlightsReturnsNilWithoutSignificantTerms(t *testing.T) {
	require.Nil(t, extractHighlights("some content here.", "the is a", 2))
}

func TestSignificantTermsDropsStopWordsAndShortTokens(t *testing.T) {
	terms := significantTerms("what is the gateway timeout?")
	require.Equal(t, []string{"gateway", "timeout"}, terms)
}
