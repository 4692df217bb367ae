package retrieval

import (
	"regexp"
	"strings"
)

// stopWords are excluded from a query's significant terms so a sentence
// isn't scored highly just for sharing "the"/"and"/"what" with it.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "is": true, "are": true, "for": true, "on": true,
	"what": true, "why": true, "how": true, "who": true, "when": true, "where": true,
	"does": true, "do": true, "with": true, "that": true, "this": true,
}

var sentenceSplitter = regexp.MustCompile(`(?:[.!?]+\s+)|(?:\n{2,})`)

// significantTerms lowercases query, splits on anything other than ASCII
// letters and digits, and drops stop words and anything shorter than 3
// runes.
func significantTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 || stopWords[f] {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// extractHighlights splits content into sentences and scores each by how
// many of the query's significant terms it contains, returning up to
// maxSentences of the highest-scoring ones in their original order.
// Reused as the sentence-scoring extractor behind C11's Highlights field.
func extractHighlights(content, query string, maxSentences int) []string {
	terms := significantTerms(query)
	if len(terms) == 0 || content == "" {
		return nil
	}

	sentences := sentenceSplitter.Split(content, -1)
	type scored struct {
		text  string
		index int
		score int
	}
	candidates := make([]scored, 0, len(sentences))
	for i, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		lower := strings.ToLower(s)
		score := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				score++
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{text: s, index: i, score: score})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// Partial selection sort for the top maxSentences by score, ties
	// broken by original position.
	if maxSentences <= 0 {
		maxSentences = 2
	}
	for i := 0; i < len(candidates) && i < maxSentences; i++ {
		best := i
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].score > candidates[best].score ||
				(candidates[j].score == candidates[best].score && candidates[j].index < candidates[best].index) {
				best = j
			}
		}
		candidates[i], candidates[best] = candidates[best], candidates[i]
	}
	top := candidates
	if len(top) > maxSentences {
		top = top[:maxSentences]
	}
	// Restore original reading order among the selected sentences.
	ordered := make([]scored, len(top))
	copy(ordered, top)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].index < ordered[i].index {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}

	out := make([]string, len(ordered))
	for i, c := range ordered {
		out[i] = c.text
	}
	return out
}
