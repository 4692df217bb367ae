// Package chunker splits extracted document text into overlapping chunks
// under a configured size target, per three interchangeable strategies.
package chunker

import (
	"encoding/json"
	"strings"
)

// Strategy selects how text is split into chunks.
type Strategy string

const (
	StrategyFixed     Strategy = "fixed"
	StrategyRecursive Strategy = "recursive"
	StrategySemantic  Strategy = "semantic"
)

// defaultSeparators is the recursive strategy's split order: paragraph,
// newline, CJK/English sentence terminators, word boundary, character.
var defaultSeparators = []string{"\n\n", "\n", "。", "！", "？", ".", "!", "?", " ", ""}

// Config controls chunking behaviour.
type Config struct {
	Strategy      Strategy
	TargetSize    int      // character budget per chunk
	Overlap       int      // characters carried into the next chunk
	Separators    []string // recursive strategy split order; defaults to defaultSeparators
	MinSize       int      // chunks shorter than this (after trim) are dropped
	KeepSeparator bool     // recursive strategy: keep the separator at the split point
}

// Chunk is one emitted piece of text with its position in the source.
type Chunk struct {
	Content    string
	Index      int
	StartChar  int
	EndChar    int // exclusive
	TokenCount int
	Metadata   map[string]string
}

// Chunker splits text according to its configured Strategy.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with defaults filled in: recursive strategy,
// target size 1000, overlap 200 (the pipeline's default per spec §4.8);
// the semantic strategy keeps an overlap of 0.
func New(cfg Config) *Chunker {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRecursive
	}
	if cfg.TargetSize == 0 {
		cfg.TargetSize = 1000
	}
	if cfg.Overlap == 0 && cfg.Strategy != StrategySemantic {
		cfg.Overlap = 200
	}
	if len(cfg.Separators) == 0 {
		cfg.Separators = defaultSeparators
	}
	if cfg.MinSize == 0 {
		cfg.MinSize = 1
	}
	return &Chunker{cfg: cfg}
}

// Chunk splits text into chunks per the configured strategy. Empty or
// whitespace-only pieces are dropped; start_char is located by searching
// forward from a monotonically non-decreasing cursor so repeated
// substrings in the source are attributed to their actual occurrence.
func (c *Chunker) Chunk(text string, metadata map[string]string) []Chunk {
	var pieces []string
	switch c.cfg.Strategy {
	case StrategyFixed:
		pieces = c.chunkFixed(text)
	case StrategySemantic:
		pieces = c.chunkSemantic(text)
	default:
		pieces = c.chunkRecursive(text)
	}

	overlap := c.cfg.Overlap
	if c.cfg.Strategy == StrategySemantic {
		overlap = 0
	}
	cursor := 0
	chunks := make([]Chunk, 0, len(pieces))
	idx := 0
	for _, p := range pieces {
		trimmed := strings.TrimSpace(p)
		if len(trimmed) < c.cfg.MinSize {
			continue
		}
		start := cursor
		if at := strings.Index(text[cursor:], trimmed); at >= 0 {
			start = cursor + at
		}
		end := start + len(trimmed)
		// The next piece may begin with this one's last `overlap`
		// characters, so the search resumes that far back.
		cursor = end
		if overlap > 0 {
			r := []rune(trimmed)
			back := overlap
			if back > len(r) {
				back = len(r)
			}
			cursor = end - len(string(r[len(r)-back:]))
		}

		chunks = append(chunks, Chunk{
			Content:    trimmed,
			Index:      idx,
			StartChar:  start,
			EndChar:    end,
			TokenCount: EstimateTokens(trimmed),
			Metadata:   metadata,
		})
		idx++
	}
	return chunks
}

// MarshalMetadata serializes a chunk metadata map to a JSON string,
// returning "{}" for nil or empty maps.
func MarshalMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
