// Package parser decodes raw document bytes into structured text for the
// chunking pipeline. Each format gets a Parser keyed by lower-cased file
// extension in a Registry.
package parser

import (
	"context"
	"strings"
)

// Metadata captures whatever document-level facts a format can surface.
// Fields a given parser cannot populate are left at their zero value.
type Metadata struct {
	Title     string            `json:"title,omitempty"`
	Author    string            `json:"author,omitempty"`
	Created   string            `json:"created,omitempty"`
	Modified  string            `json:"modified,omitempty"`
	PageCount int               `json:"page_count"`
	WordCount int               `json:"word_count"`
	Language  string            `json:"language,omitempty"`
	FileType  string            `json:"file_type"`
	FileSize  int               `json:"file_size"`
	Custom    map[string]string `json:"custom,omitempty"`
}

// Section is a heading-delimited piece of extracted text. Flat formats
// (txt, md) produce one section (none for empty input); PDF/DOCX/XLSX produce several.
type Section struct {
	Heading    string
	Content    string
	Level      int // Heading level (1=top, 2=sub, etc.)
	PageNumber int
	Type       string // "section", "table", "definition", "requirement", "annex", "paragraph"
	Metadata   map[string]string
}

// ParseResult is what every Parser returns.
type ParseResult struct {
	Sections []Section // Ordered sections extracted from the document
	Method   string    // "native" unless a format falls back to something else
	Metadata Metadata
}

// FullText joins every section's content with blank lines, giving the
// chunker a single contiguous string positioned the way §4.2 expects.
func (r *ParseResult) FullText() string {
	parts := make([]string, 0, len(r.Sections))
	for _, s := range r.Sections {
		if strings.TrimSpace(s.Content) == "" {
			continue
		}
		parts = append(parts, s.Content)
	}
	return strings.Join(parts, "\n\n")
}

// Parser decodes raw bytes for one or more file extensions.
type Parser interface {
	// Parse decodes raw file bytes into a ParseResult. filename carries the
	// original name (used for extension-dependent hints); ctx bounds the
	// time spent decoding.
	Parse(ctx context.Context, data []byte, filename string) (*ParseResult, error)
	SupportedFormats() []string
}
