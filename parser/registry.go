package parser

import "fmt"

// Registry maps lower-cased file extensions to a Parser, per spec §4.1.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry builds a Registry with the built-in parsers for
// {txt, md, html, pdf, docx, xlsx} registered.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{
		NewTextParser(),
		NewMarkdownParser(),
		&HTMLParser{},
		&PDFParser{},
		&DOCXParser{},
		&XLSXParser{},
	} {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}
	return r
}

// Get returns the parser registered for format, or an error if none exists.
// Callers should translate this into a ValidationError (UnsupportedFileType).
func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("no parser registered for format: %s", format)
	}
	return p, nil
}

// Register adds or overrides the parser for a format.
func (r *Registry) Register(format string, p Parser) {
	r.parsers[format] = p
}
