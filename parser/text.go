package parser

import "context"

// TextParser handles plain text and Markdown (.txt, .md) files. Markdown
// is treated as a pass-through: chunking operates on raw text regardless
// of markup, and the original spec does not require rendering it.
type TextParser struct {
	fileType string // "txt" or "md"
}

func NewTextParser() *TextParser { return &TextParser{fileType: "txt"} }
func NewMarkdownParser() *TextParser { return &TextParser{fileType: "md"} }

func (p *TextParser) SupportedFormats() []string {
	if p.fileType == "md" {
		return []string{"md", "markdown"}
	}
	return []string{"txt"}
}

func (p *TextParser) Parse(ctx context.Context, data []byte, filename string) (*ParseResult, error) {
	content := decodeText(data)
	if content == "" {
		return &ParseResult{Method: "native", Metadata: Metadata{FileType: p.fileType, FileSize: len(data)}}, nil
	}

	return &ParseResult{
		Sections: []Section{
			{
				Heading: filename,
				Content: content,
				Level:   1,
				Type:    "paragraph",
			},
		},
		Method: "native",
		Metadata: Metadata{
			FileType:  p.fileType,
			FileSize:  len(data),
			WordCount: wordCount(content),
		},
	}, nil
}
