package parser

import (
	"bytes"
	"context"
	"strings"

	"golang.org/x/net/html"
)

// HTMLParser extracts block-level text from HTML documents, honoring a
// declared <meta charset> before falling back to the standard encoding
// detection chain.
type HTMLParser struct{}

func (p *HTMLParser) SupportedFormats() []string { return []string{"html", "htm"} }

func (p *HTMLParser) Parse(ctx context.Context, data []byte, filename string) (*ParseResult, error) {
	content := decodeHTMLBytes(data)

	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, err
	}

	var title string
	var b strings.Builder
	var walk func(*html.Node)
	blockTags := map[string]bool{
		"p": true, "div": true, "br": true, "li": true, "tr": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	}
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style":
				return
			case "title":
				if n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			}
		}
		if n.Type == html.TextNode {
			t := strings.TrimSpace(n.Data)
			if t != "" {
				b.WriteString(t)
				b.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			b.WriteString("\n")
		}
	}
	walk(doc)

	text := strings.TrimSpace(b.String())
	if text == "" {
		return &ParseResult{Method: "native", Metadata: Metadata{FileType: "html", FileSize: len(data)}}, nil
	}

	return &ParseResult{
		Sections: []Section{{Heading: title, Content: text, Level: 1, Type: "paragraph"}},
		Method:   "native",
		Metadata: Metadata{
			Title:     title,
			FileType:  "html",
			FileSize:  len(data),
			WordCount: wordCount(text),
		},
	}, nil
}

// decodeHTMLBytes honors a declared <meta charset="..."> tag before falling
// back to the standard UTF-8/GBK/GB18030/Latin-1 chain.
func decodeHTMLBytes(data []byte) string {
	head := data
	if len(head) > 2048 {
		head = head[:2048]
	}
	lower := bytes.ToLower(head)
	if idx := bytes.Index(lower, []byte("charset=")); idx >= 0 {
		rest := lower[idx+len("charset="):]
		rest = bytes.TrimLeft(rest, `"' `)
		end := bytes.IndexAny(rest, `"' />`)
		if end > 0 {
			charset := strings.ToLower(string(rest[:end]))
			switch charset {
			case "utf-8", "utf8":
				return decodeText(data)
			case "gbk", "gb2312":
				if s, err := gbkDecode(data); err == nil {
					return s
				}
			case "gb18030":
				if s, err := gb18030Decode(data); err == nil {
					return s
				}
			}
		}
	}
	return decodeText(data)
}
