package parser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryUnsupportedFormat(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("docm")
	require.Error(t, err)
}

func TestRegistryKnownFormats(t *testing.T) {
	r := NewRegistry()
	for _, f := range []string{"txt", "md", "html", "pdf", "docx", "xlsx"} {
		p, err := r.Get(f)
		require.NoError(t, err, f)
		require.NotNil(t, p)
	}
}

func TestTextParserBasic(t *testing.T) {
	p := NewTextParser()
	result, err := p.Parse(context.Background(), []byte("hello world"), "note.txt")
	require.NoError(t, err)
	require.Len(t, result.Sections, 1)
	require.Equal(t, "hello world", result.Sections[0].Content)
}

func TestTextParserEmpty(t *testing.T) {
	p := NewTextParser()
	result, err := p.Parse(context.Background(), []byte(""), "empty.txt")
	require.NoError(t, err)
	require.Empty(t, result.Sections)
}

func TestDecodeTextUTF8BOM(t *testing.T) {
	bom := []byte{0xEF, 0xBB, 0xBF}
	data := append(bom, []byte("hello")...)
	require.Equal(t, "hello", decodeText(data))
}

func TestXLSXParserRejectsMalformedBytes(t *testing.T) {
	p := &XLSXParser{}
	_, err := p.Parse(context.Background(), []byte("not a real xlsx"), "bad.xlsx")
	require.Error(t, err)
}

func TestHTMLParserMetaCharsetUTF8(t *testing.T) {
	p := &HTMLParser{}
	html := []byte(`<html><head><meta charset="utf-8"><title>T</title></head><body><p>hello</p></body></html>`)
	result, err := p.Parse(context.Background(), html, "page.html")
	require.NoError(t, err)
	require.Equal(t, "T", result.Metadata.Title)
	require.Contains(t, result.Sections[0].Content, "hello")
}

func TestParsePDFDate(t *testing.T) {
	got := parsePDFDate("D:20230615120000")
	require.Equal(t, "2023-06-15T12:00:00Z", got)
}

func TestParsePDFDateMalformedPassesThrough(t *testing.T) {
	require.Equal(t, "not-a-date", parsePDFDate("not-a-date"))
}
