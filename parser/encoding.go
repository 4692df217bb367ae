package parser

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// decodeText tries UTF-8, UTF-8 with BOM, GBK, GB18030, then Latin-1 in
// that order, falling back to a lossy Latin-1 decode (which never fails)
// so callers always get a string back.
func decodeText(data []byte) string {
	if b, ok := stripUTF8BOM(data); ok {
		return string(b)
	}
	if utf8.Valid(data) {
		return string(data)
	}
	for _, enc := range []encoding.Encoding{
		simplifiedchinese.GBK,
		simplifiedchinese.GB18030,
	} {
		if s, err := enc.NewDecoder().String(string(data)); err == nil && utf8.ValidString(s) {
			return s
		}
	}
	s, _ := charmap.ISO8859_1.NewDecoder().String(string(data))
	return s
}

func stripUTF8BOM(data []byte) ([]byte, bool) {
	bom := []byte{0xEF, 0xBB, 0xBF}
	if bytes.HasPrefix(data, bom) {
		rest := data[len(bom):]
		if utf8.Valid(rest) {
			return rest, true
		}
	}
	return nil, false
}

func gbkDecode(data []byte) (string, error) {
	return simplifiedchinese.GBK.NewDecoder().String(string(data))
}

func gb18030Decode(data []byte) (string, error) {
	return simplifiedchinese.GB18030.NewDecoder().String(string(data))
}
