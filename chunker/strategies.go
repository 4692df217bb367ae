package chunker

import "strings"

// chunkFixed slides a window of TargetSize with step TargetSize-Overlap.
func (c *Chunker) chunkFixed(text string) []string {
	size := c.cfg.TargetSize
	step := size - c.cfg.Overlap
	if step <= 0 {
		step = size
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var pieces []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return pieces
}

// chunkRecursive depth-first splits on the first separator in
// cfg.Separators; any piece exceeding TargetSize recurses with the next
// separator. Sequential pieces are merged into chunks <= TargetSize,
// carrying a tail of length Overlap into the next chunk.
func (c *Chunker) chunkRecursive(text string) []string {
	pieces := splitRecursive(text, c.cfg.Separators, c.cfg.TargetSize, c.cfg.KeepSeparator)
	return mergeWithOverlap(pieces, c.cfg.TargetSize, c.cfg.Overlap)
}

func splitRecursive(text string, separators []string, targetSize int, keepSeparator bool) []string {
	if len([]rune(text)) <= targetSize || len(separators) == 0 {
		return []string{text}
	}

	sep := separators[0]
	rest := separators[1:]

	var parts []string
	if sep == "" {
		parts = splitByRune(text)
	} else {
		parts = strings.Split(text, sep)
		if keepSeparator {
			for i := range parts[:len(parts)-1] {
				parts[i] += sep
			}
		}
	}

	var out []string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if len([]rune(p)) > targetSize {
			out = append(out, splitRecursive(p, rest, targetSize, keepSeparator)...)
		} else {
			out = append(out, p)
		}
	}
	return out
}

func splitByRune(text string) []string {
	runes := []rune(text)
	out := make([]string, len(runes))
	for i, r := range runes {
		out[i] = string(r)
	}
	return out
}

// mergeWithOverlap combines sequential pieces into chunks no larger than
// targetSize, carrying a tail of `overlap` characters from the previous
// chunk into the next one's start.
func mergeWithOverlap(pieces []string, targetSize, overlap int) []string {
	if len(pieces) == 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0
	var tail string

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			s := current.String()
			tail = tailRunes(s, overlap)
		}
		current.Reset()
		currentLen = 0
		if tail != "" {
			current.WriteString(tail)
			currentLen = len([]rune(tail))
		}
	}

	for _, p := range pieces {
		pl := len([]rune(p))
		if currentLen+pl > targetSize && currentLen > 0 {
			flush()
		}
		current.WriteString(p)
		currentLen += pl
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func tailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// chunkSemantic splits on blank lines; any paragraph over TargetSize is
// re-split by sentence terminators (。！？.!?).
func (c *Chunker) chunkSemantic(text string) []string {
	paragraphs := splitParagraphs(text)
	var out []string
	for _, p := range paragraphs {
		if len([]rune(p)) > c.cfg.TargetSize {
			out = append(out, splitSentences(p)...)
		} else {
			out = append(out, p)
		}
	}
	return out
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences splits on 。！？.!? followed by whitespace/end of string.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	terminators := map[rune]bool{'.': true, '?': true, '!': true, '。': true, '！': true, '？': true}
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if terminators[runes[i]] {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(cur.String())
				if s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if cur.Len() > 0 {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
