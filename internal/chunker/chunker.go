// Package chunker splits long text into overlapping spans for embedding.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxChars     = 512
	DefaultOverlapChars = 64

	// sentenceWindow is how far back from a span's end we look for a
	// sentence boundary to break on.
	sentenceWindow = 200
)

// Span is one chunk of the input text together with its byte offsets in the
// original. Start is inclusive, End exclusive.
type Span struct {
	Text  string
	Start int
	End   int
}

var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

// Chunk splits text into overlapping spans of at most maxChars characters.
// Text fitting in a single span is returned whole. Splits prefer sentence
// boundaries near the span end; consecutive spans overlap by overlapChars to
// preserve continuity across the cut. The result is deterministic for a given
// input and never contains an empty span.
func Chunk(text string, maxChars, overlapChars int) []Span {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if overlapChars < 0 {
		overlapChars = DefaultOverlapChars
	}
	// Keep overlap valid and guarantee forward progress.
	if overlapChars > maxChars-1 {
		overlapChars = maxChars - 1
	}

	if strings.TrimSpace(text) == "" {
		return nil
	}

	if len(text) <= maxChars {
		return []Span{{Text: text, Start: 0, End: len(text)}}
	}

	var spans []Span
	start := 0

	for start < len(text) {
		end := start + maxChars
		if end > len(text) {
			end = len(text)
		} else {
			// Never cut mid-rune: the span text must stay valid UTF-8
			// and reconstruct the original via its offsets.
			end = runeStart(text, end)
			if end <= start {
				_, size := utf8.DecodeRuneInString(text[start:])
				end = start + size
			}
		}
		piece := text[start:end]

		// Break at the last sentence ending in the tail window, if any.
		if end < len(text) {
			searchStart := len(piece) - sentenceWindow
			if searchStart < 0 {
				searchStart = 0
			}
			breaks := sentenceEnd.FindAllStringIndex(piece[searchStart:], -1)
			if len(breaks) > 0 {
				breakPos := searchStart + breaks[len(breaks)-1][1]
				piece = piece[:breakPos]
				end = start + breakPos
			}
		}

		if strings.TrimSpace(piece) != "" {
			spans = append(spans, Span{Text: piece, Start: start, End: end})
		}

		if end >= len(text) {
			break
		}

		next := runeStart(text, end-overlapChars)
		if next <= start {
			_, size := utf8.DecodeRuneInString(text[start:])
			next = start + size
		}
		start = next
	}

	return spans
}

// runeStart backs pos off to the nearest rune boundary at or before it.
func runeStart(s string, pos int) int {
	for pos > 0 && pos < len(s) && !utf8.RuneStart(s[pos]) {
		pos--
	}
	return pos
}
