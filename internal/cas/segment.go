package cas

import (
	"unicode"
	"unicode/utf8"

	"loupe/api/internal/layer"
)

// Tokenize splits text at whitespace and emits each punctuation rune as its
// own token. Offsets are byte offsets.
func Tokenize(text string) []layer.Span {
	var tokens []layer.Span
	start := -1
	for i, r := range text {
		switch {
		case unicode.IsSpace(r):
			if start >= 0 {
				tokens = append(tokens, layer.Span{Begin: start, End: i})
				start = -1
			}
		case unicode.IsPunct(r):
			if start >= 0 {
				tokens = append(tokens, layer.Span{Begin: start, End: i})
				start = -1
			}
			tokens = append(tokens, layer.Span{Begin: i, End: i + utf8.RuneLen(r)})
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		tokens = append(tokens, layer.Span{Begin: start, End: len(text)})
	}
	return tokens
}

// SplitSentences ends a sentence after '.', '!' or '?' followed by
// whitespace or the end of text. Leading and trailing whitespace is trimmed.
func SplitSentences(text string) []layer.Span {
	var sentences []layer.Span
	start := -1
	last := 0
	flush := func() {
		if start >= 0 {
			sentences = append(sentences, layer.Span{Begin: start, End: last})
			start = -1
		}
	}
	for i, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		if start < 0 {
			start = i
		}
		last = i + utf8.RuneLen(r)
		if r == '.' || r == '!' || r == '?' {
			next, _ := utf8.DecodeRuneInString(text[last:])
			if last == len(text) || unicode.IsSpace(next) {
				flush()
			}
		}
	}
	flush()
	return sentences
}
