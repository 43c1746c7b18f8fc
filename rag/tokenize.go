package rag

import (
	"strings"
	"unicode"
)

// Tokenize splits text into terms for keyword scoring. Latin-script words
// and digit runs become lowercased tokens; CJK text has no word boundaries,
// so each ideograph is emitted both alone and as an overlapping bigram with
// its successor, which approximates dictionary segmentation well enough for
// ranking purposes.
func Tokenize(text string) []string {
	var tokens []string
	var word strings.Builder
	var prevHan rune

	flushWord := func() {
		if word.Len() > 0 {
			tokens = append(tokens, strings.ToLower(word.String()))
			word.Reset()
		}
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			tokens = append(tokens, string(r))
			if prevHan != 0 {
				tokens = append(tokens, string([]rune{prevHan, r}))
			}
			prevHan = r
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
			prevHan = 0
		default:
			flushWord()
			prevHan = 0
		}
	}
	flushWord()
	return tokens
}
