// Package tokenizer provides text tokenisation for the search engine.
// It lower-cases input, splits on non-alphanumeric boundaries, removes
// stop-words, and applies a simple suffix-based stemmer. Tokens carry their
// position and byte offsets in the source text, and optionally a payload
// extracted by a DelimitedPayloadFilter.
package tokenizer

import (
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "not": {}, "no": {}, "so": {}, "can": {},
}

// Token is a single normalised term. Offsets are byte offsets into the
// analysed text; EndOffset is exclusive.
type Token struct {
	Text        []byte
	Position    int32
	StartOffset int32
	EndOffset   int32
	Payload     []byte
}

type word struct {
	text       string
	start, end int
}

// Tokenize breaks text into stemmed, lowercased Tokens with stop-words
// removed. Positions count emitted tokens.
func Tokenize(text string) []Token {
	words := split(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]Token, 0, len(words)/2)
	pos := int32(0)
	for _, w := range words {
		term, ok := normalize(w.text)
		if !ok {
			continue
		}
		tokens = append(tokens, Token{
			Text:        []byte(term),
			Position:    pos,
			StartOffset: int32(w.start),
			EndOffset:   int32(w.end),
		})
		pos++
	}
	return tokens
}

// Whitespace splits text on white space only and keeps every word verbatim.
func Whitespace(text string) []Token {
	words := split(text, unicode.IsSpace)
	tokens := make([]Token, 0, len(words))
	for i, w := range words {
		tokens = append(tokens, Token{
			Text:        []byte(w.text),
			Position:    int32(i),
			StartOffset: int32(w.start),
			EndOffset:   int32(w.end),
		})
	}
	return tokens
}

func normalize(w string) (string, bool) {
	w = strings.ToLower(w)
	if len(w) < 2 {
		return "", false
	}
	if _, isStop := stopWords[w]; isStop {
		return "", false
	}
	stemmed := stem(w)
	return stemmed, stemmed != ""
}

// split is strings.FieldsFunc keeping byte offsets.
func split(text string, isSep func(rune) bool) []word {
	var words []word
	start := -1
	for i, r := range text {
		if isSep(r) {
			if start >= 0 {
				words = append(words, word{text: text[start:i], start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, word{text: text[start:], start: start, end: len(text)})
	}
	return words
}

// stem applies a simple suffix-stripping stemmer to the given word.
func stem(word string) string {
	for _, rule := range suffixRules {
		if strings.HasSuffix(word, rule.suffix) {
			newWord := word[:len(word)-len(rule.suffix)] + rule.replacement
			if len(newWord) >= rule.minLen {
				return newWord
			}
		}
	}
	return word
}

var suffixRules = []struct {
	suffix      string
	replacement string
	minLen      int
}{
	{"ational", "ate", 2},
	{"tional", "tion", 2},
	{"encies", "ence", 2},
	{"ances", "ance", 2},
	{"ments", "ment", 2},
	{"izing", "ize", 2},
	{"ating", "ate", 2},
	{"iness", "y", 2},
	{"ously", "ous", 2},
	{"ively", "ive", 2},
	{"eness", "ene", 2},
	{"tion", "t", 3},
	{"sion", "s", 3},
	{"ying", "y", 2},
	{"ling", "l", 3},
	{"ies", "y", 2},
	{"ing", "", 3},
	{"ers", "er", 2},
	{"est", "", 3},
	{"ful", "", 3},
	{"ous", "", 3},
	{"ess", "", 3},
	{"ble", "", 3},
	{"ed", "", 3},
	{"er", "", 3},
	{"ly", "", 3},
	{"es", "", 3},
	{"ss", "ss", 2},
	{"s", "", 3},
}
