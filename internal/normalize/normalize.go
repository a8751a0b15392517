// Package normalize canonicalizes headline and topic text for matching.
//
// All keyword, override, history and similarity comparisons in the pipeline
// run on normalized text: lowercased, punctuation-stripped tokens passed
// through a snowball stemming pass and a light lemma fold, rejoined with
// single spaces. The function is pure and deterministic.
package normalize

import (
	"strings"

	"github.com/kljensen/snowball/english"
)

// Irregular plurals the stemmer does not fold. The stemming pass already
// collapses regular plurals and verb forms, so this list stays short.
var lemmas = map[string]string{
	"men":      "man",
	"women":    "woman",
	"children": "child",
	"people":   "person",
	"feet":     "foot",
	"teeth":    "tooth",
	"mice":     "mouse",
	"geese":    "goose",
}

// Text lowercases, tokenizes, stems and lemma-folds the input, returning the
// tokens rejoined with single spaces. Empty input yields the empty string.
// Unknown tokens pass through unchanged apart from case and punctuation.
func Text(s string) string {
	return strings.Join(Tokens(s), " ")
}

// Tokens returns the normalized token sequence for s.
func Tokens(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		t := trimPunct(f)
		if t == "" {
			continue
		}
		t = english.Stem(t, false)
		t = lemmatize(t)
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// TokenSet returns the normalized tokens of s as a set, for overlap checks.
func TokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range Tokens(s) {
		set[t] = struct{}{}
	}
	return set
}

// lemmatize folds a stemmed token to its dictionary form. The stemmer handles
// regular inflection, so only irregular plurals and possessives remain.
func lemmatize(tok string) string {
	if folded, ok := lemmas[tok]; ok {
		return folded
	}
	tok = strings.TrimSuffix(tok, "'s")
	return strings.TrimSuffix(tok, "'")
}

// trimPunct strips leading and trailing non-alphanumeric runes, keeping
// interior ones so hyphenated words and contractions survive.
func trimPunct(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return !isAlnum(r)
	})
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127
}
