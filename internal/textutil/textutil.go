// Package textutil provides accent-insensitive text normalization used by
// keyword matching and intent detection.
package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases s, strips diacritics, collapses runs of
// non-alphanumeric characters into single spaces and trims the result.
// "¡CAMISETAS Élite!" becomes "camisetas elite".
func Normalize(s string) string {
	stripped, _, err := transform.String(stripMarks, s)
	if err != nil {
		stripped = s
	}
	stripped = strings.ToLower(stripped)

	var b strings.Builder
	b.Grow(len(stripped))
	lastSpace := false
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
		} else if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// MatchesAllWords reports whether every word of needle appears as a
// substring of haystack, after normalizing both. An empty needle never
// matches.
func MatchesAllWords(haystack, needle string) bool {
	n := Normalize(needle)
	if n == "" {
		return false
	}
	h := Normalize(haystack)
	for _, word := range strings.Fields(n) {
		if !strings.Contains(h, word) {
			return false
		}
	}
	return true
}

// ContainsNormalized reports whether needle appears as a substring of
// haystack after normalizing both.
func ContainsNormalized(haystack, needle string) bool {
	n := Normalize(needle)
	if n == "" {
		return false
	}
	return strings.Contains(Normalize(haystack), n)
}
