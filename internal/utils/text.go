package utils

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// StripDiacritics removes combining marks, so "leão" becomes "leao"
func StripDiacritics(s string) string {
	// Transformers carry state, build a fresh chain per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// FoldText trims, strips diacritics and case-folds s. Two strings that
// differ only in case, accents or surrounding whitespace fold to the same value.
func FoldText(s string) string {
	return cases.Fold().String(StripDiacritics(strings.TrimSpace(s)))
}
