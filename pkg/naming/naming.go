// Package naming composes rename suggestions from effective labels.
package naming

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/menta2k/image-labeler/internal/utils"
	"github.com/menta2k/image-labeler/pkg/types"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lower-cases s, strips diacritics, collapses every run of
// non-alphanumeric characters into a single hyphen and trims hyphens from
// both ends. The result may be empty.
func Slugify(s string) string {
	s = strings.ToLower(utils.StripDiacritics(s))
	s = nonAlnum.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// AutoName derives the suggested name for a record from its effective theme
// and style and its 1-based position in the batch. Identical inputs always
// give identical output.
func AutoName(theme, style string, ordinal int) string {
	var parts []string
	for _, p := range []string{theme, style} {
		if p == "" || p == types.UnknownLabel {
			continue
		}
		parts = append(parts, p)
	}

	base := types.UnknownLabel
	if len(parts) > 0 {
		base = strings.Join(parts, "-")
	}

	slug := Slugify(base)
	if slug == "" {
		slug = types.UnknownLabel
	}
	return fmt.Sprintf("%s-%d", slug, ordinal)
}

// DisplayName returns override when set and the auto name otherwise
func DisplayName(override, theme, style string, ordinal int) string {
	if override != "" {
		return override
	}
	return AutoName(theme, style, ordinal)
}

// FormatConfidence renders a score as a percentage with one decimal,
// or an em dash when the record has not been classified.
func FormatConfidence(score float64) string {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return "—"
	}
	return fmt.Sprintf("%.1f%%", score*100)
}
