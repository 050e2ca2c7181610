// Package threshold decides which label is shown for a raw prediction.
//
// Raw predictions are never rewritten. The effective label is recomputed from
// the raw label and score each time the threshold changes, so moving the
// threshold back and forth loses nothing.
package threshold

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/menta2k/image-labeler/pkg/taxonomy"
	"github.com/menta2k/image-labeler/pkg/types"
)

// Unknown is the effective label of a prediction below the threshold
const Unknown = types.UnknownLabel

// DefaultThreshold is the cutoff used when none is configured
const DefaultThreshold = 0.3

// Apply returns "unknown" when rawScore is not finite or below threshold and
// canonicalize(rawLabel) otherwise.
func Apply(rawLabel string, rawScore float64, canonicalize func(string) string, threshold float64) string {
	if math.IsNaN(rawScore) || math.IsInf(rawScore, 0) || rawScore < threshold {
		return Unknown
	}
	return canonicalize(rawLabel)
}

// Validate checks that v is a usable threshold
func Validate(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %v", v)
	}
	return nil
}

// Gate holds the live threshold and the taxonomies used to canonicalize
// predictions that clear it. The threshold is read when a prediction is
// evaluated, not when it was requested, so the latest value always wins.
type Gate struct {
	bits       atomic.Uint64
	strict     bool
	taxonomies map[types.Category]*taxonomy.Taxonomy
}

// NewGate creates a gate. With strict set, predictions that clear the
// threshold but match no taxonomy entry become "unknown" instead of passing
// the raw label through.
func NewGate(threshold float64, themes, styles *taxonomy.Taxonomy, strict bool) (*Gate, error) {
	if err := Validate(threshold); err != nil {
		return nil, err
	}
	g := &Gate{
		strict: strict,
		taxonomies: map[types.Category]*taxonomy.Taxonomy{
			types.CategoryTheme: themes,
			types.CategoryStyle: styles,
		},
	}
	g.bits.Store(math.Float64bits(threshold))
	return g, nil
}

// Threshold returns the current cutoff
func (g *Gate) Threshold() float64 {
	return math.Float64frombits(g.bits.Load())
}

// SetThreshold replaces the cutoff
func (g *Gate) SetThreshold(v float64) error {
	if err := Validate(v); err != nil {
		return err
	}
	g.bits.Store(math.Float64bits(v))
	return nil
}

// Resolve returns the effective label for a raw prediction of category c.
// uncovered is true when the prediction cleared the threshold but its label
// is not in the taxonomy.
func (g *Gate) Resolve(c types.Category, p types.Prediction) (label string, uncovered bool) {
	tax := g.taxonomies[c]
	if tax == nil {
		return Apply(p.Label, p.Score, func(s string) string { return s }, g.Threshold()), true
	}

	label = Apply(p.Label, p.Score, tax.Canonicalize, g.Threshold())
	if label == Unknown {
		return Unknown, false
	}
	if _, ok := tax.Resolve(p.Label); ok {
		return label, false
	}
	if g.strict {
		return Unknown, true
	}
	return label, true
}
