package threshold

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/image-labeler/pkg/taxonomy"
	"github.com/menta2k/image-labeler/pkg/types"
)

func newGate(t *testing.T, th float64, strict bool) *Gate {
	t.Helper()
	g, err := NewGate(th, taxonomy.DefaultTheme(), taxonomy.DefaultStyle(), strict)
	require.NoError(t, err)
	return g
}

func TestApply(t *testing.T) {
	canon := taxonomy.DefaultTheme().Canonicalize

	tests := []struct {
		name  string
		label string
		score float64
		th    float64
		want  string
	}{
		{"above threshold", "lion", 0.82, 0.3, "leão"},
		{"below threshold", "lion", 0.2, 0.3, Unknown},
		{"equal to threshold", "lion", 0.3, 0.3, "leão"},
		{"NaN score", "lion", math.NaN(), 0.3, Unknown},
		{"infinite score", "lion", math.Inf(1), 0.0, Unknown},
		{"miss passes raw through", "unicorn", 0.9, 0.3, "unicorn"},
		{"zero threshold keeps zero score", "wolf", 0, 0, "lobo"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Apply(tc.label, tc.score, canon, tc.th))
		})
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	canon := taxonomy.DefaultStyle().Canonicalize
	first := Apply("watercolor", 0.41, canon, 0.4)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Apply("watercolor", 0.41, canon, 0.4))
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(0))
	assert.NoError(t, Validate(1))
	assert.NoError(t, Validate(0.3))
	assert.Error(t, Validate(-0.1))
	assert.Error(t, Validate(1.01))
	assert.Error(t, Validate(math.NaN()))
}

func TestNewGateRejectsBadThreshold(t *testing.T) {
	_, err := NewGate(2, taxonomy.DefaultTheme(), taxonomy.DefaultStyle(), false)
	assert.Error(t, err)
}

func TestGateResolveIsNonDestructive(t *testing.T) {
	g := newGate(t, 0.3, false)
	raw := types.Prediction{Label: "lion", Score: 0.5}

	label, _ := g.Resolve(types.CategoryTheme, raw)
	assert.Equal(t, "leão", label)

	require.NoError(t, g.SetThreshold(0.6))
	label, _ = g.Resolve(types.CategoryTheme, raw)
	assert.Equal(t, Unknown, label)

	require.NoError(t, g.SetThreshold(0.3))
	label, _ = g.Resolve(types.CategoryTheme, raw)
	assert.Equal(t, "leão", label)
}

func TestGateResolveUncovered(t *testing.T) {
	raw := types.Prediction{Label: "Unicorn", Score: 0.9}

	label, uncovered := newGate(t, 0.3, false).Resolve(types.CategoryTheme, raw)
	assert.Equal(t, "Unicorn", label)
	assert.True(t, uncovered)

	label, uncovered = newGate(t, 0.3, true).Resolve(types.CategoryTheme, raw)
	assert.Equal(t, Unknown, label)
	assert.True(t, uncovered)
}

func TestGateResolveSentinelIsNotUncovered(t *testing.T) {
	label, uncovered := newGate(t, 0, false).Resolve(types.CategoryStyle, types.UnknownPrediction())
	assert.Equal(t, Unknown, label)
	assert.False(t, uncovered)
}

func TestGateUsesCategoryTaxonomy(t *testing.T) {
	g := newGate(t, 0.3, false)

	label, uncovered := g.Resolve(types.CategoryStyle, types.Prediction{Label: "fine line", Score: 0.7})
	assert.Equal(t, "fineline", label)
	assert.False(t, uncovered)

	// a theme candidate is not a style
	label, uncovered = g.Resolve(types.CategoryStyle, types.Prediction{Label: "lion", Score: 0.7})
	assert.Equal(t, "lion", label)
	assert.True(t, uncovered)
}

func TestGateConcurrentSet(t *testing.T) {
	g := newGate(t, 0.3, false)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(v float64) {
			defer wg.Done()
			_ = g.SetThreshold(v)
		}(float64(i%10) / 10)
		go func() {
			defer wg.Done()
			_, _ = g.Resolve(types.CategoryTheme, types.Prediction{Label: "wolf", Score: 0.5})
		}()
	}
	wg.Wait()

	require.NoError(t, g.SetThreshold(0.25))
	assert.InDelta(t, 0.25, g.Threshold(), 1e-12)
}
