package taxonomy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenKeepsOrderAndDuplicates(t *testing.T) {
	tax := New("theme", []LabelOption{
		{Key: "a", Candidates: []string{"x", "y"}},
		{Key: "b", Candidates: []string{"y", "z"}},
	})

	assert.Equal(t, []string{"x", "y", "y", "z"}, tax.Flatten())
}

func TestCanonicalize(t *testing.T) {
	tax := DefaultTheme()

	tests := []struct {
		raw  string
		want string
	}{
		{"lion", "leão"},
		{"LION", "leão"},
		{"  leao ", "leão"},
		{"Leão", "leão"},
		{"LEÃO", "leão"},
		{"onca", "onça"},
		{"The Little Mermaid", "pequena sereia"},
		{"dragao", "dragão"},
		// a miss comes back untouched
		{"Unicorn", "Unicorn"},
		{"lio", "lio"},
		{"", ""},
	}

	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			assert.Equal(t, tc.want, tax.Canonicalize(tc.raw))
		})
	}
}

func TestResolveReportsMiss(t *testing.T) {
	tax := DefaultStyle()

	key, ok := tax.Resolve("Watercolour")
	require.True(t, ok)
	assert.Equal(t, "aquarela", key)

	key, ok = tax.Resolve("pointillism")
	assert.False(t, ok)
	assert.Empty(t, key)
}

func TestResolveNoPartialMatch(t *testing.T) {
	tax := DefaultStyle()

	_, ok := tax.Resolve("realismo preto")
	assert.False(t, ok)

	key, ok := tax.Resolve("Realismo Preto e Branco")
	require.True(t, ok)
	assert.Equal(t, "realismo-pb", key)
}

func TestFirstOptionWinsOnAmbiguousSynonym(t *testing.T) {
	tax := New("theme", []LabelOption{
		{Key: "cat", Candidates: []string{"cat", "Feline"}},
		{Key: "lion", Candidates: []string{"lion", "feline"}},
	})

	assert.Equal(t, "cat", tax.Canonicalize("feline"))

	amb := tax.Ambiguities()
	require.Len(t, amb, 1)
	assert.Equal(t, "feline", amb[0].Candidate)
	assert.Equal(t, []string{"cat", "lion"}, amb[0].Keys)
}

func TestAmbiguitiesListEachKeyOnce(t *testing.T) {
	tax := New("theme", []LabelOption{
		{Key: "cat", Candidates: []string{"feline", "Feline"}},
		{Key: "lion", Candidates: []string{"feline"}},
		{Key: "cat", Candidates: []string{"félîne", "kitty"}},
	})

	amb := tax.Ambiguities()
	require.Len(t, amb, 1)
	assert.Equal(t, "feline", amb[0].Candidate)
	assert.Equal(t, []string{"cat", "lion"}, amb[0].Keys)
}

func TestDefaultsHaveNoAmbiguities(t *testing.T) {
	assert.Empty(t, DefaultTheme().Ambiguities())
	assert.Empty(t, DefaultStyle().Ambiguities())
}

func TestNewCopiesOptions(t *testing.T) {
	opts := []LabelOption{{Key: "a", Candidates: []string{"x"}}}
	tax := New("theme", opts)
	opts[0].Candidates[0] = "changed"

	assert.Equal(t, "a", tax.Canonicalize("x"))
	assert.Equal(t, []string{"x"}, tax.Flatten())
	assert.Equal(t, []string{"a"}, tax.Keys())
}
