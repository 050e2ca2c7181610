// Package taxonomy holds the candidate labels offered to the classifier and
// resolves whatever the classifier picked back to a canonical key.
package taxonomy

import (
	"slices"

	"github.com/menta2k/image-labeler/internal/utils"
)

// LabelOption is one canonical entry of a taxonomy together with the synonyms
// used as classifier prompts.
type LabelOption struct {
	Key        string   `json:"key" yaml:"key" mapstructure:"key"`
	Candidates []string `json:"candidates" yaml:"candidates" mapstructure:"candidates"`
}

// Ambiguity reports a candidate claimed by more than one option. The first
// option listed wins.
type Ambiguity struct {
	Candidate string
	Keys      []string
}

// Taxonomy is an immutable ordered list of label options
type Taxonomy struct {
	name    string
	options []LabelOption
	lookup  map[string]string
}

// New builds a taxonomy. The options are copied.
func New(name string, options []LabelOption) *Taxonomy {
	t := &Taxonomy{
		name:    name,
		options: make([]LabelOption, 0, len(options)),
		lookup:  make(map[string]string),
	}
	for _, opt := range options {
		cands := make([]string, len(opt.Candidates))
		copy(cands, opt.Candidates)
		t.options = append(t.options, LabelOption{Key: opt.Key, Candidates: cands})

		for _, c := range cands {
			folded := utils.FoldText(c)
			if _, taken := t.lookup[folded]; !taken {
				t.lookup[folded] = opt.Key
			}
		}
	}
	return t
}

// Name returns the taxonomy name ("theme", "style")
func (t *Taxonomy) Name() string {
	return t.name
}

// Options returns a copy of the options
func (t *Taxonomy) Options() []LabelOption {
	out := make([]LabelOption, len(t.options))
	for i, opt := range t.options {
		cands := make([]string, len(opt.Candidates))
		copy(cands, opt.Candidates)
		out[i] = LabelOption{Key: opt.Key, Candidates: cands}
	}
	return out
}

// Keys returns the canonical keys in taxonomy order
func (t *Taxonomy) Keys() []string {
	keys := make([]string, len(t.options))
	for i, opt := range t.options {
		keys[i] = opt.Key
	}
	return keys
}

// Flatten concatenates every option's candidates in taxonomy order.
// Duplicates are passed through unchanged.
func (t *Taxonomy) Flatten() []string {
	var out []string
	for _, opt := range t.options {
		out = append(out, opt.Candidates...)
	}
	return out
}

// Resolve returns the key of the first option whose candidates contain raw
// after trimming, case folding and diacritic folding. ok is false on a miss.
func (t *Taxonomy) Resolve(raw string) (key string, ok bool) {
	key, ok = t.lookup[utils.FoldText(raw)]
	return key, ok
}

// Canonicalize is Resolve that falls back to raw, unchanged, on a miss
func (t *Taxonomy) Canonicalize(raw string) string {
	if key, ok := t.Resolve(raw); ok {
		return key
	}
	return raw
}

// Ambiguities lists candidates that fold to the same string under different keys
func (t *Taxonomy) Ambiguities() []Ambiguity {
	owners := make(map[string][]string)
	var order []string
	for _, opt := range t.options {
		for _, c := range opt.Candidates {
			folded := utils.FoldText(c)
			keys, seen := owners[folded]
			if !seen {
				order = append(order, folded)
			}
			if slices.Contains(keys, opt.Key) {
				continue
			}
			owners[folded] = append(keys, opt.Key)
		}
	}

	var out []Ambiguity
	for _, folded := range order {
		if keys := owners[folded]; len(keys) > 1 {
			out = append(out, Ambiguity{Candidate: folded, Keys: keys})
		}
	}
	return out
}
