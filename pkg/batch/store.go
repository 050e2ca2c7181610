// Package batch keeps the ordered set of images being labelled.
package batch

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/menta2k/image-labeler/pkg/naming"
	"github.com/menta2k/image-labeler/pkg/types"
)

// ErrNotFound is returned for operations on an id that is not in the store
var ErrNotFound = errors.New("record not found")

// Resolver turns a raw prediction into the label shown for it
type Resolver interface {
	Resolve(c types.Category, p types.Prediction) (label string, uncovered bool)
}

// Record is one image of the batch.
//
// RawTheme and RawStyle keep the classifier's top prediction exactly as
// returned; Theme and Style are the effective labels derived from them (or
// typed by the user, see ThemeManual). A nil raw prediction means the record
// has not been classified.
type Record struct {
	ID           string
	Source       []byte
	OriginalName string

	RawTheme *types.Prediction
	RawStyle *types.Prediction

	Theme string
	Style string

	ThemeUncovered bool
	StyleUncovered bool
	ThemeManual    bool
	StyleManual    bool

	NameOverride string
}

// ThemeScore returns the raw theme score, NaN when not classified
func (r Record) ThemeScore() float64 {
	return score(r.RawTheme)
}

// StyleScore returns the raw style score, NaN when not classified
func (r Record) StyleScore() float64 {
	return score(r.RawStyle)
}

// Classified reports whether a classification result has been applied
func (r Record) Classified() bool {
	return r.RawTheme != nil && r.RawStyle != nil
}

// Pending reports whether the record still waits for its first classification
func (r Record) Pending() bool {
	return r.RawTheme == nil && r.RawStyle == nil && !r.ThemeManual && !r.StyleManual
}

// NeedsReview is true when a classified label fell below the threshold or
// matched nothing in its taxonomy.
func (r Record) NeedsReview() bool {
	if !r.Classified() {
		return false
	}
	return r.Theme == types.UnknownLabel || r.Style == types.UnknownLabel ||
		r.ThemeUncovered || r.StyleUncovered
}

func (r Record) clone() Record {
	c := r
	if r.RawTheme != nil {
		p := *r.RawTheme
		c.RawTheme = &p
	}
	if r.RawStyle != nil {
		p := *r.RawStyle
		c.RawStyle = &p
	}
	return c
}

func score(p *types.Prediction) float64 {
	if p == nil {
		return math.NaN()
	}
	return p.Score
}

// Entry is a record together with its current 1-based position
type Entry struct {
	Record
	Ordinal int
}

// AutoName is the suggested name at the entry's current position
func (e Entry) AutoName() string {
	return naming.AutoName(e.Theme, e.Style, e.Ordinal)
}

// Name is the override when set, the auto name otherwise
func (e Entry) Name() string {
	return naming.DisplayName(e.NameOverride, e.Theme, e.Style, e.Ordinal)
}

// Store is an insertion-ordered collection of records with lookup by id.
//
// Ordinals are not stored: they are the position in the current order, so
// removing a record renumbers every record after it.
type Store struct {
	mu      sync.RWMutex
	records []*Record
	index   map[string]int
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{index: make(map[string]int)}
}

// Append adds records at the end. Either every record is added or, when one
// has no id or an id already present, none is.
func (s *Store) Append(recs ...Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		if r.ID == "" {
			return fmt.Errorf("record %q has no id", r.OriginalName)
		}
		if _, exists := s.index[r.ID]; exists {
			return fmt.Errorf("duplicate record id %s", r.ID)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("duplicate record id %s", r.ID)
		}
		seen[r.ID] = struct{}{}
	}

	for _, r := range recs {
		c := r.clone()
		s.index[c.ID] = len(s.records)
		s.records = append(s.records, &c)
	}
	return nil
}

// Remove deletes the record with the given id
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.records); j++ {
		s.index[s.records[j].ID] = j
	}
	return nil
}

// Clear removes every record and returns how many were dropped
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.records)
	s.records = nil
	s.index = make(map[string]int)
	return n
}

// Len returns the number of records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Get returns a copy of the record with its current ordinal
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return Entry{}, false
	}
	return Entry{Record: s.records[i].clone(), Ordinal: i + 1}, true
}

// Snapshot returns copies of all records in order
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.records))
	for i, r := range s.records {
		out[i] = Entry{Record: r.clone(), Ordinal: i + 1}
	}
	return out
}

// IDs returns every record id in order
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.records))
	for i, r := range s.records {
		ids[i] = r.ID
	}
	return ids
}

// PendingIDs returns the ids of records that were never classified
func (s *Store) PendingIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, r := range s.records {
		if r.Pending() {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// ApplyClassification stores both raw predictions of a record and derives
// its effective labels in one step. Manual labels are dropped. It returns
// false when the record is no longer in the store, in which case nothing
// changes.
func (s *Store) ApplyClassification(id string, theme, style types.Prediction, res Resolver) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return false
	}
	r := s.records[i]
	r.RawTheme = &theme
	r.RawStyle = &style
	r.ThemeManual = false
	r.StyleManual = false
	resolve(r, res)
	return true
}

// Reevaluate recomputes the effective labels of every classified record from
// its raw predictions. Manually edited labels are kept. It returns how many
// records changed.
func (s *Store) Reevaluate(res Resolver) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, r := range s.records {
		before := *r
		resolve(r, res)
		if before.Theme != r.Theme || before.Style != r.Style ||
			before.ThemeUncovered != r.ThemeUncovered || before.StyleUncovered != r.StyleUncovered {
			changed++
		}
	}
	return changed
}

func resolve(r *Record, res Resolver) {
	if r.RawTheme != nil && !r.ThemeManual {
		r.Theme, r.ThemeUncovered = res.Resolve(types.CategoryTheme, *r.RawTheme)
	}
	if r.RawStyle != nil && !r.StyleManual {
		r.Style, r.StyleUncovered = res.Resolve(types.CategoryStyle, *r.RawStyle)
	}
}

// SetLabel replaces the effective label of one category with text typed by
// the user. The raw prediction is kept; the label stays pinned until the
// record is classified again.
func (s *Store) SetLabel(id string, c types.Category, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("set %s label on %s: %w", c, id, ErrNotFound)
	}
	r := s.records[i]
	switch c {
	case types.CategoryTheme:
		r.Theme, r.ThemeManual, r.ThemeUncovered = label, true, false
	case types.CategoryStyle:
		r.Style, r.StyleManual, r.StyleUncovered = label, true, false
	default:
		return fmt.Errorf("unknown category %q", c)
	}
	return nil
}

// SetNameOverride sets the user-chosen name. An empty name returns the
// record to its auto name.
func (s *Store) SetNameOverride(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("set name on %s: %w", id, ErrNotFound)
	}
	s.records[i].NameOverride = name
	return nil
}

// PinAutoName copies the record's current auto name into its override and
// returns it.
func (s *Store) PinAutoName(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return "", fmt.Errorf("pin name on %s: %w", id, ErrNotFound)
	}
	r := s.records[i]
	r.NameOverride = naming.AutoName(r.Theme, r.Style, i+1)
	return r.NameOverride, nil
}
