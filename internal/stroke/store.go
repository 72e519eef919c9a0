// Package stroke holds the in-memory stroke state of one replica.
//
// A Store maps stroke id to stroke and iterates in creation order. It does
// no I/O and no locking; the owning replica serializes access.
package stroke

import (
	"slices"

	"github.com/roach88/inkd/internal/ink"
)

// Stroke is one continuous ink mark.
type Stroke struct {
	ID         string           `json:"id"`
	Pen        ink.Pen          `json:"pen"`
	Operations []ink.StylusMove `json:"operations"`
}

// Points returns the sample coordinates in order.
func (s Stroke) Points() []ink.Point {
	points := make([]ink.Point, len(s.Operations))
	for i, op := range s.Operations {
		points[i] = op.Point
	}
	return points
}

// Clone returns a deep copy that shares no memory with s.
func (s Stroke) Clone() Stroke {
	ops := make([]ink.StylusMove, len(s.Operations))
	copy(ops, s.Operations)
	return Stroke{ID: s.ID, Pen: s.Pen, Operations: ops}
}

// Store is the id → stroke mapping.
//
// INVARIANTS:
//   - every id in order is a key of byID and vice versa
//   - order is creation order; a replaced stroke moves to the end
type Store struct {
	order []string
	byID  map[string]*Stroke
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{byID: make(map[string]*Stroke)}
}

// Get returns a copy of the stroke with the given id.
func (s *Store) Get(id string) (Stroke, bool) {
	st, ok := s.byID[id]
	if !ok {
		return Stroke{}, false
	}
	return st.Clone(), true
}

// Has reports whether a stroke with the given id exists.
func (s *Store) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// All returns a snapshot of every stroke in creation order.
// Returns an empty slice (not nil) for an empty store.
func (s *Store) All() []Stroke {
	out := make([]Stroke, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// Len returns the number of strokes.
func (s *Store) Len() int {
	return len(s.order)
}

// UpsertEmpty creates a stroke with no samples. If the id already exists
// the old stroke is dropped and replaced=true is returned.
func (s *Store) UpsertEmpty(id string, pen ink.Pen) (replaced bool) {
	if _, ok := s.byID[id]; ok {
		replaced = true
		s.order = slices.DeleteFunc(s.order, func(existing string) bool {
			return existing == id
		})
	}
	s.byID[id] = &Stroke{ID: id, Pen: pen, Operations: []ink.StylusMove{}}
	s.order = append(s.order, id)
	return replaced
}

// AppendPoint appends a sample to the stroke named by move.ID.
// Returns false, leaving the store untouched, if the stroke does not exist.
func (s *Store) AppendPoint(move ink.StylusMove) bool {
	st, ok := s.byID[move.ID]
	if !ok {
		return false
	}
	st.Operations = append(st.Operations, move)
	return true
}

// ClearAll removes every stroke.
func (s *Store) ClearAll() {
	s.order = nil
	clear(s.byID)
}

// Clone returns an independent deep copy of the store.
func (s *Store) Clone() *Store {
	c := &Store{
		order: slices.Clone(s.order),
		byID:  make(map[string]*Stroke, len(s.byID)),
	}
	for id, st := range s.byID {
		cp := st.Clone()
		c.byID[id] = &cp
	}
	return c
}

// Load replaces the contents of the store with strokes, keeping their order.
// Later duplicates of an id replace earlier ones, as UpsertEmpty would.
func (s *Store) Load(strokes []Stroke) {
	s.ClearAll()
	for _, st := range strokes {
		s.UpsertEmpty(st.ID, st.Pen)
		cp := st.Clone()
		s.byID[st.ID].Operations = cp.Operations
	}
}
