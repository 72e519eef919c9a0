// Package insight derives drawing statistics from a replica's committed
// change stream.
//
// A Tracker is a passive observer: it never submits operations and never
// touches replica state. It only looks at committed changes, so every
// replica attached to the same stream computes the same summary.
package insight

import (
	"math"
	"slices"
	"sync"

	"github.com/roach88/inkd/internal/engine"
	"github.com/roach88/inkd/internal/ink"
	"github.com/roach88/inkd/internal/replica"
	"github.com/roach88/inkd/internal/sequencer"
)

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

func (b *Bounds) extend(p ink.Point) {
	b.MinX = math.Min(b.MinX, p.X)
	b.MinY = math.Min(b.MinY, p.Y)
	b.MaxX = math.Max(b.MaxX, p.X)
	b.MaxY = math.Max(b.MaxY, p.Y)
}

// StrokeInsight describes one live stroke.
type StrokeInsight struct {
	ID      string  `json:"id"`
	Samples int     `json:"samples"`
	Length  float64 `json:"length"`
	Bounds  *Bounds `json:"bounds,omitempty"`

	last ink.Point
}

// Summary is a point-in-time view of the tracked canvas.
type Summary struct {
	Position  sequencer.Position `json:"position"`
	Strokes   int                `json:"strokes"`
	Samples   int                `json:"samples"`
	Length    float64            `json:"length"`
	Bounds    *Bounds            `json:"bounds,omitempty"`
	Clears    uint64             `json:"clears"`
	Replaced  uint64             `json:"replaced"`
	Discarded uint64             `json:"discarded"`
}

// Tracker accumulates insights. Register Observe with replica.Subscribe.
//
// Thread-safety: safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	position  sequencer.Position
	order     []string
	strokes   map[string]*StrokeInsight
	clears    uint64
	replaced  uint64
	discarded uint64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{strokes: make(map[string]*StrokeInsight)}
}

// Observe consumes one change. Optimistic changes are ignored.
func (t *Tracker) Observe(c replica.Change) {
	if !c.Committed {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.position = c.Position

	switch c.Outcome {
	case engine.OutcomeCleared:
		t.clears++
		t.order = t.order[:0]
		clear(t.strokes)

	case engine.OutcomeCreated, engine.OutcomeReplaced:
		if c.Outcome == engine.OutcomeReplaced {
			t.replaced++
			t.order = slices.DeleteFunc(t.order, func(id string) bool { return id == c.StrokeID })
		}
		t.order = append(t.order, c.StrokeID)
		t.strokes[c.StrokeID] = &StrokeInsight{ID: c.StrokeID}

	case engine.OutcomeAppended:
		move, ok := ink.Normalize(c.Op).(ink.StylusMove)
		if !ok {
			return
		}
		s := t.strokes[c.StrokeID]
		if s == nil {
			return
		}
		if s.Bounds == nil {
			s.Bounds = &Bounds{MinX: move.Point.X, MinY: move.Point.Y, MaxX: move.Point.X, MaxY: move.Point.Y}
		} else {
			s.Length += math.Hypot(move.Point.X-s.last.X, move.Point.Y-s.last.Y)
			s.Bounds.extend(move.Point)
		}
		s.last = move.Point
		s.Samples++

	case engine.OutcomeDiscarded:
		t.discarded++
	}
}

// Stroke returns the insight for one live stroke.
func (t *Tracker) Stroke(id string) (StrokeInsight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.strokes[id]
	if !ok {
		return StrokeInsight{}, false
	}
	return copyInsight(s), true
}

// Strokes returns insights for every live stroke in creation order.
func (t *Tracker) Strokes() []StrokeInsight {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]StrokeInsight, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, copyInsight(t.strokes[id]))
	}
	return out
}

// Summary aggregates the live strokes.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	sum := Summary{
		Position:  t.position,
		Strokes:   len(t.order),
		Clears:    t.clears,
		Replaced:  t.replaced,
		Discarded: t.discarded,
	}
	for _, id := range t.order {
		s := t.strokes[id]
		sum.Samples += s.Samples
		sum.Length += s.Length
		if s.Bounds == nil {
			continue
		}
		if sum.Bounds == nil {
			b := *s.Bounds
			sum.Bounds = &b
			continue
		}
		sum.Bounds.extend(ink.Point{X: s.Bounds.MinX, Y: s.Bounds.MinY})
		sum.Bounds.extend(ink.Point{X: s.Bounds.MaxX, Y: s.Bounds.MaxY})
	}
	return sum
}

func copyInsight(s *StrokeInsight) StrokeInsight {
	out := *s
	if s.Bounds != nil {
		b := *s.Bounds
		out.Bounds = &b
	}
	return out
}
