package replica

import (
	"github.com/roach88/inkd/internal/engine"
	"github.com/roach88/inkd/internal/ink"
	"github.com/roach88/inkd/internal/sequencer"
	"github.com/roach88/inkd/internal/stroke"
)

// Change describes one operation application visible to observers.
type Change struct {
	Kind     ink.Kind
	Op       ink.Operation
	StrokeID string
	Outcome  engine.Outcome

	// Position is the committed position, 0 for an optimistic application.
	Position sequencer.Position

	// Committed is false for the optimistic application of a local
	// submission and true once the operation has been sequenced.
	Committed bool

	// Local reports whether this replica authored the operation.
	Local bool

	// Rebased reports that the view was rebuilt from committed state and
	// the pending log, so observers should redraw rather than patch.
	Rebased bool
}

// Observer receives changes. It may read the replica. It must not call
// SubmitOperation, Resubmit, Deliver or Detach synchronously; submissions
// triggered by a change belong on another goroutine.
type Observer func(Change)

// Snapshot is the committed state of a replica at a position.
// A replica created WithSnapshot resumes its subscription strictly after
// Position.
type Snapshot struct {
	Position sequencer.Position `json:"position"`
	Strokes  []stroke.Stroke    `json:"strokes"`
}

// Stats holds replica diagnostics.
type Stats struct {
	engine.Stats

	// Redeliveries counts deliveries dropped because their position was
	// already applied.
	Redeliveries uint64

	// Rebuilds counts view rebuilds caused by remote operations arriving
	// while local operations were pending.
	Rebuilds uint64

	// Pending is the current length of the pending log.
	Pending int
}

func changeFor(op ink.Operation, outcome engine.Outcome) Change {
	return Change{
		Kind:     op.Kind(),
		Op:       op,
		StrokeID: op.StrokeID(),
		Outcome:  outcome,
	}
}
