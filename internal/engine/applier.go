package engine

import (
	"fmt"
	"log/slog"

	"github.com/roach88/inkd/internal/ink"
	"github.com/roach88/inkd/internal/stroke"
)

// Outcome describes what applying one operation did to a store.
type Outcome int

const (
	// OutcomeCleared means every stroke was removed.
	OutcomeCleared Outcome = iota + 1
	// OutcomeCreated means a new empty stroke was added.
	OutcomeCreated
	// OutcomeReplaced means a CreateStroke overwrote an existing id.
	OutcomeReplaced
	// OutcomeAppended means a sample was appended to a stroke.
	OutcomeAppended
	// OutcomeDiscarded means a StylusMove named a stroke that does not exist.
	OutcomeDiscarded
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeCleared:
		return "cleared"
	case OutcomeCreated:
		return "created"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeAppended:
		return "appended"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Stats are diagnostic counters. They never influence stroke state.
type Stats struct {
	Applied          uint64 `json:"applied"`
	Clears           uint64 `json:"clears"`
	Creates          uint64 `json:"creates"`
	DuplicateCreates uint64 `json:"duplicate_creates"`
	Appends          uint64 `json:"appends"`
	StaleMoves       uint64 `json:"stale_moves"`
}

// Applier is the deterministic state-transition function
// (Store, Operation) → Store'.
//
// Apply reads no clock, draws no randomness and consults nothing but its
// arguments, so two replicas that apply the same ordered operations end up
// with identical stores.
//
// Thread-safety: an Applier is not safe for concurrent use; its owner
// serializes calls (single-writer).
type Applier struct {
	logger *slog.Logger
	stats  Stats
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithLogger sets the logger used for anomaly reports.
// Default: slog.Default().
func WithLogger(l *slog.Logger) ApplierOption {
	return func(a *Applier) {
		a.logger = l
	}
}

// NewApplier creates an Applier.
func NewApplier(opts ...ApplierOption) *Applier {
	a := &Applier{logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply applies op to s.
//
// Policy:
//   - Clear empties the store and always succeeds.
//   - CreateStroke for an existing id overwrites it (last write wins) and is
//     logged as an anomaly; it never fails the stream.
//   - StylusMove for a missing id is stale: it is dropped without error and
//     counted. It is not buffered or retried.
//
// The only error is an operation outside the closed set.
func (a *Applier) Apply(s *stroke.Store, op ink.Operation) (Outcome, error) {
	switch o := ink.Normalize(op).(type) {
	case ink.Clear:
		s.ClearAll()
		a.stats.Clears++
		a.stats.Applied++
		return OutcomeCleared, nil

	case ink.CreateStroke:
		a.stats.Applied++
		if s.UpsertEmpty(o.ID, o.Pen) {
			a.stats.DuplicateCreates++
			a.logger.Warn("duplicate stroke id; last write wins",
				"stroke", o.ID,
			)
			return OutcomeReplaced, nil
		}
		a.stats.Creates++
		return OutcomeCreated, nil

	case ink.StylusMove:
		a.stats.Applied++
		if !s.AppendPoint(o) {
			a.stats.StaleMoves++
			a.logger.Debug("stale stylus sample discarded",
				"stroke", o.ID,
			)
			return OutcomeDiscarded, nil
		}
		a.stats.Appends++
		return OutcomeAppended, nil

	default:
		return 0, &RuntimeError{
			Code:    ErrCodeUnknownOperation,
			Message: fmt.Sprintf("cannot apply operation of type %T", op),
		}
	}
}

// ApplyAll applies ops in order, stopping at the first error.
func (a *Applier) ApplyAll(s *stroke.Store, ops []ink.Operation) error {
	for i, op := range ops {
		if _, err := a.Apply(s, op); err != nil {
			return fmt.Errorf("apply operation %d: %w", i, err)
		}
	}
	return nil
}

// Stats returns a copy of the counters.
func (a *Applier) Stats() Stats {
	return a.stats
}
