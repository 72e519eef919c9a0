package ink

import (
	"errors"
	"fmt"
	"math"
)

// MalformedOperationError reports an operation that must never reach the
// sequencer: a missing field, a non-positive pen thickness, a non-finite
// coordinate or an unknown kind.
type MalformedOperationError struct {
	// Kind is the operation tag, empty when it could not be determined.
	Kind Kind

	// Field is the offending field path, e.g. "pen.thickness".
	Field string

	// Reason is a human-readable description.
	Reason string
}

// Error implements the error interface.
func (e *MalformedOperationError) Error() string {
	switch {
	case e.Kind != "" && e.Field != "":
		return fmt.Sprintf("malformed operation: %s.%s: %s", e.Kind, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("malformed operation: %s: %s", e.Field, e.Reason)
	default:
		return fmt.Sprintf("malformed operation: %s", e.Reason)
	}
}

// IsMalformed returns true if err is, or wraps, a MalformedOperationError.
func IsMalformed(err error) bool {
	var me *MalformedOperationError
	return errors.As(err, &me)
}

func malformed(kind Kind, field, reason string) *MalformedOperationError {
	return &MalformedOperationError{Kind: kind, Field: field, Reason: reason}
}

// Validate checks that op is complete and within the documented ranges.
// Returns a *MalformedOperationError on failure.
func Validate(op Operation) error {
	switch o := op.(type) {
	case nil:
		return malformed("", "", "operation is nil")
	case Clear:
		return validateTime(KindClear, o.Time)
	case *Clear:
		if o == nil {
			return malformed(KindClear, "", "operation is nil")
		}
		return Validate(*o)
	case CreateStroke:
		if err := validateTime(KindCreateStroke, o.Time); err != nil {
			return err
		}
		if o.ID == "" {
			return malformed(KindCreateStroke, "id", "required")
		}
		return validatePen(o.Pen)
	case *CreateStroke:
		if o == nil {
			return malformed(KindCreateStroke, "", "operation is nil")
		}
		return Validate(*o)
	case StylusMove:
		if err := validateTime(KindStylus, o.Time); err != nil {
			return err
		}
		if o.ID == "" {
			return malformed(KindStylus, "id", "required")
		}
		if !finite(o.Point.X) || !finite(o.Point.Y) {
			return malformed(KindStylus, "point", "coordinates must be finite")
		}
		if !finite(o.Pressure) || o.Pressure < 0 || o.Pressure > 1 {
			return malformed(KindStylus, "pressure", fmt.Sprintf("must be within [0, 1], got %v", o.Pressure))
		}
		return nil
	case *StylusMove:
		if o == nil {
			return malformed(KindStylus, "", "operation is nil")
		}
		return Validate(*o)
	default:
		return malformed("", "type", fmt.Sprintf("unknown operation %T", op))
	}
}

// MaxTime is the largest accepted operation time: the largest integer a
// JSON number carries exactly (2^53 - 1).
const MaxTime int64 = 1<<53 - 1

func validateTime(kind Kind, t int64) error {
	if t < 0 {
		return malformed(kind, "time", "must not be negative")
	}
	if t > MaxTime {
		return malformed(kind, "time", fmt.Sprintf("must not exceed %d, got %d", MaxTime, t))
	}
	return nil
}

func validatePen(p Pen) error {
	if !finite(p.Thickness) || p.Thickness <= 0 {
		return malformed(KindCreateStroke, "pen.thickness", fmt.Sprintf("must be positive, got %v", p.Thickness))
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Normalize returns the value form of op, dereferencing pointer variants.
// Pointer variants are accepted at the API boundary only; stores and logs
// hold values so no operation shares mutable state with its caller.
func Normalize(op Operation) Operation {
	switch o := op.(type) {
	case *Clear:
		return *o
	case *CreateStroke:
		return *o
	case *StylusMove:
		return *o
	default:
		return op
	}
}
