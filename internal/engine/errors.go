package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected while applying operations.
//
// Runtime errors include:
//   - Unknown operation: an operation outside the closed set reached the applier
//   - Halted: a committed operation failed to apply and the replica stopped
//   - Detached: the replica no longer accepts operations
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Position is the committed position involved, 0 if none.
	Position uint64

	// StrokeID identifies the affected stroke, if any.
	StrokeID string

	// Err is the underlying cause (optional).
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeUnknownOperation indicates an operation kind the applier cannot match.
	ErrCodeUnknownOperation RuntimeErrorCode = "UNKNOWN_OPERATION"

	// ErrCodeHalted indicates application stopped to avoid silent divergence.
	ErrCodeHalted RuntimeErrorCode = "HALTED"

	// ErrCodeDetached indicates the replica has been detached from its session.
	ErrCodeDetached RuntimeErrorCode = "DETACHED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Position != 0 {
		msg = fmt.Sprintf("%s (position=%d)", msg, e.Position)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsHalted returns true if the error is a halted error.
// Uses errors.As to handle wrapped errors.
func IsHalted(err error) bool {
	return hasCode(err, ErrCodeHalted)
}

// IsDetached returns true if the error is a detached error.
func IsDetached(err error) bool {
	return hasCode(err, ErrCodeDetached)
}

// IsUnknownOperation returns true if the error is an unknown operation error.
func IsUnknownOperation(err error) bool {
	return hasCode(err, ErrCodeUnknownOperation)
}

// hasCode reports whether any RuntimeError in err's chain carries code.
// A halted error wraps the failure that caused it, so both are visible.
func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	for errors.As(err, &re) {
		if re.Code == code {
			return true
		}
		err = re.Err
	}
	return false
}

// NewHaltedError creates a RuntimeError for a committed operation that
// could not be applied.
func NewHaltedError(position uint64, cause error) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeHalted,
		Message:  "committed operation failed to apply; application halted",
		Position: position,
		Err:      cause,
	}
}

// NewDetachedError creates a RuntimeError for use after detach.
func NewDetachedError() *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeDetached,
		Message: "replica is detached",
	}
}
