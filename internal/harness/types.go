package harness

import (
	"github.com/roach88/inkd/internal/replica"
	"github.com/roach88/inkd/internal/sequencer"
	"github.com/roach88/inkd/internal/stroke"
)

// ReplicaResult is the final state of one live replica.
type ReplicaResult struct {
	Name        string        `json:"name"`
	Fingerprint string        `json:"fingerprint"`
	Stats       replica.Stats `json:"stats"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when convergence, expectations and principles hold.
	Pass bool `json:"pass"`

	// Position is the last committed position.
	Position sequencer.Position `json:"position"`

	// Fingerprint is the converged fingerprint, empty if replicas diverged.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Strokes is the converged stroke list.
	Strokes []stroke.Stroke `json:"strokes"`

	Replicas []ReplicaResult `json:"replicas"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Strokes:  []stroke.Stroke{},
		Replicas: []ReplicaResult{},
		Errors:   []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
