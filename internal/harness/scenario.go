package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/inkd/internal/ink"
)

// Scenario is a scripted multi-replica run.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Replicas are attached before the first step, in order.
	Replicas []string `yaml:"replicas"`

	Steps []Step `yaml:"steps"`

	// Expect is checked against the converged state. Optional.
	Expect *Expectation `yaml:"expect,omitempty"`

	// Principles lists extra properties to verify after the run.
	Principles []string `yaml:"principles,omitempty"`
}

// Step is one scripted action. Exactly one action field is set.
type Step struct {
	// Submit names the replica that submits Op.
	Submit string         `yaml:"submit,omitempty"`
	Op     map[string]any `yaml:"op,omitempty"`

	// Step delivers this many held operations.
	Step int `yaml:"step,omitempty"`

	// Flush delivers every held operation.
	Flush bool `yaml:"flush,omitempty"`

	// Redeliver re-sends every delivered operation after this position.
	Redeliver *uint64 `yaml:"redeliver,omitempty"`

	// Detach names a replica to detach.
	Detach string `yaml:"detach,omitempty"`

	// Join names a replica to attach mid-run, optionally rehydrated from
	// the snapshot of From.
	Join string `yaml:"join,omitempty"`
	From string `yaml:"from,omitempty"`

	op ink.Operation
}

// Operation returns the decoded operation of a submit step.
func (s Step) Operation() ink.Operation {
	return s.op
}

// Expectation describes the converged state.
type Expectation struct {
	// Strokes, when set, must match the visible strokes exactly and in order.
	Strokes []ExpectedStroke `yaml:"strokes,omitempty"`

	StrokeCount *int `yaml:"stroke_count,omitempty"`

	Position *uint64 `yaml:"position,omitempty"`

	// StaleMoves is the number of committed stylus samples that named a
	// stroke which did not exist.
	StaleMoves *uint64 `yaml:"stale_moves,omitempty"`

	// Fingerprint pins the canonical fingerprint.
	Fingerprint string `yaml:"fingerprint,omitempty"`
}

// ExpectedStroke describes one visible stroke.
type ExpectedStroke struct {
	ID     string      `yaml:"id"`
	Pen    *ink.Pen    `yaml:"pen,omitempty"`
	Points []ink.Point `yaml:"points"`
}

// Principles.
const (
	PrincipleIdempotentRedelivery = "idempotent_redelivery"
	PrincipleRehydration          = "rehydration"
)

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses a scenario document. Unknown fields are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	known := make(map[string]bool)
	for _, name := range s.Replicas {
		if name == "" {
			return fmt.Errorf("replica name must not be empty")
		}
		if known[name] {
			return fmt.Errorf("duplicate replica %q", name)
		}
		known[name] = true
	}

	for i := range s.Steps {
		if err := validateStep(&s.Steps[i], known); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for _, p := range s.Principles {
		switch p {
		case PrincipleIdempotentRedelivery, PrincipleRehydration:
		default:
			return fmt.Errorf("unknown principle %q", p)
		}
	}
	return nil
}

func validateStep(st *Step, known map[string]bool) error {
	actions := 0
	for _, set := range []bool{st.Submit != "", st.Step != 0, st.Flush, st.Redeliver != nil, st.Detach != "", st.Join != ""} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("exactly one action is required, got %d", actions)
	}
	if st.Op != nil && st.Submit == "" {
		return fmt.Errorf("op is only valid with submit")
	}
	if st.From != "" && st.Join == "" {
		return fmt.Errorf("from is only valid with join")
	}

	switch {
	case st.Submit != "":
		if _, ok := known[st.Submit]; !ok {
			return fmt.Errorf("unknown replica %q", st.Submit)
		}
		if st.Op == nil {
			return fmt.Errorf("submit requires op")
		}
		op, err := decodeOp(st.Op)
		if err != nil {
			return err
		}
		st.op = op

	case st.Step < 0:
		return fmt.Errorf("step must be positive")

	case st.Detach != "":
		if _, ok := known[st.Detach]; !ok {
			return fmt.Errorf("unknown replica %q", st.Detach)
		}
		known[st.Detach] = false

	case st.Join != "":
		if known[st.Join] {
			return fmt.Errorf("replica %q already exists", st.Join)
		}
		if _, ok := known[st.From]; st.From != "" && !ok {
			return fmt.Errorf("unknown replica %q", st.From)
		}
		known[st.Join] = true
	}
	return nil
}

// decodeOp converts a YAML operation into an ink operation through the
// wire format.
func decodeOp(fields map[string]any) (ink.Operation, error) {
	if _, ok := fields["time"]; !ok {
		fields["time"] = 0
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode op: %w", err)
	}
	return ink.UnmarshalOperation(data)
}
