package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/inkd/internal/canon"
	"github.com/roach88/inkd/internal/ink"
	"github.com/roach88/inkd/internal/stroke"
)

// marshalOperation converts an operation to canonical JSON TEXT in the
// tagged wire format.
func marshalOperation(op ink.Operation) (string, error) {
	raw, err := ink.MarshalOperation(op)
	if err != nil {
		return "", fmt.Errorf("marshal operation: %w", err)
	}
	data, err := canon.Marshal(json.RawMessage(raw))
	if err != nil {
		return "", fmt.Errorf("marshal operation: %w", err)
	}
	return string(data), nil
}

// unmarshalOperation parses and validates a stored operation.
func unmarshalOperation(data string) (ink.Operation, error) {
	op, err := ink.UnmarshalOperation([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal operation: %w", err)
	}
	return op, nil
}

// marshalStrokes converts strokes to canonical JSON TEXT and returns the
// matching fingerprint.
func marshalStrokes(strokes []stroke.Stroke) (data string, fingerprint string, err error) {
	raw, err := canon.MarshalStrokes(strokes)
	if err != nil {
		return "", "", fmt.Errorf("marshal strokes: %w", err)
	}
	fp, err := canon.Fingerprint(strokes)
	if err != nil {
		return "", "", fmt.Errorf("marshal strokes: %w", err)
	}
	return string(raw), fp, nil
}

// unmarshalStrokes parses stored strokes. Returns an empty slice (not nil)
// for an empty array.
func unmarshalStrokes(data string) ([]stroke.Stroke, error) {
	strokes := []stroke.Stroke{}
	if err := json.Unmarshal([]byte(data), &strokes); err != nil {
		return nil, fmt.Errorf("unmarshal strokes: %w", err)
	}
	for i := range strokes {
		if strokes[i].Operations == nil {
			strokes[i].Operations = []ink.StylusMove{}
		}
	}
	return strokes, nil
}
