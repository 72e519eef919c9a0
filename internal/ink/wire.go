package ink

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// wireOperation is the union of all wire fields. Pointers distinguish a
// missing field from a zero value.
type wireOperation struct {
	Type     Kind     `json:"type"`
	Time     *int64   `json:"time"`
	ID       *string  `json:"id,omitempty"`
	Pen      *Pen     `json:"pen,omitempty"`
	Point    *Point   `json:"point,omitempty"`
	Pressure *float64 `json:"pressure,omitempty"`
}

// MarshalOperation encodes op in the tagged wire format.
func MarshalOperation(op Operation) ([]byte, error) {
	w, err := toWire(op)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func toWire(op Operation) (wireOperation, error) {
	switch o := Normalize(op).(type) {
	case Clear:
		return wireOperation{Type: KindClear, Time: &o.Time}, nil
	case CreateStroke:
		return wireOperation{Type: KindCreateStroke, Time: &o.Time, ID: &o.ID, Pen: &o.Pen}, nil
	case StylusMove:
		return wireOperation{
			Type:     KindStylus,
			Time:     &o.Time,
			ID:       &o.ID,
			Point:    &o.Point,
			Pressure: &o.Pressure,
		}, nil
	default:
		return wireOperation{}, malformed("", "type", fmt.Sprintf("unknown operation %T", op))
	}
}

// UnmarshalOperation decodes and validates a tagged wire operation.
// Missing required fields, unknown fields and unknown tags all yield a
// *MalformedOperationError.
func UnmarshalOperation(data []byte) (Operation, error) {
	var w wireOperation
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, malformed("", "", fmt.Sprintf("decode: %v", err))
	}

	if w.Time == nil {
		return nil, malformed(w.Type, "time", "required")
	}

	var op Operation
	switch w.Type {
	case KindClear:
		op = Clear{Time: *w.Time}
	case KindCreateStroke:
		if w.ID == nil {
			return nil, malformed(w.Type, "id", "required")
		}
		if w.Pen == nil {
			return nil, malformed(w.Type, "pen", "required")
		}
		op = CreateStroke{Time: *w.Time, ID: *w.ID, Pen: *w.Pen}
	case KindStylus:
		if w.ID == nil {
			return nil, malformed(w.Type, "id", "required")
		}
		if w.Point == nil {
			return nil, malformed(w.Type, "point", "required")
		}
		if w.Pressure == nil {
			return nil, malformed(w.Type, "pressure", "required")
		}
		op = StylusMove{Time: *w.Time, ID: *w.ID, Point: *w.Point, Pressure: *w.Pressure}
	case "":
		return nil, malformed("", "type", "required")
	default:
		return nil, malformed("", "type", fmt.Sprintf("unknown operation type %q", w.Type))
	}

	if err := Validate(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Wire wraps an Operation so it can be embedded in JSON documents.
type Wire struct {
	Operation
}

// MarshalJSON implements json.Marshaler.
func (w Wire) MarshalJSON() ([]byte, error) {
	if w.Operation == nil {
		return []byte("null"), nil
	}
	return MarshalOperation(w.Operation)
}

// UnmarshalJSON implements json.Unmarshaler.
func (w *Wire) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		w.Operation = nil
		return nil
	}
	op, err := UnmarshalOperation(data)
	if err != nil {
		return err
	}
	w.Operation = op
	return nil
}
