// Package sequencer defines the boundary to the ordering authority and ships
// a deterministic in-process implementation.
//
// A sequencer turns concurrent submissions from many replicas into one total
// order. Each committed operation carries a Position: an opaque, strictly
// increasing token. Delivery is at-least-once; subscribers deduplicate on
// Position.
package sequencer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/inkd/internal/ink"
)

// Position is the global order token assigned by the sequencer.
// The zero Position means "before the first operation".
type Position uint64

// Envelope is an operation as submitted by a replica.
// (ClientID, ClientSeq) identifies a submission; sequencers drop repeats so
// a resubmission after a transport failure commits at most once.
type Envelope struct {
	ClientID  string
	ClientSeq uint64
	Op        ink.Operation
}

// Sequenced is an envelope with its committed position.
type Sequenced struct {
	Position Position
	Envelope
}

type envelopeJSON struct {
	ClientID  string   `json:"client_id"`
	ClientSeq uint64   `json:"client_seq"`
	Op        ink.Wire `json:"op"`
}

// MarshalJSON implements json.Marshaler using the ink wire format for Op.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{ClientID: e.ClientID, ClientSeq: e.ClientSeq, Op: ink.Wire{Operation: e.Op}})
}

// UnmarshalJSON implements json.Unmarshaler. The operation is validated.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.ClientID = raw.ClientID
	e.ClientSeq = raw.ClientSeq
	e.Op = raw.Op.Operation
	return nil
}

type sequencedJSON struct {
	Position  Position `json:"position"`
	ClientID  string   `json:"client_id"`
	ClientSeq uint64   `json:"client_seq"`
	Op        ink.Wire `json:"op"`
}

// MarshalJSON implements json.Marshaler.
func (s Sequenced) MarshalJSON() ([]byte, error) {
	return json.Marshal(sequencedJSON{
		Position:  s.Position,
		ClientID:  s.ClientID,
		ClientSeq: s.ClientSeq,
		Op:        ink.Wire{Operation: s.Op},
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Sequenced) UnmarshalJSON(data []byte) error {
	var raw sequencedJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Position = raw.Position
	s.ClientID = raw.ClientID
	s.ClientSeq = raw.ClientSeq
	s.Op = raw.Op.Operation
	return nil
}

// Validate checks the envelope before it is ordered.
func (e Envelope) Validate() error {
	if e.ClientID == "" {
		return fmt.Errorf("envelope: client id required")
	}
	if e.ClientSeq == 0 {
		return fmt.Errorf("envelope: client seq must be positive")
	}
	if err := ink.Validate(e.Op); err != nil {
		return fmt.Errorf("envelope: %w", err)
	}
	return nil
}

// Handler receives committed operations in position order.
type Handler func(Sequenced)

// Subscription is an active delivery registration.
type Subscription interface {
	// Cancel stops delivery. Safe to call more than once.
	Cancel()
}

// Sequencer is the capability a replica consumes.
//
// Submit must not wait for the operation to be ordered; it only hands it
// over. Subscribe delivers every committed operation strictly after the
// given position, in order, then continues with live operations.
// Handlers must not call Submit synchronously.
type Sequencer interface {
	Submit(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, after Position, fn Handler) (Subscription, error)
}

// Log is the durable record of committed operations kept by a sequencer.
type Log interface {
	// Append records a committed operation. Appending an existing
	// position is a no-op.
	Append(ctx context.Context, s Sequenced) error

	// ReadAfter returns committed operations with Position > after, in order.
	ReadAfter(ctx context.Context, after Position) ([]Sequenced, error)
}
