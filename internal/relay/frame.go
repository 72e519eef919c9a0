// Package relay carries the sequencer boundary over websockets.
//
// A Server wraps a sequencer and lets remote replicas submit envelopes and
// subscribe to the committed stream. A Client implements
// sequencer.Sequencer on top of one websocket connection, so a replica
// cannot tell a remote sequencer from an in-process one.
//
// Frames are JSON objects tagged by "type":
//
//	client → server  submit     {client_id, client_seq, op}
//	client → server  subscribe  {after}
//	server → client  op         {position, client_id, client_seq, op}
//	server → client  error      {message, client_seq?}
//
// Inbound frames are checked against an embedded CUE schema before they are
// decoded.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/inkd/internal/ink"
	"github.com/roach88/inkd/internal/sequencer"
)

// Frame types.
const (
	FrameSubmit    = "submit"
	FrameSubscribe = "subscribe"
	FrameOp        = "op"
	FrameError     = "error"
)

// frame is the union of all frame fields.
type frame struct {
	Type      string    `json:"type"`
	Position  uint64    `json:"position,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	ClientSeq uint64    `json:"client_seq,omitempty"`
	Op        *ink.Wire `json:"op,omitempty"`
	After     *uint64   `json:"after,omitempty"`
	Message   string    `json:"message,omitempty"`
}

func submitFrame(env sequencer.Envelope) ([]byte, error) {
	return json.Marshal(frame{
		Type:      FrameSubmit,
		ClientID:  env.ClientID,
		ClientSeq: env.ClientSeq,
		Op:        &ink.Wire{Operation: env.Op},
	})
}

func subscribeFrame(after sequencer.Position) ([]byte, error) {
	a := uint64(after)
	return json.Marshal(frame{Type: FrameSubscribe, After: &a})
}

func opFrame(s sequencer.Sequenced) ([]byte, error) {
	return json.Marshal(frame{
		Type:      FrameOp,
		Position:  uint64(s.Position),
		ClientID:  s.ClientID,
		ClientSeq: s.ClientSeq,
		Op:        &ink.Wire{Operation: s.Op},
	})
}

func errorFrame(clientSeq uint64, err error) []byte {
	data, _ := json.Marshal(frame{Type: FrameError, ClientSeq: clientSeq, Message: err.Error()})
	return data
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func (f frame) envelope() sequencer.Envelope {
	env := sequencer.Envelope{ClientID: f.ClientID, ClientSeq: f.ClientSeq}
	if f.Op != nil {
		env.Op = f.Op.Operation
	}
	return env
}

func (f frame) sequenced() sequencer.Sequenced {
	return sequencer.Sequenced{Position: sequencer.Position(f.Position), Envelope: f.envelope()}
}
