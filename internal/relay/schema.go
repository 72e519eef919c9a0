package relay

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaSource string

// Schema validates inbound frames against the embedded CUE definitions.
//
// Thread-safety: Schema is safe for concurrent use; validation is
// serialized because a cue.Context is not.
type Schema struct {
	mu    sync.Mutex
	ctx   *cue.Context
	frame cue.Value
}

// NewSchema compiles the embedded frame schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}

	frame := v.LookupPath(cue.ParsePath("#Frame"))
	if err := frame.Err(); err != nil {
		return nil, fmt.Errorf("lookup #Frame: %w", err)
	}

	return &Schema{ctx: ctx, frame: frame}, nil
}

// Validate checks that data is a well-formed inbound frame.
func (s *Schema) Validate(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.ctx.CompileBytes(data, cue.Filename("frame.json"))
	if err := v.Err(); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}

	if err := s.frame.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	return nil
}
