package store

import (
	"context"
	"fmt"

	"github.com/roach88/inkd/internal/sequencer"
	"github.com/roach88/inkd/internal/stroke"
)

// AppendOperation records a committed operation.
// Uses ON CONFLICT DO NOTHING for idempotency: a repeated position or a
// repeated (client_id, client_seq) is silently ignored. Other constraint
// violations (e.g. position 0) still return errors.
//
// The operation is validated before it is written.
func (s *Store) AppendOperation(ctx context.Context, op sequencer.Sequenced) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("append operation %d: %w", op.Position, err)
	}

	opJSON, err := marshalOperation(op.Op)
	if err != nil {
		return fmt.Errorf("append operation %d: %w", op.Position, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operations
		(position, client_id, client_seq, kind, stroke_id, op)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		int64(op.Position),
		op.ClientID,
		int64(op.ClientSeq),
		string(op.Op.Kind()),
		op.Op.StrokeID(),
		opJSON,
	)
	if err != nil {
		return fmt.Errorf("append operation %d: %w", op.Position, err)
	}

	return nil
}

// Append implements sequencer.Log.
func (s *Store) Append(ctx context.Context, op sequencer.Sequenced) error {
	return s.AppendOperation(ctx, op)
}

// WriteSnapshot records the committed strokes at a position. Writing the
// same position twice keeps the first snapshot.
func (s *Store) WriteSnapshot(ctx context.Context, position sequencer.Position, strokes []stroke.Stroke) error {
	data, fp, err := marshalStrokes(strokes)
	if err != nil {
		return fmt.Errorf("write snapshot %d: %w", position, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (position, fingerprint, strokes)
		VALUES (?, ?, ?)
		ON CONFLICT(position) DO NOTHING
	`, int64(position), fp, data)
	if err != nil {
		return fmt.Errorf("write snapshot %d: %w", position, err)
	}

	return nil
}
