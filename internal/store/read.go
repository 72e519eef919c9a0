package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/inkd/internal/canon"
	"github.com/roach88/inkd/internal/sequencer"
	"github.com/roach88/inkd/internal/stroke"
)

// SnapshotRecord is a stored snapshot.
type SnapshotRecord struct {
	Position    sequencer.Position
	Fingerprint string
	Strokes     []stroke.Stroke
}

// ReadOperations returns committed operations with position > after,
// ordered by position ASC.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ReadOperations(ctx context.Context, after sequencer.Position) ([]sequencer.Sequenced, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, client_id, client_seq, op
		FROM operations
		WHERE position > ?
		ORDER BY position ASC
	`, int64(after))
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := []sequencer.Sequenced{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}

	return ops, nil
}

// ReadAfter implements sequencer.Log.
func (s *Store) ReadAfter(ctx context.Context, after sequencer.Position) ([]sequencer.Sequenced, error) {
	return s.ReadOperations(ctx, after)
}

func scanOperation(rows *sql.Rows) (sequencer.Sequenced, error) {
	var (
		position  int64
		clientSeq int64
		opJSON    string
		op        sequencer.Sequenced
	)
	if err := rows.Scan(&position, &op.ClientID, &clientSeq, &opJSON); err != nil {
		return sequencer.Sequenced{}, fmt.Errorf("scan operation: %w", err)
	}

	decoded, err := unmarshalOperation(opJSON)
	if err != nil {
		return sequencer.Sequenced{}, fmt.Errorf("operation %d: %w", position, err)
	}

	op.Position = sequencer.Position(position)
	op.ClientSeq = uint64(clientSeq)
	op.Op = decoded
	return op, nil
}

// LastPosition returns the highest recorded position, 0 for an empty log.
func (s *Store) LastPosition(ctx context.Context) (sequencer.Position, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(position) FROM operations`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last position: %w", err)
	}
	return sequencer.Position(last.Int64), nil
}

// CountOperations returns the number of recorded operations.
func (s *Store) CountOperations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return n, nil
}

// LatestSnapshot returns the snapshot with the highest position.
// ok is false when no snapshot exists. A snapshot whose strokes no longer
// match the stored fingerprint is reported as an error.
func (s *Store) LatestSnapshot(ctx context.Context) (rec SnapshotRecord, ok bool, err error) {
	var (
		position int64
		data     string
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT position, fingerprint, strokes
		FROM snapshots
		ORDER BY position DESC
		LIMIT 1
	`).Scan(&position, &rec.Fingerprint, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, false, nil
	}
	if err != nil {
		return SnapshotRecord{}, false, fmt.Errorf("latest snapshot: %w", err)
	}

	rec.Position = sequencer.Position(position)
	rec.Strokes, err = unmarshalStrokes(data)
	if err != nil {
		return SnapshotRecord{}, false, fmt.Errorf("latest snapshot %d: %w", position, err)
	}

	fp, err := canon.Fingerprint(rec.Strokes)
	if err != nil {
		return SnapshotRecord{}, false, fmt.Errorf("latest snapshot %d: %w", position, err)
	}
	if fp != rec.Fingerprint {
		return SnapshotRecord{}, false, fmt.Errorf("latest snapshot %d: fingerprint mismatch: stored %s, computed %s", position, rec.Fingerprint, fp)
	}

	return rec, true, nil
}
