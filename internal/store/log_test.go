package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/inkd/internal/canon"
	"github.com/roach88/inkd/internal/engine"
	"github.com/roach88/inkd/internal/ink"
	"github.com/roach88/inkd/internal/sequencer"
	"github.com/roach88/inkd/internal/stroke"
)

func TestAppendOperation_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	ops := []sequencer.Sequenced{
		seqOp(1, "a", 1, ink.CreateStroke{Time: 100, ID: "s1", Pen: testPen}),
		seqOp(2, "a", 2, ink.StylusMove{Time: 101, ID: "s1", Point: ink.Point{X: 1.5, Y: -2}, Pressure: 0.75}),
		seqOp(3, "b", 1, ink.Clear{Time: 102}),
	}
	for _, op := range ops {
		require.NoError(t, s.AppendOperation(ctx, op))
	}

	got, err := s.ReadOperations(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ops, got)

	tail, err := s.ReadAfter(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, ops[2:], tail)

	last, err := s.LastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, sequencer.Position(3), last)
}

func TestAppendOperation_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	first := seqOp(1, "a", 1, ink.Clear{})
	require.NoError(t, s.AppendOperation(ctx, first))

	// Same position, different payload: first write wins.
	require.NoError(t, s.AppendOperation(ctx, seqOp(1, "z", 9, ink.Clear{Time: 5})))
	// Same submission at another position: dropped.
	require.NoError(t, s.AppendOperation(ctx, seqOp(2, "a", 1, ink.Clear{})))

	n, err := s.CountOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.ReadOperations(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []sequencer.Sequenced{first}, got)
}

func TestAppendOperation_Rejects(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	tests := []struct {
		name string
		op   sequencer.Sequenced
	}{
		{"zero position", seqOp(0, "a", 1, ink.Clear{})},
		{"missing client", seqOp(1, "", 1, ink.Clear{})},
		{"zero client seq", seqOp(1, "a", 0, ink.Clear{})},
		{"nil op", seqOp(1, "a", 1, nil)},
		{"malformed op", seqOp(1, "a", 1, ink.CreateStroke{ID: "s", Pen: ink.Pen{Thickness: -1}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, s.AppendOperation(ctx, tt.op))
		})
	}
}

func TestAppendOperation_TimeBoundary(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.db")
	s, err := Open(path)
	require.NoError(t, err)

	ops := []sequencer.Sequenced{
		seqOp(1, "a", 1, ink.CreateStroke{Time: ink.MaxTime, ID: "s1", Pen: testPen}),
		seqOp(2, "a", 2, ink.StylusMove{Time: ink.MaxTime, ID: "s1", Point: ink.Point{X: 1, Y: 1}, Pressure: 1}),
		seqOp(3, "a", 3, ink.Clear{Time: ink.MaxTime}),
	}
	for _, op := range ops {
		require.NoError(t, s.AppendOperation(ctx, op))
	}

	for _, tm := range []int64{ink.MaxTime + 1, math.MaxInt64} {
		err := s.AppendOperation(ctx, seqOp(4, "a", 4, ink.Clear{Time: tm}))
		require.Error(t, err, "time %d", tm)
		assert.True(t, ink.IsMalformed(err))
	}

	got, err := s.ReadOperations(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ops, got)

	strokes := []stroke.Stroke{{ID: "s1", Pen: testPen, Operations: []ink.StylusMove{
		{Time: ink.MaxTime, ID: "s1", Point: ink.Point{X: 1, Y: 1}, Pressure: 1},
	}}}
	require.NoError(t, s.WriteSnapshot(ctx, 2, strokes))
	rec, ok, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, strokes, rec.Strokes)
	require.NoError(t, s.Close())

	// The log stays readable across a restart.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	seq, err := sequencer.NewLocal(ctx, sequencer.WithLog(s), sequencer.WithLocalLogger(discardLogger()))
	require.NoError(t, err)
	defer seq.Close()
	assert.Equal(t, sequencer.Position(3), seq.Position())
}

func TestReadOperations_Empty(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	got, err := s.ReadOperations(ctx, 0)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	last, err := s.LastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, sequencer.Position(0), last)
}

func TestStoredOperationIsCanonical(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.AppendOperation(ctx, seqOp(1, "a", 1,
		ink.StylusMove{Time: 7, ID: "s<1>", Point: ink.Point{X: 0.5, Y: 2}, Pressure: 1})))

	var stored string
	require.NoError(t, s.db.QueryRow("SELECT op FROM operations WHERE position = 1").Scan(&stored))
	assert.Equal(t, `{"id":"s<1>","point":{"x":0.5,"y":2},"pressure":1,"time":7,"type":"stylus"}`, stored)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, ok, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	strokes := []stroke.Stroke{
		{ID: "s1", Pen: testPen, Operations: []ink.StylusMove{
			{Time: 1, ID: "s1", Point: ink.Point{X: 1, Y: 2}, Pressure: 0.5},
		}},
		{ID: "s2", Pen: testPen, Operations: []ink.StylusMove{}},
	}
	require.NoError(t, s.WriteSnapshot(ctx, 4, []stroke.Stroke{}))
	require.NoError(t, s.WriteSnapshot(ctx, 9, strokes))
	// Same position again keeps the first.
	require.NoError(t, s.WriteSnapshot(ctx, 9, nil))

	rec, ok, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sequencer.Position(9), rec.Position)
	assert.Equal(t, strokes, rec.Strokes)
	assert.Equal(t, canon.MustFingerprint(strokes), rec.Fingerprint)
}

func TestSnapshot_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.WriteSnapshot(ctx, 1, []stroke.Stroke{{ID: "s1", Pen: testPen, Operations: []ink.StylusMove{}}}))
	_, err := s.db.Exec(`UPDATE snapshots SET strokes = '[]' WHERE position = 1`)
	require.NoError(t, err)

	_, _, err = s.LatestSnapshot(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fingerprint mismatch")
}

func buildLog(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	ops := []sequencer.Sequenced{
		seqOp(1, "a", 1, ink.CreateStroke{ID: "s1", Pen: testPen}),
		seqOp(2, "a", 2, ink.StylusMove{ID: "s1", Point: ink.Point{X: 1, Y: 1}, Pressure: 1}),
		seqOp(3, "b", 1, ink.CreateStroke{ID: "s2", Pen: testPen}),
		seqOp(4, "b", 2, ink.StylusMove{ID: "ghost", Pressure: 1}),
		seqOp(5, "a", 3, ink.Clear{}),
		seqOp(6, "b", 3, ink.CreateStroke{ID: "s3", Pen: testPen}),
		seqOp(7, "b", 4, ink.StylusMove{ID: "s3", Point: ink.Point{X: 4, Y: 4}, Pressure: 0.2}),
	}
	for _, op := range ops {
		require.NoError(t, s.AppendOperation(ctx, op))
	}
}

func TestReplay_Deterministic(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	buildLog(t, s)

	first, err := s.Replay(ctx, WithReplayLogger(discardLogger()))
	require.NoError(t, err)
	second, err := s.Replay(ctx, WithReplayLogger(discardLogger()))
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, sequencer.Position(7), first.Position)
	assert.Equal(t, 7, first.Applied)
	assert.Equal(t, sequencer.Position(0), first.Base)
	require.Len(t, first.Strokes, 1)
	assert.Equal(t, "s3", first.Strokes[0].ID)
	assert.Equal(t, uint64(1), first.Stats.StaleMoves)
	assert.Equal(t, uint64(1), first.Stats.Clears)
}

func TestReplay_FromSnapshotMatchesFullReplay(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	buildLog(t, s)

	full, err := s.Replay(ctx, WithReplayLogger(discardLogger()))
	require.NoError(t, err)

	// Snapshot of the state after position 3.
	prefix := stroke.NewStore()
	ops, err := s.ReadOperations(ctx, 0)
	require.NoError(t, err)
	a := engine.NewApplier(engine.WithLogger(discardLogger()))
	for _, op := range ops[:3] {
		_, err := a.Apply(prefix, op.Op)
		require.NoError(t, err)
	}
	require.NoError(t, s.WriteSnapshot(ctx, 3, prefix.All()))

	resumed, err := s.Replay(ctx, FromLatestSnapshot(), WithReplayLogger(discardLogger()))
	require.NoError(t, err)

	assert.Equal(t, sequencer.Position(3), resumed.Base)
	assert.Equal(t, 4, resumed.Applied)
	assert.Equal(t, full.Position, resumed.Position)
	assert.Equal(t, full.Fingerprint, resumed.Fingerprint)
	assert.Equal(t, full.Strokes, resumed.Strokes)
}

func TestReplay_EmptyLog(t *testing.T) {
	s := createTestStore(t)

	res, err := s.Replay(context.Background(), FromLatestSnapshot())
	require.NoError(t, err)
	assert.Empty(t, res.Strokes)
	assert.Equal(t, canon.MustFingerprint(nil), res.Fingerprint)
}

func TestStore_BacksLocalSequencer(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.db")

	s, err := Open(path)
	require.NoError(t, err)

	seq, err := sequencer.NewLocal(ctx, sequencer.WithLog(s), sequencer.WithLocalLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, seq.Submit(ctx, sequencer.Envelope{ClientID: "a", ClientSeq: 1, Op: ink.CreateStroke{ID: "s", Pen: testPen}}))
	require.NoError(t, seq.Submit(ctx, sequencer.Envelope{ClientID: "a", ClientSeq: 2, Op: ink.Clear{}}))
	seq.Close()
	require.NoError(t, s.Close())

	// Reopen: the sequencer resumes numbering and dedup from disk.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	seq, err = sequencer.NewLocal(ctx, sequencer.WithLog(s), sequencer.WithLocalLogger(discardLogger()))
	require.NoError(t, err)
	defer seq.Close()
	assert.Equal(t, sequencer.Position(2), seq.Position())

	require.NoError(t, seq.Submit(ctx, sequencer.Envelope{ClientID: "a", ClientSeq: 2, Op: ink.Clear{}}))
	require.NoError(t, seq.Submit(ctx, sequencer.Envelope{ClientID: "b", ClientSeq: 1, Op: ink.Clear{}}))

	last, err := s.LastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, sequencer.Position(3), last)
}
