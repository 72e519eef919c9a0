package insight

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/inkd/internal/ink"
	"github.com/roach88/inkd/internal/replica"
	"github.com/roach88/inkd/internal/sequencer"
)

var pen = ink.Pen{Color: ink.Color{A: 255}, Thickness: 1}

func move(id string, x, y float64) ink.StylusMove {
	return ink.StylusMove{ID: id, Point: ink.Point{X: x, Y: y}, Pressure: 0.5}
}

func setup(t *testing.T) (*replica.Replica, *Tracker) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	seq, err := sequencer.NewLocal(context.Background(), sequencer.WithLocalLogger(logger))
	require.NoError(t, err)
	t.Cleanup(seq.Close)

	r := replica.New(seq, replica.WithClientID("a"), replica.WithLogger(logger))
	require.NoError(t, r.Attach(context.Background()))
	t.Cleanup(r.Detach)

	tr := NewTracker()
	t.Cleanup(r.Subscribe(tr.Observe))
	return r, tr
}

func submit(t *testing.T, r *replica.Replica, ops ...ink.Operation) {
	t.Helper()
	for _, op := range ops {
		require.NoError(t, r.SubmitOperation(context.Background(), op))
	}
}

func TestTracker_StrokeGeometry(t *testing.T) {
	r, tr := setup(t)

	submit(t, r,
		ink.CreateStroke{ID: "s", Pen: pen},
		move("s", 0, 0),
		move("s", 3, 4),
		move("s", 3, -1),
	)

	s, ok := tr.Stroke("s")
	require.True(t, ok)
	assert.Equal(t, 3, s.Samples)
	assert.InDelta(t, 10.0, s.Length, 1e-9)
	assert.Equal(t, &Bounds{MinX: 0, MinY: -1, MaxX: 3, MaxY: 4}, s.Bounds)

	sum := tr.Summary()
	assert.Equal(t, sequencer.Position(4), sum.Position)
	assert.Equal(t, 1, sum.Strokes)
	assert.Equal(t, 3, sum.Samples)
}

func TestTracker_ClearsAndDiscards(t *testing.T) {
	r, tr := setup(t)

	submit(t, r,
		ink.CreateStroke{ID: "s", Pen: pen},
		move("s", 1, 1),
		ink.Clear{},
		move("s", 2, 2),
		ink.CreateStroke{ID: "t", Pen: pen},
	)

	_, ok := tr.Stroke("s")
	assert.False(t, ok)

	sum := tr.Summary()
	assert.Equal(t, 1, sum.Strokes)
	assert.Equal(t, 0, sum.Samples)
	assert.Nil(t, sum.Bounds)
	assert.Equal(t, uint64(1), sum.Clears)
	assert.Equal(t, uint64(1), sum.Discarded)
}

func TestTracker_ReplacedStrokeMovesToEnd(t *testing.T) {
	r, tr := setup(t)

	submit(t, r,
		ink.CreateStroke{ID: "a", Pen: pen},
		move("a", 5, 5),
		ink.CreateStroke{ID: "b", Pen: pen},
		move("b", -1, 2),
		ink.CreateStroke{ID: "a", Pen: pen},
	)

	strokes := tr.Strokes()
	require.Len(t, strokes, 2)
	assert.Equal(t, "b", strokes[0].ID)
	assert.Equal(t, "a", strokes[1].ID)
	assert.Equal(t, 0, strokes[1].Samples)

	sum := tr.Summary()
	assert.Equal(t, uint64(1), sum.Replaced)
	assert.Equal(t, &Bounds{MinX: -1, MinY: 2, MaxX: -1, MaxY: 2}, sum.Bounds)
}

func TestTracker_IgnoresOptimisticChanges(t *testing.T) {
	tr := NewTracker()
	tr.Observe(replica.Change{Kind: ink.KindClear, Op: ink.Clear{}})
	assert.Equal(t, Summary{}, tr.Summary())
}

func TestTracker_MatchesReplicaView(t *testing.T) {
	r, tr := setup(t)

	submit(t, r,
		ink.CreateStroke{ID: "x", Pen: pen},
		move("x", 0, 0),
		move("x", 1, 0),
		ink.CreateStroke{ID: "y", Pen: pen},
		move("y", 2, 2),
	)

	visible := r.GetStrokes()
	insights := tr.Strokes()
	require.Len(t, insights, len(visible))
	for i, s := range visible {
		assert.Equal(t, s.ID, insights[i].ID)
		assert.Equal(t, len(s.Operations), insights[i].Samples)
	}
}
