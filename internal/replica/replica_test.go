package replica

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/inkd/internal/engine"
	"github.com/roach88/inkd/internal/ink"
	"github.com/roach88/inkd/internal/sequencer"
	"github.com/roach88/inkd/internal/stroke"
)

var (
	penA = ink.Pen{Color: ink.Color{R: 255, A: 255}, Thickness: 2}
	penB = ink.Pen{Color: ink.Color{B: 255, A: 255}, Thickness: 4}
	penC = ink.Pen{Color: ink.Color{G: 255, A: 255}, Thickness: 1.5}
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLocal(t *testing.T, opts ...sequencer.LocalOption) *sequencer.Local {
	t.Helper()
	opts = append([]sequencer.LocalOption{sequencer.WithLocalLogger(discard())}, opts...)
	l, err := sequencer.NewLocal(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func newReplica(t *testing.T, seq sequencer.Sequencer, id string, opts ...Option) *Replica {
	t.Helper()
	opts = append([]Option{WithClientID(id), WithLogger(discard())}, opts...)
	r := New(seq, opts...)
	require.NoError(t, r.Attach(context.Background()))
	t.Cleanup(r.Detach)
	return r
}

func create(id string, pen ink.Pen) ink.CreateStroke {
	return ink.CreateStroke{ID: id, Pen: pen}
}

func stylus(id string, x, y, pressure float64) ink.StylusMove {
	return ink.StylusMove{ID: id, Point: ink.Point{X: x, Y: y}, Pressure: pressure}
}

func submitAll(t *testing.T, r *Replica, ops ...ink.Operation) {
	t.Helper()
	for _, op := range ops {
		require.NoError(t, r.SubmitOperation(context.Background(), op))
	}
}

func TestReplica_EndToEnd(t *testing.T) {
	seq := newLocal(t)
	r := newReplica(t, seq, "r1")

	submitAll(t, r,
		create("a", penA),
		stylus("a", 0, 0, 1.0),
		stylus("a", 1, 1, 0.8),
	)

	strokes := r.GetStrokes()
	require.Len(t, strokes, 1)
	assert.Equal(t, "a", strokes[0].ID)
	assert.Equal(t, penA, strokes[0].Pen)
	assert.Equal(t, []ink.Point{{X: 0, Y: 0}, {X: 1, Y: 1}}, strokes[0].Points())
	assert.Equal(t, 1.0, strokes[0].Operations[0].Pressure)
	assert.Equal(t, 0.8, strokes[0].Operations[1].Pressure)

	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, sequencer.Position(3), r.Position())
}

func TestReplica_ConvergesAcrossInterleavings(t *testing.T) {
	scripts := map[string][]ink.Operation{
		"r0": {create("a", penA), stylus("a", 1, 1, 1), stylus("a", 2, 2, 0.5)},
		"r1": {create("b", penB), stylus("b", 5, 5, 0.3), stylus("a", 9, 9, 1)},
		"r2": {ink.Clear{}, create("a", penC), stylus("a", 3, 3, 0.7)},
	}
	ids := []string{"r0", "r1", "r2"}

	for seed := uint64(1); seed <= 40; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, seed*7))
			seq := newLocal(t, sequencer.WithManualDelivery())

			replicas := make(map[string]*Replica, len(ids))
			next := make(map[string]int, len(ids))
			for _, id := range ids {
				replicas[id] = newReplica(t, seq, id)
			}
			observer := newReplica(t, seq, "observer")

			for {
				var ready []string
				for _, id := range ids {
					if next[id] < len(scripts[id]) {
						ready = append(ready, id)
					}
				}
				if len(ready) == 0 {
					break
				}
				if rng.IntN(3) == 0 {
					seq.Step()
					continue
				}
				id := ready[rng.IntN(len(ready))]
				submitAll(t, replicas[id], scripts[id][next[id]])
				next[id]++
			}
			seq.Flush()

			want := observer.GetStrokes()
			for _, id := range ids {
				r := replicas[id]
				assert.Equal(t, want, r.GetStrokes(), "replica %s diverged", id)
				assert.Equal(t, want, r.Snapshot().Strokes)
				assert.Equal(t, 0, r.Pending())
				assert.Equal(t, observer.Position(), r.Position())
			}
		})
	}
}

func TestReplica_RedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	seq := newLocal(t)
	r := newReplica(t, seq, "r1")

	submitAll(t, r, create("a", penA), stylus("a", 1, 2, 0.5), create("b", penB))
	before := r.GetStrokes()

	require.NoError(t, seq.Redeliver(ctx, 0))
	require.NoError(t, seq.Redeliver(ctx, 1))

	assert.Equal(t, before, r.GetStrokes())
	assert.Equal(t, uint64(5), r.Stats().Redeliveries)
	assert.Equal(t, uint64(3), r.Stats().Applied)

	// Direct duplicate delivery is equally harmless.
	require.NoError(t, r.Deliver(sequencer.Sequenced{
		Position: 2,
		Envelope: sequencer.Envelope{ClientID: "x", ClientSeq: 1, Op: ink.Clear{}},
	}))
	assert.Equal(t, before, r.GetStrokes())
}

func TestReplica_ConcurrentClearDiscardsLateSamples(t *testing.T) {
	seq := newLocal(t, sequencer.WithManualDelivery())
	a := newReplica(t, seq, "a")
	b := newReplica(t, seq, "b")

	submitAll(t, a, create("A", penA))
	seq.Flush()

	submitAll(t, b, ink.Clear{})
	submitAll(t, a, stylus("A", 3, 4, 0.5))

	// Optimistically A still shows its sample.
	st, ok := a.GetStroke("A")
	require.True(t, ok)
	assert.Len(t, st.Operations, 1)

	seq.Flush()

	assert.Empty(t, a.GetStrokes())
	assert.Empty(t, b.GetStrokes())
	assert.Equal(t, uint64(1), a.Stats().StaleMoves)
	assert.Equal(t, uint64(1), b.Stats().StaleMoves)
}

func TestReplica_ClearIsMonotonic(t *testing.T) {
	seq := newLocal(t)
	r := newReplica(t, seq, "r1")

	submitAll(t, r, create("a", penA), stylus("a", 0, 0, 1), ink.Clear{}, ink.Clear{})
	assert.Empty(t, r.GetStrokes())

	submitAll(t, r, create("b", penB))
	require.Len(t, r.GetStrokes(), 1)
}

func TestReplica_OwnEchoFoldsWithoutFlicker(t *testing.T) {
	seq := newLocal(t, sequencer.WithManualDelivery())
	r := newReplica(t, seq, "r1")

	var changes []Change
	cancel := r.Subscribe(func(c Change) { changes = append(changes, c) })
	defer cancel()

	submitAll(t, r, create("a", penA), stylus("a", 1, 1, 1))
	optimistic := r.GetStrokes()
	assert.Equal(t, 2, r.Pending())

	require.True(t, seq.Step())
	assert.Equal(t, optimistic, r.GetStrokes(), "view changed while folding own echo")
	assert.Equal(t, 1, r.Pending())

	seq.Flush()
	assert.Equal(t, optimistic, r.GetStrokes())
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, uint64(0), r.Stats().Rebuilds)

	require.Len(t, changes, 4)
	assert.False(t, changes[0].Committed)
	assert.True(t, changes[0].Local)
	assert.Equal(t, sequencer.Position(0), changes[0].Position)
	assert.Equal(t, engine.OutcomeCreated, changes[0].Outcome)
	assert.Equal(t, ink.KindCreateStroke, changes[0].Kind)

	assert.True(t, changes[2].Committed)
	assert.True(t, changes[2].Local)
	assert.False(t, changes[2].Rebased)
	assert.Equal(t, sequencer.Position(1), changes[2].Position)
	assert.Equal(t, "a", changes[2].StrokeID)
}

func TestReplica_RemoteOperationRebasesPending(t *testing.T) {
	seq := newLocal(t, sequencer.WithManualDelivery())
	a := newReplica(t, seq, "a")
	b := newReplica(t, seq, "b")

	submitAll(t, b, create("b1", penB))
	submitAll(t, a, create("a1", penA), stylus("a1", 1, 1, 1))

	var rebased []Change
	cancel := a.Subscribe(func(c Change) {
		if c.Rebased {
			rebased = append(rebased, c)
		}
	})
	defer cancel()

	require.True(t, seq.Step())
	require.Len(t, rebased, 1)
	assert.False(t, rebased[0].Local)

	ids := func(strokes []stroke.Stroke) []string {
		out := make([]string, len(strokes))
		for i, s := range strokes {
			out[i] = s.ID
		}
		return out
	}
	assert.Equal(t, []string{"b1", "a1"}, ids(a.GetStrokes()))
	assert.Equal(t, 2, a.Pending())

	seq.Flush()
	assert.Equal(t, a.GetStrokes(), b.GetStrokes())
	assert.Equal(t, uint64(1), a.Stats().Rebuilds)
}

func TestReplica_PenImmutable(t *testing.T) {
	seq := newLocal(t)
	r := newReplica(t, seq, "r1")

	submitAll(t, r, create("s", penA), stylus("s", 0, 0, 1), stylus("s", 1, 1, 0.2))
	st, _ := r.GetStroke("s")
	assert.Equal(t, penA, st.Pen)

	// A colliding create is the only other way to get a different pen;
	// it replaces the stroke outright.
	submitAll(t, r, create("s", penB))
	st, _ = r.GetStroke("s")
	assert.Equal(t, penB, st.Pen)
	assert.Empty(t, st.Operations)
	assert.Equal(t, uint64(1), r.Stats().DuplicateCreates)
}

func TestReplica_SnapshotRehydration(t *testing.T) {
	ctx := context.Background()
	seq := newLocal(t)
	writer := newReplica(t, seq, "writer")

	submitAll(t, writer, create("a", penA), stylus("a", 1, 1, 1), create("b", penB))
	snap := writer.Snapshot()
	assert.Equal(t, sequencer.Position(3), snap.Position)

	submitAll(t, writer, stylus("b", 2, 2, 0.5), ink.Clear{}, create("c", penC))

	resumed := New(seq, WithClientID("resumed"), WithLogger(discard()), WithSnapshot(snap))
	assert.Len(t, resumed.GetStrokes(), 2, "snapshot state before attach")
	require.NoError(t, resumed.Attach(ctx))
	t.Cleanup(resumed.Detach)

	full := newReplica(t, seq, "full")

	assert.Equal(t, full.GetStrokes(), resumed.GetStrokes())
	assert.Equal(t, writer.GetStrokes(), resumed.GetStrokes())
	assert.Equal(t, writer.Position(), resumed.Position())
	assert.Equal(t, uint64(0), resumed.Stats().Redeliveries)
}

func TestReplica_RejoinWithSameClientIDCommits(t *testing.T) {
	ctx := context.Background()
	seq := newLocal(t)
	watcher := newReplica(t, seq, "watcher")

	first := newReplica(t, seq, "pen")
	submitAll(t, first, create("a", penA))
	snap := first.Snapshot()
	first.Detach()

	rejoined := New(seq, WithClientID("pen"), WithLogger(discard()), WithSnapshot(snap))
	require.NoError(t, rejoined.Attach(ctx))
	t.Cleanup(rejoined.Detach)
	submitAll(t, rejoined, create("b", penB))

	assert.Equal(t, "pen", rejoined.Name())
	assert.NotEqual(t, first.ClientID(), rejoined.ClientID())
	assert.Equal(t, 0, rejoined.Pending())
	assert.Equal(t, sequencer.Position(2), seq.Position())
	require.Len(t, watcher.GetStrokes(), 2)
	assert.Equal(t, watcher.GetStrokes(), rejoined.GetStrokes())
}

func TestReplica_DefaultClientID(t *testing.T) {
	seq := newLocal(t)
	r := New(seq, WithLogger(discard()))
	assert.NotEmpty(t, r.ClientID())
	assert.Equal(t, r.ClientID(), r.Name())
	assert.NotEqual(t, r.ClientID(), New(seq, WithLogger(discard())).ClientID())
}

func TestReplica_SnapshotIsIsolated(t *testing.T) {
	seq := newLocal(t)
	r := newReplica(t, seq, "r1")
	submitAll(t, r, create("a", penA), stylus("a", 1, 1, 1))

	snap := r.Snapshot()
	snap.Strokes[0].Operations[0].Point.X = 99

	st, _ := r.GetStroke("a")
	assert.Equal(t, 1.0, st.Operations[0].Point.X)
}

func TestReplica_Detach(t *testing.T) {
	ctx := context.Background()
	seq := newLocal(t, sequencer.WithManualDelivery())
	a := newReplica(t, seq, "a")
	b := newReplica(t, seq, "b")

	submitAll(t, a, create("kept", penA))
	seq.Flush()

	submitAll(t, a, create("lost", penB))
	require.Len(t, a.GetStrokes(), 2)

	a.Detach()
	a.Detach()

	assert.Equal(t, 0, a.Pending())
	require.Len(t, a.GetStrokes(), 1)
	assert.Equal(t, "kept", a.GetStrokes()[0].ID)

	err := a.SubmitOperation(ctx, ink.Clear{})
	require.Error(t, err)
	assert.True(t, engine.IsDetached(err))
	assert.True(t, engine.IsDetached(a.Resubmit(ctx)))
	assert.True(t, engine.IsDetached(a.Attach(ctx)))

	// The op was already handed to the sequencer, so it still commits for
	// everyone else; the detached replica no longer follows.
	seq.Flush()
	assert.Len(t, b.GetStrokes(), 2)
	assert.Len(t, a.GetStrokes(), 1)
}

func TestReplica_HaltsOnCommittedFailure(t *testing.T) {
	ctx := context.Background()
	seq := newLocal(t)
	r := newReplica(t, seq, "r1")
	submitAll(t, r, create("a", penA))

	err := r.Deliver(sequencer.Sequenced{
		Position: 10,
		Envelope: sequencer.Envelope{ClientID: "rogue", ClientSeq: 1},
	})
	require.Error(t, err)
	assert.True(t, engine.IsHalted(err))
	assert.True(t, engine.IsUnknownOperation(err))
	assert.True(t, engine.IsHalted(r.Err()))

	err = r.SubmitOperation(ctx, ink.Clear{})
	assert.True(t, engine.IsHalted(err))

	err = r.Deliver(sequencer.Sequenced{
		Position: 11,
		Envelope: sequencer.Envelope{ClientID: "x", ClientSeq: 1, Op: ink.Clear{}},
	})
	assert.True(t, engine.IsHalted(err))
	assert.Len(t, r.GetStrokes(), 1, "state frozen at the last good position")
	assert.Equal(t, sequencer.Position(1), r.Position())
}

func TestReplica_MalformedSubmitIsRejected(t *testing.T) {
	ctx := context.Background()
	seq := newLocal(t)
	r := newReplica(t, seq, "r1")

	tests := []ink.Operation{
		nil,
		create("", penA),
		create("a", ink.Pen{Thickness: 0}),
		stylus("a", 0, 0, 1.5),
	}
	for _, op := range tests {
		err := r.SubmitOperation(ctx, op)
		require.Error(t, err, "op %#v", op)
		assert.True(t, ink.IsMalformed(err))
	}

	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, sequencer.Position(0), seq.Position())
	assert.Empty(t, r.GetStrokes())
}

// flakySequencer fails the next n submissions.
type flakySequencer struct {
	*sequencer.Local
	failures atomic.Int32
}

func (f *flakySequencer) Submit(ctx context.Context, env sequencer.Envelope) error {
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return errors.New("sequencer unavailable")
	}
	return f.Local.Submit(ctx, env)
}

func TestReplica_SubmitFailureKeepsOperationPending(t *testing.T) {
	ctx := context.Background()
	seq := &flakySequencer{Local: newLocal(t)}
	r := newReplica(t, seq, "r1")

	seq.failures.Store(1)
	require.NoError(t, r.SubmitOperation(ctx, create("a", penA)))
	assert.Equal(t, 1, r.Pending())
	assert.Len(t, r.GetStrokes(), 1, "optimistic view keeps the op")
	assert.Equal(t, sequencer.Position(0), r.Position())

	seq.failures.Store(1)
	assert.Error(t, r.Resubmit(ctx))
	assert.Equal(t, 1, r.Pending())

	require.NoError(t, r.Resubmit(ctx))
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, sequencer.Position(1), r.Position())

	// A second resubmit with nothing pending is a no-op.
	require.NoError(t, r.Resubmit(ctx))
	assert.Equal(t, sequencer.Position(1), seq.Position())
}

func TestReplica_FailedOperationRetriedByNextSubmit(t *testing.T) {
	ctx := context.Background()
	seq := &flakySequencer{Local: newLocal(t)}
	r := newReplica(t, seq, "r1")

	seq.failures.Store(1)
	require.NoError(t, r.SubmitOperation(ctx, create("a", penA)))
	require.NoError(t, r.SubmitOperation(ctx, stylus("a", 1, 1, 1)))

	assert.Equal(t, 0, r.Pending())
	st, ok := r.GetStroke("a")
	require.True(t, ok)
	assert.Len(t, st.Operations, 1)
}

func TestReplica_SubscribeCancel(t *testing.T) {
	seq := newLocal(t)
	r := newReplica(t, seq, "r1")

	var n int
	cancel := r.Subscribe(func(Change) { n++ })
	submitAll(t, r, create("a", penA))
	assert.Equal(t, 2, n, "optimistic and committed")

	cancel()
	cancel()
	submitAll(t, r, ink.Clear{})
	assert.Equal(t, 2, n)
}

func TestReplica_ObserverMayRead(t *testing.T) {
	seq := newLocal(t)
	r := newReplica(t, seq, "r1")

	var seen []int
	cancel := r.Subscribe(func(Change) { seen = append(seen, len(r.GetStrokes())) })
	defer cancel()

	submitAll(t, r, create("a", penA), create("b", penB))
	assert.Equal(t, []int{1, 1, 2, 2}, seen)
}

func TestReplica_ObserverReactsOnAnotherGoroutine(t *testing.T) {
	seq := newLocal(t)
	a := newReplica(t, seq, "a")
	b := newReplica(t, seq, "b")

	done := make(chan error, 1)
	cancel := a.Subscribe(func(c Change) {
		if c.Committed && !c.Local && c.Kind == ink.KindCreateStroke {
			go func() {
				done <- a.SubmitOperation(context.Background(), stylus(c.StrokeID, 1, 1, 0.5))
			}()
		}
	})
	defer cancel()

	submitAll(t, b, create("s", penA))
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		st, ok := b.GetStroke("s")
		return ok && len(st.Operations) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, b.GetStrokes(), a.GetStrokes())
	assert.Equal(t, 0, a.Pending())
}

func TestReplica_ConcurrentSubmitters(t *testing.T) {
	seq := newLocal(t)
	replicas := []*Replica{
		newReplica(t, seq, "r0"),
		newReplica(t, seq, "r1"),
		newReplica(t, seq, "r2"),
	}

	var wg sync.WaitGroup
	for i, r := range replicas {
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func(r *Replica, prefix string) {
				defer wg.Done()
				for k := 0; k < 20; k++ {
					id := fmt.Sprintf("%s-%d", prefix, k)
					_ = r.SubmitOperation(context.Background(), create(id, penA))
					_ = r.SubmitOperation(context.Background(), stylus(id, float64(k), 0, 0.5))
				}
			}(r, fmt.Sprintf("r%d-g%d", i, g))
		}
	}
	wg.Wait()

	want := replicas[0].GetStrokes()
	assert.Len(t, want, 3*2*20)
	for _, r := range replicas[1:] {
		assert.Equal(t, want, r.GetStrokes())
		assert.Equal(t, 0, r.Pending())
	}
}

func TestReplica_AttachTwice(t *testing.T) {
	seq := newLocal(t)
	r := newReplica(t, seq, "r1")
	assert.Error(t, r.Attach(context.Background()))
}
