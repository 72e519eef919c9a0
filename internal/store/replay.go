package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/inkd/internal/canon"
	"github.com/roach88/inkd/internal/engine"
	"github.com/roach88/inkd/internal/sequencer"
	"github.com/roach88/inkd/internal/stroke"
)

// ReplayResult is the committed state rebuilt from the log.
type ReplayResult struct {
	// Position is the last applied position.
	Position sequencer.Position

	// Base is the snapshot position replay started from, 0 for a full replay.
	Base sequencer.Position

	// Applied is the number of log operations applied after Base.
	Applied int

	Strokes     []stroke.Stroke
	Fingerprint string
	Stats       engine.Stats
}

// ReplayOption configures Replay.
type ReplayOption func(*replayConfig)

type replayConfig struct {
	fromSnapshot bool
	logger       *slog.Logger
}

// FromLatestSnapshot starts replay at the latest stored snapshot instead of
// an empty canvas.
func FromLatestSnapshot() ReplayOption {
	return func(c *replayConfig) {
		c.fromSnapshot = true
	}
}

// WithReplayLogger sets the logger handed to the applier.
func WithReplayLogger(logger *slog.Logger) ReplayOption {
	return func(c *replayConfig) {
		c.logger = logger
	}
}

// Replay rebuilds committed stroke state by applying the log in position
// order. Given the same log it always produces the same fingerprint.
//
// An operation that fails to apply aborts the replay with a halted error,
// mirroring what a live replica would do.
func (s *Store) Replay(ctx context.Context, opts ...ReplayOption) (ReplayResult, error) {
	cfg := replayConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	state := stroke.NewStore()
	var result ReplayResult

	if cfg.fromSnapshot {
		snap, ok, err := s.LatestSnapshot(ctx)
		if err != nil {
			return ReplayResult{}, fmt.Errorf("replay: %w", err)
		}
		if ok {
			state.Load(snap.Strokes)
			result.Base = snap.Position
			result.Position = snap.Position
		}
	}

	ops, err := s.ReadOperations(ctx, result.Base)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay: %w", err)
	}

	applier := engine.NewApplier(engine.WithLogger(cfg.logger))
	for _, op := range ops {
		if _, err := applier.Apply(state, op.Op); err != nil {
			return ReplayResult{}, fmt.Errorf("replay: %w", engine.NewHaltedError(uint64(op.Position), err))
		}
		result.Position = op.Position
		result.Applied++
	}

	result.Strokes = state.All()
	result.Fingerprint, err = canon.Fingerprint(result.Strokes)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay: %w", err)
	}
	result.Stats = applier.Stats()

	return result, nil
}
