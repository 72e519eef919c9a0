package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/inkd/internal/engine"
	"github.com/roach88/inkd/internal/sequencer"
	"github.com/roach88/inkd/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
}

// ReplayReport holds the replay result.
type ReplayReport struct {
	Position      sequencer.Position `json:"position"`
	Operations    int                `json:"operations"`
	Strokes       int                `json:"strokes"`
	Fingerprint   string             `json:"fingerprint"`
	Deterministic bool               `json:"deterministic"`
	Stats         engine.Stats       `json:"stats"`

	// Snapshot is set when the log holds a snapshot.
	Snapshot *SnapshotCheck `json:"snapshot,omitempty"`
}

// SnapshotCheck compares replay from the latest snapshot with full replay.
type SnapshotCheck struct {
	Position    sequencer.Position `json:"position"`
	Applied     int                `json:"applied"`
	Fingerprint string             `json:"fingerprint"`
	Consistent  bool               `json:"consistent"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the log and verify determinism",
		Long: `Rebuild the canvas from the committed log and verify determinism.

The log is replayed twice from an empty canvas and the fingerprints are
compared. If the log holds a snapshot, replay from the latest snapshot must
reach the same fingerprint as well.

Exit codes:
  0 - Replays agree
  1 - Replays diverge
  2 - Command error (database not found, etc.)

Examples:
  inkd replay --db ./ink.db
  inkd replay --db ./ink.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().String("db", "", "path to SQLite log (required)")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := openStore(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := replayAndVerify(ctx, st, replayLogger(opts.Verbose, cmd))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to replay log", err)
	}

	consistent := report.Deterministic && (report.Snapshot == nil || report.Snapshot.Consistent)

	var cliErr *CLIError
	if !consistent {
		cliErr = &CLIError{Code: CodeDivergence, Message: "replay verification failed"}
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	err = out.Respond(report, cliErr, func(w io.Writer) {
		fmt.Fprintf(w, "Replay Summary: %d operation(s), position %d\n", report.Operations, report.Position)
		fmt.Fprintf(w, "  Strokes: %d\n", report.Strokes)
		fmt.Fprintf(w, "  Fingerprint: %s\n", report.Fingerprint)
		if opts.Verbose {
			fmt.Fprintf(w, "  Clears: %d, creates: %d (%d duplicate), samples: %d, stale samples: %d\n",
				report.Stats.Clears, report.Stats.Creates, report.Stats.DuplicateCreates,
				report.Stats.Appends, report.Stats.StaleMoves)
		}
		if !report.Deterministic {
			fmt.Fprintln(w, "  Warning: Non-deterministic replay detected!")
		}
		if s := report.Snapshot; s != nil {
			status := "✓"
			if !s.Consistent {
				status = "✗"
			}
			fmt.Fprintf(w, "%s Snapshot at %d + %d operation(s): %s\n", status, s.Position, s.Applied, s.Fingerprint)
		}
		fmt.Fprintln(w)
		if consistent {
			fmt.Fprintln(w, "✓ Replay verified deterministic")
		} else {
			fmt.Fprintln(w, "✗ Replay verification failed")
		}
	})
	if err != nil {
		return err
	}

	if !consistent {
		return NewExitError(ExitFailure, "replay verification failed")
	}
	return nil
}

// replayAndVerify replays the log twice, and from the latest snapshot when
// one exists.
func replayAndVerify(ctx context.Context, st *store.Store, logger *slog.Logger) (ReplayReport, error) {
	first, err := st.Replay(ctx, store.WithReplayLogger(logger))
	if err != nil {
		return ReplayReport{}, fmt.Errorf("first replay failed: %w", err)
	}
	second, err := st.Replay(ctx, store.WithReplayLogger(logger))
	if err != nil {
		return ReplayReport{}, fmt.Errorf("second replay failed: %w", err)
	}

	report := ReplayReport{
		Position:      first.Position,
		Operations:    first.Applied,
		Strokes:       len(first.Strokes),
		Fingerprint:   first.Fingerprint,
		Deterministic: first.Fingerprint == second.Fingerprint && first.Position == second.Position,
		Stats:         first.Stats,
	}

	_, ok, err := st.LatestSnapshot(ctx)
	if err != nil {
		return ReplayReport{}, err
	}
	if ok {
		fromSnap, err := st.Replay(ctx, store.FromLatestSnapshot(), store.WithReplayLogger(logger))
		if err != nil {
			return ReplayReport{}, fmt.Errorf("snapshot replay failed: %w", err)
		}
		report.Snapshot = &SnapshotCheck{
			Position:    fromSnap.Base,
			Applied:     fromSnap.Applied,
			Fingerprint: fromSnap.Fingerprint,
			Consistent:  fromSnap.Fingerprint == first.Fingerprint && fromSnap.Position == first.Position,
		}
	}

	return report, nil
}

// openStore opens the database named by --db, INKD_DB or the config file.
func openStore(cmd *cobra.Command, opts *RootOptions) (*store.Store, error) {
	config, err := LoadConfig(cmd, opts.ConfigFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if config.DB == "" {
		return nil, NewExitError(ExitCommandError, "a database is required (--db or INKD_DB)")
	}

	st, err := store.Open(config.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// replayLogger keeps applier warnings out of the report unless verbose.
func replayLogger(verbose bool, cmd *cobra.Command) *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
}
