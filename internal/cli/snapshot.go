package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/inkd/internal/sequencer"
	"github.com/roach88/inkd/internal/store"
)

// SnapshotOptions holds flags for the snapshot command.
type SnapshotOptions struct {
	*RootOptions
}

// SnapshotResult reports a written snapshot.
type SnapshotResult struct {
	Position    sequencer.Position `json:"position"`
	Strokes     int                `json:"strokes"`
	Fingerprint string             `json:"fingerprint"`
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Write a snapshot of the committed canvas",
		Long: `Replay the log and store the committed canvas as a snapshot.

Replicas and later replays can start from the snapshot instead of the
beginning of the log. Writing a snapshot at an existing position is a no-op.

Examples:
  inkd snapshot --db ./ink.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(opts, cmd)
		},
	}

	cmd.Flags().String("db", "", "path to SQLite log (required)")

	return cmd
}

func runSnapshot(opts *SnapshotOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := openStore(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := st.Replay(ctx, store.FromLatestSnapshot(), store.WithReplayLogger(replayLogger(opts.Verbose, cmd)))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to replay log", err)
	}
	if err := st.WriteSnapshot(ctx, res.Position, res.Strokes); err != nil {
		return WrapExitError(ExitCommandError, "failed to write snapshot", err)
	}

	result := SnapshotResult{
		Position:    res.Position,
		Strokes:     len(res.Strokes),
		Fingerprint: res.Fingerprint,
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Respond(result, nil, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Snapshot written at position %d\n", result.Position)
		fmt.Fprintf(w, "  Strokes: %d\n", result.Strokes)
		fmt.Fprintf(w, "  Fingerprint: %s\n", result.Fingerprint)
	})
}
