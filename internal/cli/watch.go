package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/inkd/internal/insight"
	"github.com/roach88/inkd/internal/relay"
	"github.com/roach88/inkd/internal/replica"
	"github.com/roach88/inkd/internal/sequencer"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Until uint64
}

// ChangeEvent is the streamed form of a committed change.
type ChangeEvent struct {
	Position sequencer.Position `json:"position"`
	Kind     string             `json:"kind"`
	StrokeID string             `json:"stroke_id,omitempty"`
	Outcome  string             `json:"outcome"`
	Local    bool               `json:"local,omitempty"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a canvas as a read-only replica",
		Long: `Attach a replica to a relay and print every committed operation.

On exit a summary of the canvas is printed: stroke count, samples, ink
length and bounds.

Exit codes:
  0 - Stopped by signal or --until reached
  1 - Relay connection lost
  2 - Command error (relay unreachable, etc.)

Examples:
  inkd watch --relay ws://127.0.0.1:7420/ws
  inkd watch --until 100 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().String("relay", DefaultRelay, "relay websocket URL")
	cmd.Flags().String("client-id", "", "replica name, suffixed with a per-session id (default: random)")
	cmd.Flags().Uint64Var(&opts.Until, "until", 0, "exit once this position is committed")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	logger := setupLogging(opts.Verbose)

	config, err := LoadConfig(cmd, opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	client, err := relay.Dial(ctx, config.Relay, relay.WithClientLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to relay", err)
	}
	defer client.Close()

	var ropts []replica.Option
	ropts = append(ropts, replica.WithLogger(logger))
	if config.ClientID != "" {
		ropts = append(ropts, replica.WithClientID(config.ClientID))
	}
	r := replica.New(client, ropts...)

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	tracker := insight.NewTracker()
	reached := make(chan struct{})
	var reachedOnce sync.Once

	defer r.Subscribe(tracker.Observe)()
	defer r.Subscribe(func(c replica.Change) {
		if !c.Committed {
			return
		}
		ev := ChangeEvent{
			Position: c.Position,
			Kind:     string(c.Kind),
			StrokeID: c.StrokeID,
			Outcome:  c.Outcome.String(),
			Local:    c.Local,
		}
		_ = out.Event(ev, fmt.Sprintf("%6d  %-12s %-12s %s", ev.Position, ev.Kind, ev.Outcome, ev.StrokeID))
		if opts.Until > 0 && uint64(c.Position) >= opts.Until {
			reachedOnce.Do(func() { close(reached) })
		}
	})()

	if err := r.Attach(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to attach replica", err)
	}
	defer r.Detach()

	var lost error
	select {
	case <-ctx.Done():
	case <-reached:
	case <-client.Done():
		lost = client.Err()
		if lost == nil {
			lost = relay.ErrClientClosed
		}
	}

	// Stop the stream before printing the summary.
	r.Detach()
	client.Close()

	if err := r.Err(); err != nil {
		return WrapExitError(ExitFailure, "replica halted", err)
	}

	summary := tracker.Summary()
	err = out.Respond(summary, nil, func(w io.Writer) {
		fmt.Fprintf(w, "Canvas at position %d: %d stroke(s), %d sample(s), ink length %.2f\n",
			summary.Position, summary.Strokes, summary.Samples, summary.Length)
		if summary.Bounds != nil {
			fmt.Fprintf(w, "  Bounds: (%g, %g) - (%g, %g)\n",
				summary.Bounds.MinX, summary.Bounds.MinY, summary.Bounds.MaxX, summary.Bounds.MaxY)
		}
		fmt.Fprintf(w, "  Clears: %d, replaced: %d, discarded samples: %d\n",
			summary.Clears, summary.Replaced, summary.Discarded)
	})
	if err != nil {
		return err
	}

	if lost != nil {
		return WrapExitError(ExitFailure, "relay connection lost", lost)
	}
	return nil
}

// signalContext returns the command context, cancelled on SIGINT/SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
