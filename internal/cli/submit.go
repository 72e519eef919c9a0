package cli

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/inkd/internal/canon"
	"github.com/roach88/inkd/internal/ink"
	"github.com/roach88/inkd/internal/relay"
	"github.com/roach88/inkd/internal/replica"
	"github.com/roach88/inkd/internal/sequencer"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Timeout time.Duration
}

// SubmitResult reports a finished submit run.
type SubmitResult struct {
	Submitted   int                `json:"submitted"`
	Position    sequencer.Position `json:"position"`
	Strokes     int                `json:"strokes"`
	Fingerprint string             `json:"fingerprint"`
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <ops.jsonl|->",
		Short: "Submit operations to a relay",
		Long: `Submit operations, one wire-format JSON object per line, as a replica.

Every line is validated before anything is sent. The command waits until
all operations are committed, then prints the resulting canvas fingerprint.

Exit codes:
  0 - All operations committed
  1 - Timed out or relay lost before every operation committed
  2 - Command error (malformed operation, relay unreachable, etc.)

Examples:
  inkd submit strokes.jsonl
  echo '{"type":"clear","time":0}' | inkd submit -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().String("relay", DefaultRelay, "relay websocket URL")
	cmd.Flags().String("client-id", "", "replica name, suffixed with a per-session id (default: random)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long to wait for commits")

	return cmd
}

func runSubmit(opts *SubmitOptions, path string, cmd *cobra.Command) error {
	logger := setupLogging(opts.Verbose)

	config, err := LoadConfig(cmd, opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open operations file", err)
		}
		defer f.Close()
		in = f
	}

	ops, err := readOperations(in)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid operations", err)
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

	committed := make(chan struct{}, 1)
	defer r.Subscribe(func(c replica.Change) {
		if c.Committed && c.Local {
			select {
			case committed <- struct{}{}:
			default:
			}
		}
	})()

	if err := r.Attach(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to attach replica", err)
	}
	defer r.Detach()

	for _, op := range ops {
		if err := r.SubmitOperation(ctx, op); err != nil {
			return WrapExitError(ExitCommandError, "failed to submit operation", err)
		}
	}

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	for r.Pending() > 0 {
		select {
		case <-committed:
		case <-deadline.C:
			return NewExitError(ExitFailure, fmt.Sprintf("timed out with %d operation(s) uncommitted", r.Pending()))
		case <-client.Done():
			return WrapExitError(ExitFailure, "relay connection lost", client.Err())
		case <-ctx.Done():
			return WrapExitError(ExitFailure, "interrupted", ctx.Err())
		}
		if err := r.Err(); err != nil {
			return WrapExitError(ExitFailure, "replica halted", err)
		}
	}

	strokes := r.GetStrokes()
	fp, err := canon.Fingerprint(strokes)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to fingerprint canvas", err)
	}

	result := SubmitResult{
		Submitted:   len(ops),
		Position:    r.Position(),
		Strokes:     len(strokes),
		Fingerprint: fp,
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Respond(result, nil, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %d operation(s) committed, canvas at position %d\n", result.Submitted, result.Position)
		fmt.Fprintf(w, "  Strokes: %d\n", result.Strokes)
		fmt.Fprintf(w, "  Fingerprint: %s\n", result.Fingerprint)
	})
}

// readOperations parses one wire operation per non-blank line.
func readOperations(r io.Reader) ([]ink.Operation, error) {
	var ops []ink.Operation
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		op, err := ink.UnmarshalOperation(data)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ops = append(ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read operations: %w", err)
	}
	return ops, nil
}
