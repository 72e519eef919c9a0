package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/inkd/internal/relay"
	"github.com/roach88/inkd/internal/replica"
	"github.com/roach88/inkd/internal/sequencer"
	"github.com/roach88/inkd/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	SnapshotEvery uint64

	// Ready is called with the bound address once the relay accepts
	// connections. Used by tests that listen on port 0.
	Ready func(addr net.Addr)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay sequencer",
		Long: `Run the relay: the single authority that orders operations from every
replica and broadcasts them back.

Replicas connect over websocket at /ws. With --db the committed log is kept
in SQLite and survives restarts; without it the log lives in memory.

Examples:
  inkd serve --listen 0.0.0.0:7420 --db ./ink.db
  INKD_DB=./ink.db inkd serve --snapshot-every 1000`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().String("listen", DefaultListen, "address to listen on")
	cmd.Flags().String("db", "", "path to SQLite log (default: in memory)")
	cmd.Flags().Int("max-backlog", relay.DefaultMaxBacklog, "frames queued per peer before it is disconnected")
	cmd.Flags().Uint64Var(&opts.SnapshotEvery, "snapshot-every", 0, "write a snapshot every N operations (requires --db)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logger := setupLogging(opts.Verbose)

	config, err := LoadConfig(cmd, opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	seqOpts := []sequencer.LocalOption{sequencer.WithLocalLogger(logger)}
	var st *store.Store
	if config.DB != "" {
		slog.Info("opening database", "path", config.DB)
		st, err = store.Open(config.DB)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing database", "error", closeErr)
			}
		}()
		seqOpts = append(seqOpts, sequencer.WithLog(st))
	} else if opts.SnapshotEvery > 0 {
		return NewExitError(ExitCommandError, "--snapshot-every requires --db")
	}

	seq, err := sequencer.NewLocal(ctx, seqOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start sequencer", err)
	}
	defer seq.Close()
	slog.Info("sequencer ready", "position", seq.Position())

	if st != nil && opts.SnapshotEvery > 0 {
		stop, err := startSnapshotter(ctx, seq, st, opts.SnapshotEvery, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start snapshotter", err)
		}
		defer stop()
	}

	srv, err := relay.NewServer(seq,
		relay.WithServerLogger(logger),
		relay.WithMaxBacklog(config.MaxBacklog),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create relay", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if st != nil {
			if err := st.Ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		fmt.Fprintf(w, "ok position=%d peers=%d\n", seq.Position(), srv.Peers())
	})

	ln, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.Serve(ln)
	}()

	slog.Info("relay listening", "addr", ln.Addr().String())
	if opts.Ready != nil {
		opts.Ready(ln.Addr())
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "relay stopped", err)
		}
	}

	srv.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("relay shutdown incomplete", "error", err)
	}

	slog.Info("relay stopped", "position", seq.Position())
	return nil
}

// startSnapshotter follows the committed stream with a replica and writes
// its committed state to the store every n positions.
func startSnapshotter(ctx context.Context, seq sequencer.Sequencer, st *store.Store, n uint64, logger *slog.Logger) (stop func(), err error) {
	var opts []replica.Option
	opts = append(opts, replica.WithClientID("snapshotter"), replica.WithLogger(logger))

	rec, ok, err := st.LatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		opts = append(opts, replica.WithSnapshot(replica.Snapshot{Position: rec.Position, Strokes: rec.Strokes}))
	}

	r := replica.New(seq, opts...)

	due := make(chan struct{}, 1)
	cancelObs := r.Subscribe(func(c replica.Change) {
		if c.Committed && uint64(c.Position)%n == 0 {
			select {
			case due <- struct{}{}:
			default:
			}
		}
	})

	if err := r.Attach(ctx); err != nil {
		cancelObs()
		return nil, err
	}

	sctx, scancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-sctx.Done():
				return
			case <-due:
				snap := r.Snapshot()
				if err := st.WriteSnapshot(sctx, snap.Position, snap.Strokes); err != nil {
					logger.Error("snapshot failed", "position", snap.Position, "error", err)
					continue
				}
				logger.Info("snapshot written", "position", snap.Position, "strokes", len(snap.Strokes))
			}
		}
	}()

	return func() {
		scancel()
		cancelObs()
		r.Detach()
		<-done
	}, nil
}
