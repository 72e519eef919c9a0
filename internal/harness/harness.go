package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/inkd/internal/canon"
	"github.com/roach88/inkd/internal/replica"
	"github.com/roach88/inkd/internal/sequencer"
)

// Option configures a run.
type Option func(*runner)

// WithLogger sets the logger shared by the sequencer and every replica.
// Default: discard.
func WithLogger(logger *slog.Logger) Option {
	return func(r *runner) {
		r.logger = logger
	}
}

type runner struct {
	ctx      context.Context
	seq      *sequencer.Local
	logger   *slog.Logger
	replicas map[string]*replica.Replica
	live     []string
	result   *Result
}

// Run executes a scenario against a fresh in-process sequencer.
//
// A failing check is reported in Result.Errors. An error is returned only
// when the run itself cannot proceed.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	r := &runner{
		ctx:      ctx,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		replicas: make(map[string]*replica.Replica),
		result:   NewResult(),
	}
	for _, opt := range opts {
		opt(r)
	}

	seq, err := sequencer.NewLocal(ctx,
		sequencer.WithManualDelivery(),
		sequencer.WithLocalLogger(r.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create sequencer: %w", err)
	}
	defer seq.Close()
	r.seq = seq

	defer func() {
		for _, rep := range r.replicas {
			rep.Detach()
		}
	}()

	for _, name := range scenario.Replicas {
		if _, err := r.attach(name, name, nil); err != nil {
			return nil, err
		}
	}

	for i, step := range scenario.Steps {
		if err := r.execute(step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	// Quiesce: every committed operation reaches every live replica.
	seq.Flush()
	r.result.Position = seq.Position()

	r.checkConvergence()

	for _, p := range scenario.Principles {
		if err := r.checkPrinciple(p); err != nil {
			return nil, err
		}
	}

	if scenario.Expect != nil {
		checkExpectation(r.result, *scenario.Expect)
	}

	return r.result, nil
}

func (r *runner) attach(name, clientID string, snap *replica.Snapshot) (*replica.Replica, error) {
	opts := []replica.Option{
		replica.WithClientID(clientID),
		replica.WithLogger(r.logger.With("replica", name)),
	}
	if snap != nil {
		opts = append(opts, replica.WithSnapshot(*snap))
	}

	rep := replica.New(r.seq, opts...)
	if err := rep.Attach(r.ctx); err != nil {
		return nil, fmt.Errorf("attach %s: %w", name, err)
	}
	r.replicas[name] = rep
	r.live = append(r.live, name)
	return rep, nil
}

func (r *runner) execute(step Step) error {
	switch {
	case step.Submit != "":
		rep := r.replicas[step.Submit]
		if err := rep.SubmitOperation(r.ctx, step.op); err != nil {
			r.result.AddError(fmt.Sprintf("submit from %s: %v", step.Submit, err))
		}

	case step.Step > 0:
		for i := 0; i < step.Step; i++ {
			if !r.seq.Step() {
				break
			}
		}

	case step.Flush:
		r.seq.Flush()

	case step.Redeliver != nil:
		if err := r.seq.Redeliver(r.ctx, sequencer.Position(*step.Redeliver)); err != nil {
			return err
		}

	case step.Detach != "":
		r.replicas[step.Detach].Detach()
		r.drop(step.Detach)

	case step.Join != "":
		var snap *replica.Snapshot
		if step.From != "" {
			s := r.replicas[step.From].Snapshot()
			snap = &s
		}
		if _, err := r.attach(step.Join, step.Join, snap); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) drop(name string) {
	for i, n := range r.live {
		if n == name {
			r.live = append(r.live[:i], r.live[i+1:]...)
			return
		}
	}
}

// fingerprints returns the fingerprint of every live replica in order.
func (r *runner) fingerprints() ([]string, error) {
	out := make([]string, len(r.live))
	for i, name := range r.live {
		fp, err := canon.Fingerprint(r.replicas[name].GetStrokes())
		if err != nil {
			return nil, fmt.Errorf("fingerprint %s: %w", name, err)
		}
		out[i] = fp
	}
	return out, nil
}

// checkConvergence fills the per-replica results and reports divergence.
func (r *runner) checkConvergence() {
	var reference string
	converged := true

	for _, name := range r.live {
		rep := r.replicas[name]
		strokes := rep.GetStrokes()
		fp, err := canon.Fingerprint(strokes)
		if err != nil {
			r.result.AddError(fmt.Sprintf("replica %s: fingerprint: %v", name, err))
			converged = false
			continue
		}

		r.result.Replicas = append(r.result.Replicas, ReplicaResult{
			Name:        name,
			Fingerprint: fp,
			Stats:       rep.Stats(),
		})

		if err := rep.Err(); err != nil {
			r.result.AddError(fmt.Sprintf("replica %s: %v", name, err))
			converged = false
		}
		if pos := rep.Position(); pos != r.result.Position {
			r.result.AddError(fmt.Sprintf("replica %s: at position %d, sequencer at %d", name, pos, r.result.Position))
			converged = false
		}
		if n := rep.Pending(); n != 0 {
			r.result.AddError(fmt.Sprintf("replica %s: %d operations still pending", name, n))
			converged = false
		}

		if reference == "" {
			reference = fp
			r.result.Strokes = strokes
			continue
		}
		if fp != reference {
			r.result.AddError(fmt.Sprintf("replica %s diverged: fingerprint %s, want %s", name, fp, reference))
			converged = false
		}
	}

	if converged {
		r.result.Fingerprint = reference
	}
}
