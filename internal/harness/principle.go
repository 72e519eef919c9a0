package harness

import (
	"fmt"
	"slices"

	"github.com/roach88/inkd/internal/canon"
)

// checkPrinciple verifies one named property against the quiesced run.
func (r *runner) checkPrinciple(p string) error {
	switch p {
	case PrincipleIdempotentRedelivery:
		return r.checkIdempotentRedelivery()
	case PrincipleRehydration:
		return r.checkRehydration()
	default:
		return fmt.Errorf("unknown principle %q", p)
	}
}

// checkIdempotentRedelivery redelivers the whole history and expects every
// live replica to stay exactly where it was.
func (r *runner) checkIdempotentRedelivery() error {
	before, err := r.fingerprints()
	if err != nil {
		return err
	}

	if err := r.seq.Redeliver(r.ctx, 0); err != nil {
		return fmt.Errorf("redeliver history: %w", err)
	}

	after, err := r.fingerprints()
	if err != nil {
		return err
	}
	if !slices.Equal(before, after) {
		r.result.AddError(fmt.Sprintf("%s: fingerprints changed from %v to %v", PrincipleIdempotentRedelivery, before, after))
	}
	return nil
}

// checkRehydration compares a replica replayed from the full history with
// a replica rehydrated from every live replica's snapshot.
func (r *runner) checkRehydration() error {
	full, err := r.attach("rehydration/full", "rehydration/full", nil)
	if err != nil {
		return err
	}
	defer r.detach("rehydration/full")

	want, err := canon.Fingerprint(full.GetStrokes())
	if err != nil {
		return fmt.Errorf("fingerprint full replay: %w", err)
	}

	for _, name := range slices.Clone(r.live) {
		if name == "rehydration/full" {
			continue
		}
		snap := r.replicas[name].Snapshot()

		probe := "rehydration/" + name
		rep, err := r.attach(probe, probe, &snap)
		if err != nil {
			return err
		}
		got, err := canon.Fingerprint(rep.GetStrokes())
		r.detach(probe)
		if err != nil {
			return fmt.Errorf("fingerprint %s: %w", probe, err)
		}

		if got != want {
			r.result.AddError(fmt.Sprintf("%s: snapshot of %s at position %d rehydrates to %s, full replay gives %s",
				PrincipleRehydration, name, snap.Position, got, want))
		}
	}
	return nil
}

func (r *runner) detach(name string) {
	if rep, ok := r.replicas[name]; ok {
		rep.Detach()
		delete(r.replicas, name)
	}
	r.drop(name)
}
