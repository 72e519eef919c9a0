package replica

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/inkd/internal/engine"
	"github.com/roach88/inkd/internal/ink"
	"github.com/roach88/inkd/internal/sequencer"
	"github.com/roach88/inkd/internal/stroke"
)

// Replica is one participant's copy of the shared drawing.
type Replica struct {
	mu sync.Mutex

	// Observer batches are numbered under mu and dispatched in ticket
	// order after mu is released.
	ticket     uint64
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	notified   uint64 // guarded by notifyMu

	// sendMu serializes forwarding so envelopes reach the sequencer in
	// client sequence order. It is never acquired while mu is held.
	sendMu sync.Mutex

	seq       sequencer.Sequencer
	name      string
	clientID  string
	clientSeq *engine.Clock
	logger    *slog.Logger

	committed *stroke.Store
	view      *stroke.Store
	position  sequencer.Position
	pending   []sequencer.Envelope
	sent      int // pending[:sent] have been handed to the sequencer

	applier     *engine.Applier // committed path, owns the counters
	viewApplier *engine.Applier // optimistic path, silent

	redeliveries uint64
	rebuilds     uint64

	observers []*observer
	nextObs   int

	sub      sequencer.Subscription
	cancel   context.CancelFunc
	attached bool
	detached bool
	halted   error
}

type observer struct {
	id int
	fn Observer
}

// Option configures a Replica.
type Option func(*Replica)

// WithClientID sets the name this replica's client id is derived from.
//
// Every Replica stamps its submissions with "<name>/<UUIDv7>", a session
// id of its own, and numbers them from 1. A replica that rejoins under a
// name the sequencer has already seen therefore never collides with the
// earlier session's client sequence. Default: a bare UUIDv7.
func WithClientID(name string) Option {
	return func(r *Replica) {
		r.name = name
	}
}

// WithSnapshot rehydrates committed state. Attach then subscribes strictly
// after the snapshot position.
func WithSnapshot(snap Snapshot) Option {
	return func(r *Replica) {
		r.committed.Load(snap.Strokes)
		r.position = snap.Position
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Replica) {
		r.logger = logger
	}
}

// New creates a replica bound to seq. Call Attach to
// start receiving committed operations.
func New(seq sequencer.Sequencer, opts ...Option) *Replica {
	r := &Replica{
		seq:       seq,
		clientSeq: engine.NewClock(),
		logger:    slog.Default(),
		committed: stroke.NewStore(),
	}
	r.notifyCond = sync.NewCond(&r.notifyMu)
	for _, opt := range opts {
		opt(r)
	}
	session := ink.UUIDv7Generator{}.Generate()
	if r.name == "" {
		r.name = session
		r.clientID = session
	} else {
		r.clientID = r.name + "/" + session
	}

	r.applier = engine.NewApplier(engine.WithLogger(r.logger.With("replica", r.clientID)))
	r.viewApplier = engine.NewApplier(engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	r.view = r.committed.Clone()

	return r
}

// ClientID returns the session id stamped on this replica's submissions.
func (r *Replica) ClientID() string {
	return r.clientID
}

// Name returns the name set by WithClientID, or the session id when none
// was given.
func (r *Replica) Name() string {
	return r.name
}

// Attach subscribes to the sequencer after the current committed position.
// Operations the sequencer already holds are delivered before Attach
// returns when the sequencer replays synchronously.
func (r *Replica) Attach(ctx context.Context) error {
	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("attach: %w", err)
	}
	if r.attached {
		r.mu.Unlock()
		return errors.New("attach: already attached")
	}
	r.attached = true
	after := r.position
	r.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := r.seq.Subscribe(subCtx, after, r.handle)
	if err != nil {
		cancel()
		r.mu.Lock()
		r.attached = false
		r.mu.Unlock()
		return fmt.Errorf("attach: subscribe: %w", err)
	}

	r.mu.Lock()
	detached := r.detached
	r.sub = sub
	r.cancel = cancel
	r.mu.Unlock()

	// Detach raced with Subscribe.
	if detached {
		sub.Cancel()
		cancel()
	}

	r.logger.Debug("replica attached",
		"replica", r.clientID,
		"after", after,
	)
	return nil
}

// handle adapts Deliver to sequencer.Handler.
func (r *Replica) handle(s sequencer.Sequenced) {
	if err := r.Deliver(s); err != nil && !engine.IsDetached(err) && !engine.IsHalted(err) {
		r.logger.Error("delivery failed",
			"replica", r.clientID,
			"position", s.Position,
			"error", err,
		)
	}
}

// SubmitOperation validates op, applies it optimistically to the view and
// hands it to the sequencer.
//
// A malformed operation is returned as *ink.MalformedOperationError and
// never forwarded. A sequencer failure is logged and the operation stays
// pending; it is re-sent by the next submission or by Resubmit.
func (r *Replica) SubmitOperation(ctx context.Context, op ink.Operation) error {
	if err := ink.Validate(op); err != nil {
		return fmt.Errorf("submit operation: %w", err)
	}
	op = ink.Normalize(op)

	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("submit operation: %w", err)
	}

	outcome, err := r.viewApplier.Apply(r.view, op)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("submit operation: %w", err)
	}

	env := sequencer.Envelope{
		ClientID:  r.clientID,
		ClientSeq: r.clientSeq.Next(),
		Op:        op,
	}
	r.pending = append(r.pending, env)

	c := changeFor(op, outcome)
	c.Local = true
	r.unlockAndNotify([]Change{c})

	r.forward(ctx)
	return nil
}

// Resubmit re-sends every pending operation. The sequencer drops envelopes
// it has already committed, so this is safe after an ambiguous failure.
func (r *Replica) Resubmit(ctx context.Context) error {
	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("resubmit: %w", err)
	}
	r.sent = 0
	r.mu.Unlock()

	if failed := r.forward(ctx); failed != nil {
		return fmt.Errorf("resubmit: %w", failed)
	}
	return nil
}

// forward hands unsent pending envelopes to the sequencer in order. It stops
// at the first failure and returns it.
func (r *Replica) forward(ctx context.Context) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	for {
		r.mu.Lock()
		if r.detached || r.halted != nil || r.sent >= len(r.pending) {
			r.mu.Unlock()
			return nil
		}
		env := r.pending[r.sent]
		r.sent++
		r.mu.Unlock()

		// A synchronous sequencer delivers the echo from inside Submit,
		// which folds env and shifts r.sent back.
		if err := r.seq.Submit(ctx, env); err != nil {
			r.mu.Lock()
			r.unsendLocked(env.ClientSeq)
			r.mu.Unlock()

			r.logger.Warn("sequencer submit failed; operation stays pending",
				"replica", r.clientID,
				"client_seq", env.ClientSeq,
				"error", err,
			)
			return err
		}
	}
}

// unsendLocked marks the envelope with clientSeq, and everything after it,
// as not yet handed over.
func (r *Replica) unsendLocked(clientSeq uint64) {
	for i, env := range r.pending[:r.sent] {
		if env.ClientSeq == clientSeq {
			r.sent = i
			return
		}
	}
}

// Deliver applies a committed operation. It is the sequencer handler and
// may also be called directly. Redeliveries are ignored.
func (r *Replica) Deliver(s sequencer.Sequenced) error {
	r.mu.Lock()
	changes, err := r.deliverLocked(s)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.unlockAndNotify(changes)
	return nil
}

func (r *Replica) deliverLocked(s sequencer.Sequenced) ([]Change, error) {
	if r.halted != nil {
		return nil, r.halted
	}
	if r.detached {
		return nil, engine.NewDetachedError()
	}
	if s.Position <= r.position {
		r.redeliveries++
		r.logger.Debug("redelivered operation ignored",
			"replica", r.clientID,
			"position", s.Position,
		)
		return nil, nil
	}

	outcome, err := r.applyCommitted(s.Op)
	if err != nil {
		r.halted = engine.NewHaltedError(uint64(s.Position), err)
		r.logger.Error("replica halted",
			"replica", r.clientID,
			"position", s.Position,
			"error", err,
		)
		return nil, r.halted
	}
	r.position = s.Position

	c := changeFor(s.Op, outcome)
	c.Position = s.Position
	c.Committed = true
	c.Local = s.ClientID == r.clientID

	switch {
	case c.Local && len(r.pending) > 0 && r.pending[0].ClientSeq == s.ClientSeq:
		r.pending[0] = sequencer.Envelope{}
		r.pending = r.pending[1:]
		if r.sent > 0 {
			r.sent--
		}

	case len(r.pending) == 0:
		if _, err := r.viewApplier.Apply(r.view, s.Op); err != nil {
			r.rebuildLocked()
		}

	default:
		if c.Local {
			r.dropPendingLocked(s.ClientSeq)
		}
		r.rebuildLocked()
		c.Rebased = true
	}

	return []Change{c}, nil
}

// applyCommitted applies op to the committed store. A panic is turned into
// an error.
func (r *Replica) applyCommitted(op ink.Operation) (outcome engine.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic applying operation: %v", rec)
		}
	}()
	return r.applier.Apply(r.committed, op)
}

// dropPendingLocked removes an own envelope that committed out of order.
func (r *Replica) dropPendingLocked(clientSeq uint64) {
	for i, env := range r.pending {
		if env.ClientSeq != clientSeq {
			continue
		}
		r.pending = append(r.pending[:i], r.pending[i+1:]...)
		if i < r.sent {
			r.sent--
		}
		r.logger.Warn("own operation committed out of submission order",
			"replica", r.clientID,
			"client_seq", clientSeq,
		)
		return
	}
}

// rebuildLocked recomputes the view as committed plus pending.
func (r *Replica) rebuildLocked() {
	r.view = r.committed.Clone()
	for _, env := range r.pending {
		if _, err := r.viewApplier.Apply(r.view, env.Op); err != nil {
			r.logger.Error("pending operation failed to replay",
				"replica", r.clientID,
				"client_seq", env.ClientSeq,
				"error", err,
			)
		}
	}
	r.rebuilds++
}

// GetStrokes returns a snapshot of every visible stroke in creation order.
func (r *Replica) GetStrokes() []stroke.Stroke {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view.All()
}

// GetStroke returns a snapshot of one visible stroke.
func (r *Replica) GetStroke(id string) (stroke.Stroke, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view.Get(id)
}

// Snapshot returns the committed strokes and the position they reflect.
// Pending operations are not included.
func (r *Replica) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{Position: r.position, Strokes: r.committed.All()}
}

// Subscribe registers an observer and returns a function that removes it.
//
// Observers are called synchronously from SubmitOperation and from the
// sequencer's delivery path. An observer that wants to react with a new
// operation must hand it to another goroutine: calling SubmitOperation,
// Resubmit, Deliver or Detach from inside the callback deadlocks.
func (r *Replica) Subscribe(fn Observer) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextObs++
	id := r.nextObs
	r.observers = append(r.observers, &observer{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, o := range r.observers {
			if o.id == id {
				r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
				return
			}
		}
	}
}

// unlockAndNotify releases mu and then calls observers with changes.
// Must be called with mu held.
func (r *Replica) unlockAndNotify(changes []Change) {
	if len(changes) == 0 || len(r.observers) == 0 {
		r.mu.Unlock()
		return
	}
	observers := make([]Observer, len(r.observers))
	for i, o := range r.observers {
		observers[i] = o.fn
	}
	r.ticket++
	ticket := r.ticket
	r.mu.Unlock()

	r.notifyMu.Lock()
	for r.notified != ticket-1 {
		r.notifyCond.Wait()
	}
	r.notifyMu.Unlock()

	defer func() {
		r.notifyMu.Lock()
		r.notified = ticket
		r.notifyCond.Broadcast()
		r.notifyMu.Unlock()
	}()

	for _, c := range changes {
		for _, fn := range observers {
			fn(c)
		}
	}
}

// Detach stops the replica: the sequencer subscription is cancelled,
// pending operations are discarded and the view reverts to committed
// state. Later submissions fail with a detached error. Detach is
// idempotent and fires no notification.
func (r *Replica) Detach() {
	r.mu.Lock()
	if r.detached {
		r.mu.Unlock()
		return
	}
	r.detached = true
	dropped := len(r.pending)
	r.pending = nil
	r.sent = 0
	r.view = r.committed.Clone()
	sub, cancel := r.sub, r.cancel
	r.sub, r.cancel = nil, nil
	r.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if cancel != nil {
		cancel()
	}

	r.logger.Info("replica detached",
		"replica", r.clientID,
		"discarded_pending", dropped,
	)
}

// usableLocked returns the error that blocks new work, if any.
func (r *Replica) usableLocked() error {
	if r.halted != nil {
		return r.halted
	}
	if r.detached {
		return engine.NewDetachedError()
	}
	return nil
}

// Err returns the halt error, or nil while the replica is healthy.
func (r *Replica) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted
}

// Position returns the last applied committed position.
func (r *Replica) Position() sequencer.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

// Pending returns the number of local operations awaiting commit.
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Stats returns committed-path counters and reconciliation diagnostics.
func (r *Replica) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Stats:        r.applier.Stats(),
		Redeliveries: r.redeliveries,
		Rebuilds:     r.rebuilds,
		Pending:      len(r.pending),
	}
}
