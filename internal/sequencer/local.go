package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/inkd/internal/engine"
	"github.com/roach88/inkd/internal/ink"
)

// ErrClosed is returned by a Local sequencer after Close.
var ErrClosed = errors.New("sequencer closed")

// Local is a deterministic in-process sequencer.
//
// Positions are contiguous, starting after the last position in the log.
// Submissions are ordered in the order Submit is called. Delivery happens
// synchronously inside Submit, or, with WithManualDelivery, only when the
// test calls Flush or Step.
//
// Thread-safety: all methods are safe for concurrent use. Handlers run
// while the sequencer lock is held, one operation at a time, so every
// subscriber observes the same order.
type Local struct {
	mu        sync.Mutex
	clock     *engine.Clock
	log       Log
	seen      map[string]uint64 // client id → highest committed client seq
	subs      []*localSub
	manual    bool
	backlog   []Sequenced // committed but not yet delivered (manual mode)
	delivered Position
	closed    bool
	logger    *slog.Logger
}

// LocalOption configures a Local sequencer.
type LocalOption func(*Local)

// WithLog sets the committed-operation log. Default: a MemoryLog.
func WithLog(log Log) LocalOption {
	return func(l *Local) {
		l.log = log
	}
}

// WithManualDelivery holds committed operations until Flush or Step.
// Used by tests to model network latency between ordering and delivery.
func WithManualDelivery() LocalOption {
	return func(l *Local) {
		l.manual = true
	}
}

// WithLocalLogger sets the logger. Default: slog.Default().
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) {
		l.logger = logger
	}
}

// NewLocal creates a sequencer. Existing log contents are treated as
// already delivered: the clock and the per-client dedup table resume from
// them.
func NewLocal(ctx context.Context, opts ...LocalOption) (*Local, error) {
	l := &Local{
		seen:   make(map[string]uint64),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = NewMemoryLog()
	}

	history, err := l.log.ReadAfter(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("new local sequencer: read log: %w", err)
	}

	var last Position
	for _, s := range history {
		if s.ClientSeq > l.seen[s.ClientID] {
			l.seen[s.ClientID] = s.ClientSeq
		}
		last = s.Position
	}
	l.clock = engine.NewClockAt(uint64(last))
	l.delivered = last

	if len(history) > 0 {
		l.logger.Info("sequencer resumed from log",
			"operations", len(history),
			"position", last,
		)
	}

	return l, nil
}

// Submit implements Sequencer.
//
// A repeated (ClientID, ClientSeq) is acknowledged and dropped.
func (l *Local) Submit(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	env.Op = ink.Normalize(env.Op)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	if env.ClientSeq <= l.seen[env.ClientID] {
		l.logger.Debug("duplicate submission dropped",
			"client", env.ClientID,
			"client_seq", env.ClientSeq,
		)
		return nil
	}

	s := Sequenced{Position: Position(l.clock.Current() + 1), Envelope: env}
	if err := l.log.Append(ctx, s); err != nil {
		return fmt.Errorf("submit: append: %w", err)
	}
	l.clock.Next()
	l.seen[env.ClientID] = env.ClientSeq

	l.logger.Debug("operation sequenced",
		"position", s.Position,
		"client", env.ClientID,
		"client_seq", env.ClientSeq,
		"kind", env.Op.Kind(),
	)

	if l.manual {
		l.backlog = append(l.backlog, s)
		return nil
	}
	l.deliverLocked(s)
	return nil
}

// Subscribe implements Sequencer.
//
// Already delivered operations after the given position are replayed to fn
// before Subscribe returns. The subscription is cancelled when ctx is done.
func (l *Local) Subscribe(ctx context.Context, after Position, fn Handler) (Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("subscribe: nil handler")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	history, err := l.log.ReadAfter(ctx, after)
	if err != nil {
		return nil, fmt.Errorf("subscribe: read log: %w", err)
	}
	for _, s := range history {
		if s.Position > l.delivered {
			break
		}
		fn(s)
	}

	sub := &localSub{fn: fn}
	l.subs = append(l.subs, sub)
	context.AfterFunc(ctx, sub.Cancel)

	return sub, nil
}

// Flush delivers every held operation and returns how many were delivered.
func (l *Local) Flush() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.backlog)
	for _, s := range l.backlog {
		l.deliverLocked(s)
	}
	l.backlog = nil
	return n
}

// Step delivers the oldest held operation. Returns false if none is held.
func (l *Local) Step() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.backlog) == 0 {
		return false
	}
	s := l.backlog[0]
	l.backlog[0] = Sequenced{}
	l.backlog = l.backlog[1:]
	l.deliverLocked(s)
	return true
}

// Redeliver sends every delivered operation after the given position to
// all subscribers again, modelling at-least-once delivery.
func (l *Local) Redeliver(ctx context.Context, after Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	history, err := l.log.ReadAfter(ctx, after)
	if err != nil {
		return fmt.Errorf("redeliver: read log: %w", err)
	}
	for _, s := range history {
		if s.Position > l.delivered {
			break
		}
		l.fanOutLocked(s)
	}
	return nil
}

// Position returns the last assigned position.
func (l *Local) Position() Position {
	return Position(l.clock.Current())
}

// Held returns the number of sequenced but undelivered operations.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.backlog)
}

// Close cancels every subscription and rejects further calls.
func (l *Local) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	for _, sub := range l.subs {
		sub.Cancel()
	}
	l.subs = nil
}

func (l *Local) deliverLocked(s Sequenced) {
	l.fanOutLocked(s)
	l.delivered = s.Position
}

// fanOutLocked calls every live handler in subscription order and drops
// cancelled subscriptions.
func (l *Local) fanOutLocked(s Sequenced) {
	live := l.subs[:0]
	for _, sub := range l.subs {
		if sub.cancelled.Load() {
			continue
		}
		sub.fn(s)
		live = append(live, sub)
	}
	clear(l.subs[len(live):])
	l.subs = live
}

type localSub struct {
	fn        Handler
	cancelled atomic.Bool
}

// Cancel implements Subscription. It never blocks, so a handler may cancel
// its own subscription.
func (s *localSub) Cancel() {
	s.cancelled.Store(true)
}
