package engine

import "sync/atomic"

// Clock is a monotonic logical counter.
//
// The reference sequencer stamps every committed operation with Next(), and
// each replica numbers its own submissions with a private Clock. Wall-clock
// time is never consulted for ordering.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Uint64
}

// NewClock creates a new clock starting at 0. The first Next() returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock positioned at start.
// Used to resume numbering after a log or snapshot has been loaded.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next increments the clock and returns the new value.
func (c *Clock) Next() uint64 {
	return c.seq.Add(1)
}

// Current returns the last value handed out without incrementing.
func (c *Clock) Current() uint64 {
	return c.seq.Load()
}
