package sequencer

import (
	"context"
	"sort"
	"sync"
)

// MemoryLog is an in-memory Log.
//
// Thread-safety: MemoryLog is safe for concurrent use.
type MemoryLog struct {
	mu  sync.RWMutex
	ops []Sequenced // sorted by Position
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append implements Log. Positions must be appended in increasing order;
// an already recorded position is ignored.
func (l *MemoryLog) Append(_ context.Context, s Sequenced) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.ops); n > 0 && s.Position <= l.ops[n-1].Position {
		return nil
	}
	l.ops = append(l.ops, s)
	return nil
}

// ReadAfter implements Log.
func (l *MemoryLog) ReadAfter(_ context.Context, after Position) ([]Sequenced, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := sort.Search(len(l.ops), func(i int) bool {
		return l.ops[i].Position > after
	})
	out := make([]Sequenced, len(l.ops)-i)
	copy(out, l.ops[i:])
	return out, nil
}

// Len returns the number of recorded operations.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ops)
}
