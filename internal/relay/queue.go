package relay

import "sync"

// frameQueue is a thread-safe unbounded FIFO of encoded frames.
//
// Submit enqueues and returns immediately; the connection's writer
// goroutine dequeues. The signal channel lets the writer wait on it
// together with a done channel.
type frameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	signal chan struct{} // buffered, size 1
}

func newFrameQueue() *frameQueue {
	return &frameQueue{
		frames: make([][]byte, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a frame to the back of the queue.
// Returns false if the queue is closed.
func (q *frameQueue) Enqueue(f []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.frames = append(q.frames, f)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes and returns the front frame without blocking.
func (q *frameQueue) TryDequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return nil, false
	}

	f := q.frames[0]
	q.frames[0] = nil
	if len(q.frames) == 1 {
		q.frames = q.frames[:0]
	} else {
		q.frames = q.frames[1:]
	}

	return f, true
}

// Wait returns a channel that signals when frames may be available.
// It is closed by Close.
func (q *frameQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close rejects further frames and wakes the waiter.
func (q *frameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
