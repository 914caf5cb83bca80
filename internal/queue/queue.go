// Package queue implements the unbounded ingestion queue that decouples
// frame producers from the transmission engine.
package queue

import (
	"sync"
	"sync/atomic"
)

// Queue is an unbounded FIFO of opaque frames.
//
// Enqueue never blocks and never rejects. DrainUpTo removes frames in
// arrival order without waiting for more to arrive. All methods are safe
// for concurrent use.
type Queue struct {
	mu       sync.Mutex
	frames   [][]byte
	head     int
	enqueued atomic.Uint64
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends frame to the tail of the queue.
func (q *Queue) Enqueue(frame []byte) {
	q.mu.Lock()
	q.frames = append(q.frames, frame)
	q.mu.Unlock()
	q.enqueued.Add(1)
}

// DrainUpTo removes and returns at most n frames from the head of the
// queue in FIFO order. It returns nil when n <= 0 or the queue is empty.
func (q *Queue) DrainUpTo(n int) [][]byte {
	if n <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	available := len(q.frames) - q.head
	if available == 0 {
		return nil
	}
	if n > available {
		n = available
	}

	out := make([][]byte, n)
	copy(out, q.frames[q.head:q.head+n])
	clear(q.frames[q.head : q.head+n]) // release frames for GC
	q.head += n

	q.compact()
	return out
}

// compact reclaims the drained prefix once it dominates the backing
// array. Must be called with mu held.
func (q *Queue) compact() {
	if q.head == len(q.frames) {
		q.frames = q.frames[:0]
		q.head = 0
		return
	}
	if q.head < 1024 || q.head < len(q.frames)/2 {
		return
	}
	remaining := copy(q.frames, q.frames[q.head:])
	clear(q.frames[remaining:])
	q.frames = q.frames[:remaining]
	q.head = 0
}

// Len returns the current queue depth. The value is a point-in-time
// snapshot and may be stale by the time it is used.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames) - q.head
}

// Enqueued returns the total number of frames accepted since creation.
func (q *Queue) Enqueued() uint64 {
	return q.enqueued.Load()
}
