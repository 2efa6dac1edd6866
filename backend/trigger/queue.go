// Package trigger holds initialisation callbacks until a connection is up.
package trigger

import "sync"

type Func func()

// Queue runs callbacks in insertion order, each exactly once.
//
// Once flushed the queue is live: callbacks enqueued afterwards run
// immediately on the caller's goroutine. Reset makes it hold callbacks again
// until the next Flush.
type Queue struct {
	mx      sync.Mutex
	pending []Func
	live    bool
	running bool
}

func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends fn, or runs it right away when the queue is live.
// It reports whether fn was executed.
func (q *Queue) Enqueue(fn Func) bool {
	if fn == nil {
		return false
	}
	q.mx.Lock()
	if !q.live {
		q.pending = append(q.pending, fn)
		q.mx.Unlock()
		return false
	}
	q.mx.Unlock()
	fn()
	return true
}

// Flush invokes every pending callback in FIFO order and marks the queue live.
// Callbacks enqueued during a flush run in the same flush. A nested Flush
// call from inside a callback is a no-op. Returns the number of invocations.
func (q *Queue) Flush() int {
	q.mx.Lock()
	if q.running {
		q.mx.Unlock()
		return 0
	}
	q.running = true
	q.mx.Unlock()

	n := 0
	for {
		q.mx.Lock()
		if len(q.pending) == 0 {
			q.live = true
			q.running = false
			q.mx.Unlock()
			return n
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mx.Unlock()

		fn()
		n++
	}
}

// Reset stops immediate execution. Pending callbacks are kept.
func (q *Queue) Reset() {
	q.mx.Lock()
	q.live = false
	q.mx.Unlock()
}

// Live reports whether the queue has been flushed since the last Reset.
func (q *Queue) Live() bool {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.live
}

// Len returns the number of pending callbacks.
func (q *Queue) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.pending)
}
