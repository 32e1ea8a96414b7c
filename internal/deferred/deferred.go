// Package deferred implements the deferred-function queue: closures
// submitted from any goroutine, drained by a single driver thread once per
// Wait. The drain-cycle cap balances deferred-work responsiveness against
// socket-event latency.
package deferred

// Queue is an MPSC queue of closures. Multiple goroutines may call Push
// concurrently; only the single owning driver thread may call Drain.
type Queue struct {
	ch chan func()
}

// New creates a Queue with the given buffer size. If the buffer fills,
// Push falls back to a blocking send rather than dropping work; a
// submitted closure always eventually runs.
func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Queue{ch: make(chan func(), buffer)}
}

// Push enqueues fn for execution on the driver thread. Safe to call from
// any goroutine, including from within a closure currently being drained.
func (q *Queue) Push(fn func()) {
	q.ch <- fn
}

// TryPush enqueues fn without blocking, returning false if the buffer is
// full; callers that must never block the submitting thread (e.g. a
// shutdown path) can fall back to spawning a goroutine on failure.
func (q *Queue) TryPush(fn func()) bool {
	select {
	case q.ch <- fn:
		return true
	default:
		return false
	}
}

// Drain runs up to maxCycles pending closures, returning the number
// actually run. It never blocks: if the queue is empty it returns
// immediately. maxCycles <= 0 means "drain everything currently queued."
func (q *Queue) Drain(maxCycles int) int {
	n := 0
	for maxCycles <= 0 || n < maxCycles {
		select {
		case fn := <-q.ch:
			fn()
			n++
		default:
			return n
		}
	}
	return n
}

// Pending reports the number of closures currently buffered; used for
// diagnostics and tests, not for correctness.
func (q *Queue) Pending() int { return len(q.ch) }
