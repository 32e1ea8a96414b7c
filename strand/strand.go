// Package strand implements a serializing executor guaranteeing
// non-concurrent invocation of queued closures. Every socket session owns
// exactly one Strand and routes all user-callback invocations through it,
// which is what makes the per-socket event-ordering guarantee hold.
package strand

import (
	"sync"
)

// Strand serializes execution of submitted closures: Post either runs fn
// immediately on the caller's goroutine (if the strand is currently idle)
// or appends it to the FIFO for the currently-running closure to pick up
// once it returns. A strand that is itself inside Post and calls Post again
// (directly or transitively) always enqueues rather than recursing.
type Strand struct {
	mu      sync.Mutex
	running bool
	queue   []func()
}

func New() *Strand {
	return &Strand{}
}

// Post submits fn for serialized execution. Safe to call from any
// goroutine, including from within a closure the strand is currently
// running.
func (s *Strand) Post(fn func()) {
	s.mu.Lock()
	if s.running {
		s.queue = append(s.queue, fn)
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.run(fn)
}

// run executes fn and then drains the queue until empty, releasing
// s.running only once there is nothing left — this is what prevents two
// Post calls from ever executing concurrently on different goroutines: the
// second caller always finds running == true and enqueues instead.
func (s *Strand) run(fn func()) {
	for fn != nil {
		fn()
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn = s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
	}
}

// Running reports whether a closure is currently executing (or about to
// execute) on this strand; used by tests and by diagnostics, never by
// correctness-sensitive logic.
func (s *Strand) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pending reports the number of closures currently queued behind the one
// running.
func (s *Strand) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
