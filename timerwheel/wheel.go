// Package timerwheel implements the timer wheel: an ordered set of pending
// deadlines with one-shot/periodic modes and cancellation, backed by a
// skip list keyed by (deadline, insertion-id) so that ties resolve in
// insertion order.
package timerwheel

import (
	"sync"
	"time"
)

// EventKind distinguishes the events a Timer's callback may receive.
type EventKind int

const (
	EventDeadline EventKind = iota
	EventCancelled
	EventClosed
)

// Mask selects which EventKinds a Timer actually wants delivered; the wheel
// suppresses the rest to reduce dispatch overhead.
type Mask uint8

const (
	WantDeadline  Mask = 1 << iota
	WantCancelled
	WantClosed
)

func (m Mask) wants(k EventKind) bool {
	switch k {
	case EventDeadline:
		return m&WantDeadline != 0
	case EventCancelled:
		return m&WantCancelled != 0
	case EventClosed:
		return m&WantClosed != 0
	}
	return false
}

// Event is delivered to a Timer's callback.
type Event struct {
	Kind EventKind
	// Deadline is the logical deadline this event fired for (EventDeadline
	// only). Drift (now - Deadline) is reported separately so periodic
	// rescheduling is never perturbed by wall-clock jitter.
	Deadline time.Time
	Drift    time.Duration
}

// state is a Timer's lifecycle; a timer is in exactly one of these states
// at a time.
type state int32

const (
	stateScheduled state = iota
	stateFiring
	stateCancelled
	stateClosed
)

// Timer is a single scheduled deadline, shared-owned by the user and the
// Wheel until Close.
type Timer struct {
	wheel *Wheel
	seq   uint64

	deadlineNanos int64
	period        time.Duration
	oneShot       bool
	mask          Mask
	callback      func(Event)

	mu    sync.Mutex
	st    state
	node  *skipNode
}

// Wheel owns the skip list and the monotonic insertion-id counter; one
// mutex per wheel, contention absorbed by the strand model above it.
type Wheel struct {
	mu   sync.Mutex
	list *skipList
	seq  uint64
}

func New() *Wheel {
	return &Wheel{list: newSkipList()}
}

// Schedule creates and inserts a new Timer. period == 0 means one-shot.
func (w *Wheel) Schedule(deadline time.Time, period time.Duration, mask Mask, cb func(Event)) *Timer {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	t := &Timer{
		wheel:         w,
		seq:           w.seq,
		deadlineNanos: deadline.UnixNano(),
		period:        period,
		oneShot:       period == 0,
		mask:          mask,
		callback:      cb,
		st:            stateScheduled,
	}
	t.node = w.list.insert(t)
	return t
}

// reschedule removes and reinserts t at a new deadline, preserving FIFO
// ordering among ties via a fresh insertion-id.
func (w *Wheel) reschedule(t *Timer, deadline time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	t.seq = w.seq
	t.deadlineNanos = deadline.UnixNano()
	t.st = stateScheduled
	t.node = w.list.insert(t)
}

// Cancel removes t from the wheel. If t has already entered the firing
// state, cancellation is a no-op: its deadline callback still runs, but no
// cancelled event is announced.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st == stateFiring || t.st == stateClosed || t.st == stateCancelled {
		return
	}
	t.wheel.mu.Lock()
	t.wheel.list.remove(t)
	t.wheel.mu.Unlock()
	t.st = stateCancelled
	if t.mask.wants(EventCancelled) && t.callback != nil {
		t.callback(Event{Kind: EventCancelled})
	}
}

// Close removes and releases t, announcing EventClosed if requested.
func (t *Timer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st == stateClosed {
		return
	}
	if t.st == stateScheduled {
		t.wheel.mu.Lock()
		t.wheel.list.remove(t)
		t.wheel.mu.Unlock()
	}
	t.st = stateClosed
	if t.mask.wants(EventClosed) && t.callback != nil {
		t.callback(Event{Kind: EventClosed})
	}
}

// Deadline returns the timer's currently scheduled deadline.
func (t *Timer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Unix(0, t.deadlineNanos)
}

// Len reports the number of pending timers.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.list.len()
}

// Advance pops and fires every timer whose deadline has elapsed as of now:
// peek the front repeatedly while front.deadline <= now, popping and
// firing each. Periodic timers are re-inserted with deadline += period;
// drift is reported in the event but never perturbs the next scheduled
// deadline. Returns the number of timers fired.
func (w *Wheel) Advance(now time.Time) int { return w.AdvanceMax(now, 0) }

// AdvanceMax is Advance bounded to at most max firings per call (max <= 0
// means unbounded); the reactor uses it to cap per-wait timer work.
func (w *Wheel) AdvanceMax(now time.Time, max int) int {
	fired := 0
	nowNanos := now.UnixNano()
	for {
		if max > 0 && fired >= max {
			return fired
		}
		w.mu.Lock()
		t := w.list.front()
		if t == nil || t.deadlineNanos > nowNanos {
			w.mu.Unlock()
			return fired
		}
		w.list.remove(t)
		w.mu.Unlock()

		t.mu.Lock()
		if t.st != stateScheduled {
			// Raced with a concurrent Cancel/Close between front() and the
			// lock above; nothing to fire.
			t.mu.Unlock()
			continue
		}
		t.st = stateFiring
		deadline := time.Unix(0, t.deadlineNanos)
		cb := t.callback
		wantsDeadline := t.mask.wants(EventDeadline)
		period := t.period
		oneShot := t.oneShot
		t.mu.Unlock()

		if wantsDeadline && cb != nil {
			cb(Event{Kind: EventDeadline, Deadline: deadline, Drift: now.Sub(deadline)})
		}
		fired++

		t.mu.Lock()
		if oneShot {
			t.st = stateClosed
			t.mu.Unlock()
		} else {
			t.st = stateScheduled
			t.mu.Unlock()
			w.reschedule(t, deadline.Add(period))
		}
	}
}
