// Package zerocopy implements the zero-copy queue auxiliary to the write
// queue. It reconstructs per-group completion out of the kernel's 32-bit
// wrapping completion counter, handling out-of-order and split completion
// ranges.
package zerocopy

import (
	"github.com/flowmesh/netcore/ioerr"
)

// Generator hands out monotonically increasing 64-bit logical operation
// ids whose low 32 bits match the kernel's wrapping 32-bit counter.
type Generator struct {
	next uint64 // next logical id to hand out
}

// NewGenerator starts the logical counter at 0, matching the kernel's
// initial counter value; the high bits are introduced only as the low 32
// bits wrap.
func NewGenerator() *Generator {
	return &Generator{}
}

// Next allocates n consecutive logical operation ids, extending the high
// 32 bits across any 32-bit wraparound within the run.
func (g *Generator) Next(n uint32) (first uint64, count uint32) {
	first = g.next
	g.next += uint64(n)
	return first, n
}

// Range is a half-open logical range [Min, Max) of operation ids, the
// generator's reconstruction of an OS notification's inclusive
// [from32, thru32] kernel range.
type Range struct {
	Min, Max uint64
}

// Resolve maps a raw kernel notification [from32, thru32] (inclusive) into
// a logical Range, given the generator's current high-32-bit epoch. Because
// the kernel counter wraps at 2^32, this picks the interpretation of
// from32/thru32 nearest (at or before) the most recently allocated logical
// id — the only interpretation consistent with a counter that only ever
// increases.
func (g *Generator) Resolve(from32, thru32 uint32) Range {
	latest := g.next // one past the most recently allocated id
	fromLogical := nearestLogical(latest, from32)
	thruLogical := nearestLogical(latest, thru32)
	if thruLogical < fromLogical {
		// thru32 wrapped relative to from32 within the same notification,
		// e.g. [UINT32_MAX-1, 1] spans logical [2^32-2, 2^32+1]
		thruLogical += 1 << 32
	}
	return Range{Min: fromLogical, Max: thruLogical + 1}
}

func nearestLogical(latest uint64, low32 uint32) uint64 {
	epoch := latest &^ 0xFFFFFFFF
	candidate := epoch | uint64(low32)
	if candidate > latest+1<<31 && candidate >= 1<<32 {
		candidate -= 1 << 32
	} else if candidate+1<<32 <= latest+1<<31 {
		candidate += 1 << 32
	}
	return candidate
}

// Group tracks one submitted send's outstanding operations. Its callback
// fires exactly once, after the union of completion ranges covers every
// operation in [First, First+Count).
type Group struct {
	First, Count uint64
	outstanding  map[uint64]struct{}
	onComplete   func()
	done         bool
	// open marks a group still accepting operations via Grow; its callback
	// is withheld until Seal even if every operation so far has completed.
	open bool
}

// NewGroup creates a Group spanning the logical ids [first, first+count).
func NewGroup(first uint64, count uint32, onComplete func()) *Group {
	g := &Group{First: first, Count: uint64(count), onComplete: onComplete}
	g.outstanding = make(map[uint64]struct{}, count)
	for i := uint64(0); i < g.Count; i++ {
		g.outstanding[first+i] = struct{}{}
	}
	if count == 0 {
		g.done = true
	}
	return g
}

func (g *Group) end() uint64 { return g.First + g.Count }

// Queue tracks all in-flight groups and dispatches completion ranges
// against them.
type Queue struct {
	gen      *Generator
	groups   []*Group // ordered by First, oldest first
	onMisuse func(err error)
}

// NewQueue creates an empty zero-copy completion queue. onMisuse, if
// non-nil, is invoked (without corrupting state) whenever a completion
// range claims operations no group is tracking; such a range means the
// driver misbehaved, so it is reported and its excess ignored.
func NewQueue(onMisuse func(err error)) *Queue {
	return &Queue{gen: NewGenerator(), onMisuse: onMisuse}
}

// Submit registers a new group of n operations and returns it; callers
// enqueue operations into the kernel using the logical-to-kernel-low-32
// mapping implied by Group.First/Count.
func (q *Queue) Submit(n uint32, onComplete func()) *Group {
	first, count := q.gen.Next(n)
	g := NewGroup(first, count, onComplete)
	q.groups = append(q.groups, g)
	if g.done && g.onComplete != nil {
		fn := g.onComplete
		g.onComplete = nil
		fn()
	}
	return g
}

// SubmitOpen registers a group whose operation count is not yet known.
// The caller Grows it once per kernel-accepted send operation and Seals it
// once the originating send has been fully handed to the kernel; the
// callback cannot fire before Seal. This is how the write queue tracks an
// entry that a short write splits across several kernel submissions.
func (q *Queue) SubmitOpen(onComplete func()) *Group {
	g := &Group{onComplete: onComplete, open: true, outstanding: make(map[uint64]struct{})}
	q.groups = append(q.groups, g)
	return g
}

// Grow allocates the next logical operation id into g. Operation ids are
// handed out in kernel send order, so only the group whose entry is at the
// head of the write queue may grow; the write queue's FIFO discipline
// guarantees that.
func (q *Queue) Grow(g *Group) {
	first, _ := q.gen.Next(1)
	if g.Count == 0 {
		g.First = first
	}
	g.outstanding[first] = struct{}{}
	g.Count++
}

// Seal closes g to further Grow calls; if every operation already
// completed (or none were ever added), the callback fires now.
func (q *Queue) Seal(g *Group) {
	if !g.open {
		return
	}
	g.open = false
	if !g.done && len(g.outstanding) == 0 {
		g.finish()
		remaining := q.groups[:0]
		for _, other := range q.groups {
			if !other.done {
				remaining = append(remaining, other)
			}
		}
		q.groups = remaining
	}
}

func (g *Group) finish() {
	g.done = true
	if g.onComplete != nil {
		fn := g.onComplete
		g.onComplete = nil
		fn()
	}
}

// Complete applies a raw kernel notification [from32, thru32] to every
// group it intersects, firing each group's callback exactly once when its
// outstanding set becomes empty. Splits (one group spanning multiple
// notifications, one notification spanning multiple groups) and
// out-of-order delivery are both handled.
func (q *Queue) Complete(from32, thru32 uint32) {
	r := q.gen.Resolve(from32, thru32)
	q.CompleteRange(r)
}

// CompleteRange is Complete's already-resolved-range entry point, useful
// for tests that want to drive the group-intersection logic directly
// without reasoning about 32-bit wraparound arithmetic.
func (q *Queue) CompleteRange(r Range) {
	var covered uint64
	remaining := q.groups[:0]
	for _, g := range q.groups {
		lo := max64(r.Min, g.First)
		hi := min64(r.Max, g.end())
		if lo < hi {
			covered += hi - lo
			for id := lo; id < hi; id++ {
				delete(g.outstanding, id)
			}
			if !g.done && !g.open && len(g.outstanding) == 0 {
				g.finish()
			}
		}
		if !g.done {
			remaining = append(remaining, g)
		}
	}
	q.groups = remaining
	if covered < r.Max-r.Min && q.onMisuse != nil {
		q.onMisuse(ioerr.New(ioerr.Invalid, "zerocopy.complete", nil))
	}
}

// Pending reports the number of groups still awaiting completion.
func (q *Queue) Pending() int { return len(q.groups) }

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
