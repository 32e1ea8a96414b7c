package timerwheel

import (
	"math/rand"
)

// maxLevel caps the number of forward-pointer levels a node may carry.
const maxLevel = 31

// skipNode is one node of the intrusive skip list keyed by (deadline,
// insertion-id), so ties among equal deadlines break in insertion order
// (FIFO).
type skipNode struct {
	timer   *Timer
	forward []*skipNode
}

func (n *skipNode) less(deadlineNanos int64, seq uint64) bool {
	if n.timer.deadlineNanos != deadlineNanos {
		return n.timer.deadlineNanos < deadlineNanos
	}
	return n.timer.seq < seq
}

// skipList is the backing structure for the timer wheel: O(log n) insert,
// front-peek, and arbitrary-node removal, with a geometric random-level
// generator.
type skipList struct {
	head   *skipNode
	level  int
	length int
	rnd    *rand.Rand
}

func newSkipList() *skipList {
	return &skipList{
		head:  &skipNode{forward: make([]*skipNode, maxLevel)},
		level: 1,
		rnd:   rand.New(rand.NewSource(1)),
	}
}

// randomLevel follows a geometric distribution (p=0.5).
func (s *skipList) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && s.rnd.Int31()&1 == 1 {
		lvl++
	}
	return lvl
}

// insert places t into the list and returns its node; remove later finds
// the node again in O(log n) by t's (deadline, insertion-id) key.
func (s *skipList) insert(t *Timer) *skipNode {
	update := make([]*skipNode, maxLevel)
	x := s.head
	for i := s.level - 1; i >= 0; i-- {
		for x.forward[i] != nil && x.forward[i].less(t.deadlineNanos, t.seq) {
			x = x.forward[i]
		}
		update[i] = x
	}
	lvl := s.randomLevel()
	if lvl > s.level {
		for i := s.level; i < lvl; i++ {
			update[i] = s.head
		}
		s.level = lvl
	}
	node := &skipNode{timer: t, forward: make([]*skipNode, lvl)}
	for i := 0; i < lvl; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}
	s.length++
	return node
}

// remove deletes target's node from the list and reports whether it was
// found; calling it for a timer that is no longer in the list (already
// removed by the wheel's scan or by an earlier remove) returns false and
// leaves the list unchanged.
func (s *skipList) remove(target *Timer) bool {
	update := make([]*skipNode, maxLevel)
	x := s.head
	for i := s.level - 1; i >= 0; i-- {
		for x.forward[i] != nil && x.forward[i].less(target.deadlineNanos, target.seq) {
			x = x.forward[i]
		}
		update[i] = x
	}
	x = x.forward[0]
	if x == nil || x.timer != target {
		return false
	}
	for i := 0; i < s.level; i++ {
		if update[i].forward[i] != x {
			break
		}
		update[i].forward[i] = x.forward[i]
	}
	for s.level > 1 && s.head.forward[s.level-1] == nil {
		s.level--
	}
	s.length--
	return true
}

// front returns the earliest-deadline timer without removing it.
func (s *skipList) front() *Timer {
	n := s.head.forward[0]
	if n == nil {
		return nil
	}
	return n.timer
}

func (s *skipList) len() int { return s.length }
