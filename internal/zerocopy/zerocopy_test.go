package zerocopy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// incl converts an inclusive kernel-style [from, thru] pair into the
// package's half-open Range.
func incl(from, thru uint64) Range { return Range{Min: from, Max: thru + 1} }

func TestThreeGroupSplitCompletion(t *testing.T) {
	q := NewQueue(nil)
	var completed []int
	g0 := q.Submit(7, func() { completed = append(completed, 0) })
	g1 := q.Submit(7, func() { completed = append(completed, 1) })
	g2 := q.Submit(7, func() { completed = append(completed, 2) })
	require.Equal(t, uint64(0), g0.First)
	require.Equal(t, uint64(7), g1.First)
	require.Equal(t, uint64(14), g2.First)

	q.CompleteRange(incl(2, 4))
	require.Empty(t, completed)
	q.CompleteRange(incl(9, 12))
	require.Empty(t, completed)
	q.CompleteRange(incl(16, 18))
	require.Empty(t, completed)
	q.CompleteRange(incl(5, 8))
	require.Empty(t, completed)
	q.CompleteRange(incl(12, 15))
	require.Equal(t, []int{1}, completed)
	q.CompleteRange(incl(19, 20))
	require.Equal(t, []int{1, 2}, completed)
	q.CompleteRange(incl(0, 1))
	require.Equal(t, []int{1, 2, 0}, completed)
	require.Equal(t, 0, q.Pending())
}

func TestZeroOperationGroupCompletesImmediately(t *testing.T) {
	q := NewQueue(nil)
	done := false
	q.Submit(0, func() { done = true })
	require.True(t, done)
}

func TestCounterWrapProducesLinearlyOrderedRange(t *testing.T) {
	gen := &Generator{next: 1<<32 - 1} // about to allocate the wrap-spanning op
	first, count := gen.Next(2)        // allocates logical [2^32-1, 2^32+1)
	require.Equal(t, uint64(1<<32-1), first)
	require.Equal(t, uint32(2), count)

	// kernel reports completion [UINT32_MAX-1, 1], wrapping through zero.
	r := gen.Resolve(0xFFFFFFFE, 1)
	require.Equal(t, uint64(1<<32-2), r.Min)
	require.Equal(t, uint64(1<<32+2), r.Max)
}

func TestCompletionOutsideAnyGroupReportsMisuseWithoutCorruption(t *testing.T) {
	var reported error
	q := NewQueue(func(err error) { reported = err })
	done := false
	q.Submit(2, func() { done = true })

	q.CompleteRange(incl(100, 200)) // nothing submitted in this range
	require.Error(t, reported)
	require.False(t, done)
	require.Equal(t, 1, q.Pending())

	q.CompleteRange(incl(0, 1))
	require.True(t, done)
	require.Equal(t, 0, q.Pending())
}

func TestOutOfOrderSplitAcrossNotifications(t *testing.T) {
	q := NewQueue(nil)
	done := false
	q.Submit(4, func() { done = true }) // ops 0-3
	q.CompleteRange(incl(2, 3))
	require.False(t, done)
	q.CompleteRange(incl(0, 1))
	require.True(t, done)
}

func TestOpenGroupWithheldUntilSealed(t *testing.T) {
	q := NewQueue(nil)
	done := false
	g := q.SubmitOpen(func() { done = true })

	q.Grow(g) // op 0: first kernel submission of the entry
	q.Grow(g) // op 1: remainder after a short write
	q.CompleteRange(incl(0, 1))
	require.False(t, done, "callback must not fire while the group is still open")

	q.Grow(g) // op 2
	q.Seal(g)
	require.False(t, done)
	q.CompleteRange(incl(2, 2))
	require.True(t, done)
	require.Equal(t, 0, q.Pending())
}

func TestSealAfterAllOperationsCompletedFiresImmediately(t *testing.T) {
	q := NewQueue(nil)
	done := false
	g := q.SubmitOpen(func() { done = true })
	q.Grow(g)
	q.CompleteRange(incl(0, 0))
	require.False(t, done)
	q.Seal(g)
	require.True(t, done)
	require.Equal(t, 0, q.Pending())
}

func TestOpenGroupsInterleaveWithClosedGroups(t *testing.T) {
	q := NewQueue(nil)
	var completed []int
	g0 := q.SubmitOpen(func() { completed = append(completed, 0) })
	q.Grow(g0) // op 0
	q.Grow(g0) // op 1
	q.Seal(g0)
	g1 := q.Submit(2, func() { completed = append(completed, 1) }) // ops 2-3
	require.Equal(t, uint64(2), g1.First)

	q.CompleteRange(incl(1, 2))
	require.Empty(t, completed)
	q.CompleteRange(incl(3, 3))
	require.Equal(t, []int{1}, completed)
	q.CompleteRange(incl(0, 0))
	require.Equal(t, []int{1, 0}, completed)
}
