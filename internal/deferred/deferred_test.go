package deferred

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDrainRunsFIFOPerSubmitter(t *testing.T) {
	q := New(16)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.Push(func() { order = append(order, i) })
	}
	n := q.Drain(0)
	require.Equal(t, 5, n)
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDrainRespectsMaxCycles(t *testing.T) {
	q := New(16)
	for i := 0; i < 10; i++ {
		q.Push(func() {})
	}
	require.Equal(t, 4, q.Drain(4))
	require.Equal(t, 6, q.Pending())
	require.Equal(t, 6, q.Drain(0))
	require.Equal(t, 0, q.Pending())
}

func TestConcurrentPushIsSafe(t *testing.T) {
	q := New(1024)
	var wg sync.WaitGroup
	total := 0
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push(func() {})
			}
		}()
	}
	wg.Wait()
	for {
		n := q.Drain(64)
		total += n
		if n == 0 {
			break
		}
	}
	require.Equal(t, 800, total)
}
