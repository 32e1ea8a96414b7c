package strand

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostRunsInlineWhenIdle(t *testing.T) {
	s := New()
	ran := false
	s.Post(func() { ran = true })
	require.True(t, ran)
	require.False(t, s.Running())
}

func TestPostFromWithinClosureEnqueuesRatherThanRecurses(t *testing.T) {
	s := New()
	var order []int
	s.Post(func() {
		order = append(order, 1)
		s.Post(func() { order = append(order, 2) }) // must not run until this closure returns
		order = append(order, 3)
	})
	require.Equal(t, []int{1, 3, 2}, order)
}

func TestStrandSerializesAcrossGoroutines(t *testing.T) {
	s := New()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Post(func() {
				n := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
			})
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxActive)
}
