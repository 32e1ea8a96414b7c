package interest

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/flowmesh/netcore/handle"
	"github.com/stretchr/testify/require"
)

func TestAttachDetachRoundTrip(t *testing.T) {
	r := New()
	h := handle.Handle(5)
	_, err := r.Attach(h)
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())

	done := make(chan struct{})
	require.NoError(t, r.Detach(h, func() { close(done) }))
	<-done
	require.Equal(t, 0, r.Len())

	_, ok := r.Lookup(h)
	require.False(t, ok)
}

func TestAttachTwiceErrors(t *testing.T) {
	r := New()
	h := handle.Handle(1)
	_, err := r.Attach(h)
	require.NoError(t, err)
	_, err = r.Attach(h)
	require.Error(t, err)
}

func TestShowHideDispatch(t *testing.T) {
	r := New()
	h := handle.Handle(2)
	_, err := r.Attach(h)
	require.NoError(t, err)

	var n int32
	require.NoError(t, r.ShowReadable(h, func() { atomic.AddInt32(&n, 1) }))
	r.DispatchReadable(h)
	r.DispatchReadable(h)
	require.EqualValues(t, 2, atomic.LoadInt32(&n))

	require.NoError(t, r.HideReadable(h))
	e, _ := r.Lookup(h)
	require.False(t, e.Mask().Has(handle.Readable))
}

func TestDetachWaitsForInFlightDispatch(t *testing.T) {
	r := New()
	h := handle.Handle(3)
	e, err := r.Attach(h)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, r.ShowReadable(h, func() {
		close(started)
		<-release
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.DispatchReadable(h)
	}()
	<-started

	detached := make(chan struct{})
	go func() {
		_ = r.Detach(h, func() { close(detached) })
	}()

	select {
	case <-detached:
		t.Fatal("detach callback fired before in-flight dispatch completed")
	default:
	}

	close(release)
	wg.Wait()
	<-detached
	require.False(t, e.Active())
}

func TestCloseAllExcept(t *testing.T) {
	r := New()
	keep := handle.Handle(10)
	drop := handle.Handle(11)
	_, _ = r.Attach(keep)
	_, _ = r.Attach(drop)

	r.CloseAll(map[handle.Handle]struct{}{keep: {}})
	_, ok := r.Lookup(keep)
	require.True(t, ok)
	_, ok = r.Lookup(drop)
	require.False(t, ok)
}
