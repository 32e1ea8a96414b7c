package driver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/flowmesh/netcore/handle"
)

func socketPair(t *testing.T) (handle.Handle, handle.Handle) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return handle.Handle(fds[0]), handle.Handle(fds[1])
}

func newTestDriver(t *testing.T) Driver {
	t.Helper()
	d, err := NewDefault()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDriverReportsReadable(t *testing.T) {
	d := newTestDriver(t)
	a, b := socketPair(t)

	require.NoError(t, d.Add(a))
	require.NoError(t, d.ShowReadable(a))

	_, err := unix.Write(int(b), []byte("hi"))
	require.NoError(t, err)

	events, err := d.Wait(nil, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, a, events[0].Handle)
	require.True(t, events[0].Readable)
}

func TestDriverReportsWritable(t *testing.T) {
	d := newTestDriver(t)
	a, _ := socketPair(t)

	require.NoError(t, d.Add(a))
	require.NoError(t, d.ShowWritable(a))

	events, err := d.Wait(nil, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Writable)
}

func TestDriverWaitTimesOutWithNoInterest(t *testing.T) {
	d := newTestDriver(t)
	_, err := d.Wait(nil, 50*time.Millisecond)
	require.Error(t, err)
}

func TestDriverHideStopsNotification(t *testing.T) {
	d := newTestDriver(t)
	a, b := socketPair(t)

	require.NoError(t, d.Add(a))
	require.NoError(t, d.ShowReadable(a))
	require.NoError(t, d.HideReadable(a))

	_, err := unix.Write(int(b), []byte("hi"))
	require.NoError(t, err)

	_, err = d.Wait(nil, 100*time.Millisecond)
	require.Error(t, err)
}

func TestDriverRemoveStopsDelivery(t *testing.T) {
	d := newTestDriver(t)
	a, b := socketPair(t)

	require.NoError(t, d.Add(a))
	require.NoError(t, d.ShowReadable(a))
	require.NoError(t, d.Remove(a))

	_, err := unix.Write(int(b), []byte("hi"))
	require.NoError(t, err)

	_, err = d.Wait(nil, 100*time.Millisecond)
	require.Error(t, err)
}

func TestDriverDetectsPeerShutdown(t *testing.T) {
	d := newTestDriver(t)
	a, b := socketPair(t)

	require.NoError(t, d.Add(a))
	require.NoError(t, d.ShowReadable(a))
	require.NoError(t, unix.Close(int(b)))

	events, err := d.Wait(nil, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Readable || events[0].Hangup || events[0].ShutdownPeer)
}

func TestDriverInterruptWakesWait(t *testing.T) {
	d := newTestDriver(t)
	done := make(chan error, 1)
	go func() {
		_, err := d.Wait(nil, 5*time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Interrupt())
	select {
	case err := <-done:
		// a wakeup-only cycle returns no handle events and no error, since
		// the interrupt is fully consumed by the driver before returning
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Interrupt did not wake Wait")
	}
}
