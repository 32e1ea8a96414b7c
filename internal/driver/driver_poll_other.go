//go:build solaris || aix || illumos

package driver

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/flowmesh/netcore/handle"
	"github.com/flowmesh/netcore/internal/wakeup"
	"github.com/flowmesh/netcore/ioerr"
)

// pollDriver is the O(n)-per-wait fallback for platforms lacking both
// epoll and kqueue (Solaris/AIX event-ports and pollset are the native
// choice there; poll() is the portable baseline every such platform has).
// One poll() call reports all ready fds, so a Wait costs exactly one OS
// call regardless of fan-out.
type pollDriver struct {
	ctl wakeup.Controller

	mu    sync.Mutex
	masks map[handle.Handle]handle.Mask
}

func NewPoll() (Driver, error) {
	ctl, err := wakeup.New()
	if err != nil {
		return nil, err
	}
	return &pollDriver{ctl: ctl, masks: make(map[handle.Handle]handle.Mask)}, nil
}

func (d *pollDriver) Add(h handle.Handle) error {
	d.mu.Lock()
	d.masks[h] = 0
	d.mu.Unlock()
	return nil
}

func (d *pollDriver) Remove(h handle.Handle) error {
	d.mu.Lock()
	delete(d.masks, h)
	d.mu.Unlock()
	return nil
}

func (d *pollDriver) setMask(h handle.Handle, bit handle.Mask, show bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.masks[h]
	if !ok {
		return ioerr.New(ioerr.Invalid, "driver.setmask", nil)
	}
	if show {
		m = m.Set(bit)
	} else {
		m = m.Clear(bit)
	}
	d.masks[h] = m
	return nil
}

func (d *pollDriver) ShowReadable(h handle.Handle) error { return d.setMask(h, handle.Readable, true) }
func (d *pollDriver) HideReadable(h handle.Handle) error { return d.setMask(h, handle.Readable, false) }
func (d *pollDriver) ShowWritable(h handle.Handle) error { return d.setMask(h, handle.Writable, true) }
func (d *pollDriver) HideWritable(h handle.Handle) error { return d.setMask(h, handle.Writable, false) }
func (d *pollDriver) ShowError(handle.Handle) error         { return nil }
func (d *pollDriver) HideError(handle.Handle) error         { return nil }
func (d *pollDriver) ShowNotifications(handle.Handle) error { return nil }
func (d *pollDriver) HideNotifications(handle.Handle) error { return nil }

func (d *pollDriver) snapshot() ([]unix.PollFd, []handle.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fds := make([]unix.PollFd, 0, len(d.masks)+1)
	hs := make([]handle.Handle, 0, len(d.masks))
	fds = append(fds, unix.PollFd{Fd: int32(d.ctl.ReadHandle()), Events: unix.POLLIN})
	for h, m := range d.masks {
		var ev int16
		if m.Has(handle.Readable) {
			ev |= unix.POLLIN
		}
		if m.Has(handle.Writable) {
			ev |= unix.POLLOUT
		}
		if ev == 0 {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(h), Events: ev})
		hs = append(hs, h)
	}
	return fds, hs
}

func (d *pollDriver) Wait(out []Event, timeout time.Duration) ([]Event, error) {
	fds, hs := d.snapshot()
	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
	}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return out, ioerr.New(ioerr.Interrupted, "driver.wait", err)
		}
		return out, ioerr.FromErrno("driver.wait", err)
	}
	if n == 0 {
		return out, ioerr.New(ioerr.WouldBlock, "driver.wait", nil)
	}
	if fds[0].Revents&unix.POLLIN != 0 {
		_, _ = d.ctl.Drain()
	}
	for i, h := range hs {
		pfd := fds[i+1]
		if pfd.Revents == 0 {
			continue
		}
		e := Event{Handle: h}
		if pfd.Revents&unix.POLLIN != 0 {
			e.Readable = true
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			e.Writable = true
		}
		if pfd.Revents&unix.POLLHUP != 0 {
			e.Hangup = true
			e.ShutdownPeer = true
		}
		if pfd.Revents&unix.POLLERR != 0 {
			e.Err = resolveErrorPoll(int(h))
		}
		out = append(out, e)
	}
	return out, nil
}

func resolveErrorPoll(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return ioerr.FromErrno("driver.so_error", err)
	}
	if errno == 0 {
		return ioerr.New(ioerr.Unknown, "driver.so_error", nil)
	}
	return ioerr.FromErrno("driver.so_error", unix.Errno(errno))
}

func (d *pollDriver) Interrupt() error { return d.ctl.Interrupt(1) }

func (d *pollDriver) Close() error { return d.ctl.Close() }

func NewDefault() (Driver, error) { return NewPoll() }
