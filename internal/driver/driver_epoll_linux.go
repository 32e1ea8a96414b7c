//go:build linux && !giouring

package driver

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/flowmesh/netcore/handle"
	"github.com/flowmesh/netcore/internal/wakeup"
	"github.com/flowmesh/netcore/ioerr"
)

// epollDriver is the Linux variant. It calls golang.org/x/sys/unix
// directly rather than going through cgo, since no
// blocking-syscall-without-starving-the-Go-scheduler concern applies here
// (Wait is expected to run on a goroutine owned by one scheduler worker).
type epollDriver struct {
	epfd int
	ctl  wakeup.Controller

	mu     sync.Mutex
	masks  map[handle.Handle]handle.Mask
	events []unix.EpollEvent
}

func NewEpoll() (Driver, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, ioerr.FromErrno("driver.new", err)
	}
	ctl, err := wakeup.New()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	d := &epollDriver{
		epfd:   epfd,
		ctl:    ctl,
		masks:  make(map[handle.Handle]handle.Mask),
		events: make([]unix.EpollEvent, 128),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, int(ctl.ReadHandle()), &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(ctl.ReadHandle()),
	}); err != nil {
		d.Close()
		return nil, ioerr.FromErrno("driver.new", err)
	}
	return d, nil
}

func toEpollEvents(m handle.Mask) uint32 {
	var ev uint32
	if m.Has(handle.Readable) {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if m.Has(handle.Writable) {
		ev |= unix.EPOLLOUT
	}
	// error/hangup are always reported by epoll regardless of mask; the
	// Notifications bit (MSG_ERRQUEUE, zero-copy completions) has no epoll
	// bit of its own — epoll reports it as EPOLLERR and the session reads
	// the error queue via recvmsg(MSG_ERRQUEUE).
	return ev
}

func (d *epollDriver) Add(h handle.Handle) error {
	d.mu.Lock()
	d.masks[h] = 0
	d.mu.Unlock()
	ev := unix.EpollEvent{Events: 0, Fd: int32(h)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, int(h), &ev); err != nil {
		return ioerr.FromErrno("driver.add", err)
	}
	return nil
}

func (d *epollDriver) Remove(h handle.Handle) error {
	d.mu.Lock()
	delete(d.masks, h)
	d.mu.Unlock()
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, int(h), nil); err != nil {
		return ioerr.FromErrno("driver.remove", err)
	}
	return nil
}

func (d *epollDriver) setMask(h handle.Handle, bit handle.Mask, show bool) error {
	d.mu.Lock()
	m, ok := d.masks[h]
	if !ok {
		d.mu.Unlock()
		return ioerr.New(ioerr.Invalid, "driver.setmask", nil)
	}
	if show {
		m = m.Set(bit)
	} else {
		m = m.Clear(bit)
	}
	d.masks[h] = m
	d.mu.Unlock()

	ev := unix.EpollEvent{Events: toEpollEvents(m), Fd: int32(h)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, int(h), &ev); err != nil {
		return ioerr.FromErrno("driver.setmask", err)
	}
	return nil
}

func (d *epollDriver) ShowReadable(h handle.Handle) error { return d.setMask(h, handle.Readable, true) }
func (d *epollDriver) HideReadable(h handle.Handle) error { return d.setMask(h, handle.Readable, false) }
func (d *epollDriver) ShowWritable(h handle.Handle) error { return d.setMask(h, handle.Writable, true) }
func (d *epollDriver) HideWritable(h handle.Handle) error { return d.setMask(h, handle.Writable, false) }
func (d *epollDriver) ShowError(h handle.Handle) error    { return d.setMask(h, handle.Error, true) }
func (d *epollDriver) HideError(h handle.Handle) error    { return d.setMask(h, handle.Error, false) }
func (d *epollDriver) ShowNotifications(h handle.Handle) error {
	return d.setMask(h, handle.Notifications, true)
}
func (d *epollDriver) HideNotifications(h handle.Handle) error {
	return d.setMask(h, handle.Notifications, false)
}

// resolveError fetches SO_ERROR when epoll reports only EPOLLERR. A zero
// SO_ERROR means the EPOLLERR came from the error queue (a pending
// MSG_ERRQUEUE notification, not a socket failure), so nil is returned and
// the caller reports Notifications instead.
func resolveError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return ioerr.FromErrno("driver.so_error", err)
	}
	if errno == 0 {
		return nil
	}
	return ioerr.FromErrno("driver.so_error", unix.Errno(errno))
}

func (d *epollDriver) Wait(out []Event, timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
	}
	n, err := unix.EpollWait(d.epfd, d.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return out, ioerr.New(ioerr.Interrupted, "driver.wait", err)
		}
		return out, ioerr.FromErrno("driver.wait", err)
	}
	if n == 0 {
		return out, ioerr.New(ioerr.WouldBlock, "driver.wait", nil)
	}
	if n == len(d.events) {
		d.events = make([]unix.EpollEvent, len(d.events)*2)
	}
	for i := 0; i < n; i++ {
		raw := d.events[i]
		h := handle.Handle(raw.Fd)
		if h == d.ctl.ReadHandle() {
			_, _ = d.ctl.Drain()
			continue
		}
		e := Event{Handle: h}
		if raw.Events&unix.EPOLLIN != 0 {
			e.Readable = true
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			e.Writable = true
		}
		if raw.Events&unix.EPOLLRDHUP != 0 {
			e.ShutdownPeer = true
		}
		if raw.Events&unix.EPOLLHUP != 0 {
			e.Hangup = true
		}
		if raw.Events&unix.EPOLLERR != 0 {
			if err := resolveError(int(h)); err != nil {
				e.Err = err
			} else {
				e.Notifications = true
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (d *epollDriver) Interrupt() error { return d.ctl.Interrupt(1) }

func (d *epollDriver) Close() error {
	_ = d.ctl.Close()
	return unix.Close(d.epfd)
}

func NewDefault() (Driver, error) { return NewEpoll() }
