//go:build linux && giouring

package driver

import (
	"sync"
	"time"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/flowmesh/netcore/handle"
	"github.com/flowmesh/netcore/internal/wakeup"
	"github.com/flowmesh/netcore/ioerr"
)

// iouringDriver is the optional io_uring-backed variant, selected by
// building with the giouring tag. The socket layer still does its own
// read()/write() once notified, so the ring is used purely as a readiness
// multiplexer — a multishot IORING_OP_POLL_ADD per descriptor — mirroring
// the epoll/kqueue variants' readable/writable Event contract rather than
// submitting transfer operations to the kernel.
type iouringDriver struct {
	ring *giouring.Ring
	ctl  wakeup.Controller

	mu      sync.Mutex
	masks   map[handle.Handle]handle.Mask
	pending map[uint64]handle.Handle
	nextID  uint64
}

func NewIOUring(entries uint32) (Driver, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, ioerr.New(ioerr.Unknown, "driver.new", err)
	}
	ctl, err := wakeup.New()
	if err != nil {
		ring.QueueExit()
		return nil, err
	}
	d := &iouringDriver{
		ring:    ring,
		ctl:     ctl,
		masks:   make(map[handle.Handle]handle.Mask),
		pending: make(map[uint64]handle.Handle),
		nextID:  1,
	}
	d.arm(handle.Handle(ctl.ReadHandle()), unix.POLLIN)
	if err := d.submit(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func NewDefault() (Driver, error) { return NewIOUring(256) }

func (d *iouringDriver) arm(h handle.Handle, pollMask uint32) {
	sqe := d.ring.GetSQE()
	if sqe == nil {
		// Ring full: no poll is armed for h, and h receives no events until
		// a later setMask call arms it from the mask recorded in d.masks.
		return
	}
	id := d.nextID
	d.nextID++
	d.pending[id] = h
	sqe.PreparePollAdd(uint64(h), pollMask)
	sqe.UserData = id
}

func (d *iouringDriver) submit() error {
	if _, err := d.ring.SubmitAndWait(0); err != nil && err != unix.EAGAIN {
		return ioerr.New(ioerr.Unknown, "driver.submit", err)
	}
	return nil
}

func toPollMask(m handle.Mask) uint32 {
	var p uint32
	if m.Has(handle.Readable) {
		p |= unix.POLLIN
	}
	if m.Has(handle.Writable) {
		p |= unix.POLLOUT
	}
	return p
}

func (d *iouringDriver) Add(h handle.Handle) error {
	d.mu.Lock()
	d.masks[h] = 0
	d.mu.Unlock()
	return nil
}

func (d *iouringDriver) Remove(h handle.Handle) error {
	d.mu.Lock()
	delete(d.masks, h)
	d.mu.Unlock()
	sqe := d.ring.GetSQE()
	if sqe != nil {
		sqe.PrepareCancelFd(int(h), 0)
		sqe.UserData = 0
		_ = d.submit()
	}
	return nil
}

func (d *iouringDriver) setMask(h handle.Handle, bit handle.Mask, show bool) error {
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
	pm := toPollMask(m)
	d.mu.Unlock()

	if pm != 0 {
		d.arm(h, pm)
		return d.submit()
	}
	return nil
}

func (d *iouringDriver) ShowReadable(h handle.Handle) error { return d.setMask(h, handle.Readable, true) }
func (d *iouringDriver) HideReadable(h handle.Handle) error { return d.setMask(h, handle.Readable, false) }
func (d *iouringDriver) ShowWritable(h handle.Handle) error { return d.setMask(h, handle.Writable, true) }
func (d *iouringDriver) HideWritable(h handle.Handle) error { return d.setMask(h, handle.Writable, false) }

// Error and notification interest are no-ops on this variant: POLLERR is
// always reported by the kernel regardless of the requested mask and
// surfaces as an Event with Err set. This variant never sets
// Event.Notifications, so zero-copy completions queued on MSG_ERRQUEUE are
// not delivered to the socket layer as notification events.
func (d *iouringDriver) ShowError(handle.Handle) error          { return nil }
func (d *iouringDriver) HideError(handle.Handle) error          { return nil }
func (d *iouringDriver) ShowNotifications(handle.Handle) error  { return nil }
func (d *iouringDriver) HideNotifications(handle.Handle) error  { return nil }

func (d *iouringDriver) Wait(out []Event, timeout time.Duration) ([]Event, error) {
	var ts unix.Timespec
	tsPtr := &ts
	if timeout > 0 {
		ts = unix.NsecToTimespec(timeout.Nanoseconds())
	} else {
		tsPtr = nil
	}
	if _, err := d.ring.WaitCQEs(1, tsPtr, nil); err != nil {
		if err == unix.EINTR || err == unix.EAGAIN || err == unix.ETIME {
			return out, ioerr.New(ioerr.WouldBlock, "driver.wait", err)
		}
		return out, ioerr.New(ioerr.Unknown, "driver.wait", err)
	}

	var cqes [128]*giouring.CompletionQueueEvent
	for {
		n := d.ring.PeekBatchCQE(cqes[:])
		if n == 0 {
			break
		}
		for _, cqe := range cqes[:n] {
			out = d.handleCQE(out, cqe)
		}
		d.ring.CQAdvance(n)
		if n < uint32(len(cqes)) {
			break
		}
	}
	return out, nil
}

func (d *iouringDriver) handleCQE(out []Event, cqe *giouring.CompletionQueueEvent) []Event {
	d.mu.Lock()
	h, known := d.pending[cqe.UserData]
	delete(d.pending, cqe.UserData)
	d.mu.Unlock()
	if !known {
		return out
	}
	if h == handle.Handle(d.ctl.ReadHandle()) {
		_, _ = d.ctl.Drain()
		d.arm(h, unix.POLLIN)
		_ = d.submit()
		return out
	}

	e := Event{Handle: h}
	res := uint32(cqe.Res)
	if res&unix.POLLIN != 0 {
		e.Readable = true
	}
	if res&unix.POLLOUT != 0 {
		e.Writable = true
	}
	if res&unix.POLLHUP != 0 {
		e.Hangup = true
		e.ShutdownPeer = true
	}
	if res&unix.POLLERR != 0 && cqe.Res >= 0 {
		e.Err = ioerr.New(ioerr.Unknown, "driver.wait", nil)
	}
	if cqe.Res < 0 {
		e.Err = ioerr.FromErrno("driver.wait", unix.Errno(-cqe.Res))
	}
	out = append(out, e)

	d.mu.Lock()
	m, ok := d.masks[h]
	d.mu.Unlock()
	if ok {
		if pm := toPollMask(m); pm != 0 {
			d.arm(h, pm)
			_ = d.submit()
		}
	}
	return out
}

func (d *iouringDriver) Interrupt() error { return d.ctl.Interrupt(1) }

func (d *iouringDriver) Close() error {
	_ = d.ctl.Close()
	d.ring.QueueExit()
	return nil
}
