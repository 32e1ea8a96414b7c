//go:build linux

package wakeup

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/flowmesh/netcore/handle"
	"github.com/flowmesh/netcore/ioerr"
)

// eventfdController is the Linux controller, backed by a single eventfd in
// semaphore-less counter mode: writes add to a 64-bit kernel-held counter,
// and a read drains and returns the whole counter atomically — the
// ack-exactly-n-tokens contract without any of the pending bookkeeping the
// pipe fallback needs.
type eventfdController struct {
	fd int
}

func New() (Controller, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, ioerr.FromErrno("wakeup.new", err)
	}
	return &eventfdController{fd: fd}, nil
}

func (c *eventfdController) ReadHandle() handle.Handle { return handle.Handle(c.fd) }

func (c *eventfdController) Interrupt(n uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	_, err := unix.Write(c.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return ioerr.FromErrno("wakeup.interrupt", err)
	}
	return nil
}

func (c *eventfdController) Drain() (uint64, error) {
	var buf [8]byte
	_, err := unix.Read(c.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, ioerr.FromErrno("wakeup.drain", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (c *eventfdController) Close() error {
	return unix.Close(c.fd)
}
