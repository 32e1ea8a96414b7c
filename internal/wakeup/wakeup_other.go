//go:build !linux

package wakeup

import (
	"golang.org/x/sys/unix"

	"github.com/flowmesh/netcore/handle"
	"github.com/flowmesh/netcore/ioerr"
)

// pipeController is the portable fallback controller, used on kqueue
// platforms that lack eventfd: a self-pipe whose write end is tokenized one
// byte at a time and whose read end the driver permanently registers for
// readable events.
type pipeController struct {
	r, w int
	pending
}

func New() (Controller, error) {
	fds := [2]int{}
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, ioerr.FromErrno("wakeup.new", err)
	}
	return &pipeController{r: fds[0], w: fds[1]}, nil
}

func (c *pipeController) ReadHandle() handle.Handle { return handle.Handle(c.r) }

func (c *pipeController) Interrupt(n uint64) error {
	c.add(n)
	buf := []byte{0}
	_, err := unix.Write(c.w, buf)
	if err != nil && err != unix.EAGAIN {
		return ioerr.FromErrno("wakeup.interrupt", err)
	}
	return nil
}

func (c *pipeController) Drain() (uint64, error) {
	buf := make([]byte, 4096)
	var drained int
	for {
		n, err := unix.Read(c.r, buf)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			return 0, ioerr.FromErrno("wakeup.drain", err)
		}
		if n == 0 {
			break
		}
		drained += n
		if n < len(buf) {
			break
		}
	}
	total := c.takeAll()
	_ = drained
	return total, nil
}

func (c *pipeController) Close() error {
	_ = unix.Close(c.w)
	return unix.Close(c.r)
}
