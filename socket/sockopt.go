//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package socket

import (
	"golang.org/x/sys/unix"

	"github.com/flowmesh/netcore/handle"
	"github.com/flowmesh/netcore/ioerr"
)

// socketError resolves SO_ERROR, the standard way to discover whether a
// non-blocking connect succeeded once the descriptor reports writable. A
// nil return means the connect succeeded.
func socketError(h handle.Handle) error {
	errno, err := unix.GetsockoptInt(int(h), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return ioerr.FromErrno("socket.connect", err)
	}
	if errno == 0 {
		return nil
	}
	return ioerr.FromErrno("socket.connect", unix.Errno(errno))
}
