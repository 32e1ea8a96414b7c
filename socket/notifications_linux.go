//go:build linux

package socket

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/flowmesh/netcore/handle"
	"github.com/flowmesh/netcore/ioerr"
)

// Linux does not expose SO_EE_* / sock_extended_err as named constants in
// golang.org/x/sys/unix, so they are reproduced here from
// <linux/errqueue.h>, the same way other zero-copy-aware Go networking
// libraries in the ecosystem do (there is no portable alternative).
const (
	solIP          = 0
	ipRecvErr      = 11
	solIPv6        = 41
	ipv6RecvErr    = 25
	soEEOriginZC   = 5 // SO_EE_ORIGIN_ZEROCOPY
	extendedErrLen = 16
)

// zcCompletion is one reconstructed inclusive [from32, thru32] kernel
// zero-copy completion range, read off a socket's MSG_ERRQUEUE. Epoll has
// no dedicated bit for error-queue readiness — it surfaces as EPOLLERR
// with SO_ERROR zero, and the session reads the queue via
// recvmsg(MSG_ERRQUEUE).
type zcCompletion struct {
	From, Thru uint32
}

// receiveNotifications drains every pending MSG_ERRQUEUE entry for h,
// returning the zero-copy completion ranges found.
func receiveNotifications(h handle.Handle) ([]zcCompletion, error) {
	var out []zcCompletion
	oob := make([]byte, 256)
	for {
		_, oobn, _, _, err := unix.Recvmsg(int(h), nil, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
		if err != nil {
			if err == unix.EAGAIN {
				return out, nil
			}
			return out, ioerr.FromErrno("socket.receive_notifications", err)
		}
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return out, ioerr.FromErrno("socket.receive_notifications", err)
		}
		for _, m := range msgs {
			if !isRecvErr(m.Header) || len(m.Data) < extendedErrLen {
				continue
			}
			origin := m.Data[4]
			if origin != soEEOriginZC {
				continue
			}
			info := binary.LittleEndian.Uint32(m.Data[8:12])
			data := binary.LittleEndian.Uint32(m.Data[12:16])
			out = append(out, zcCompletion{From: info, Thru: data})
		}
	}
}

func isRecvErr(h unix.Cmsghdr) bool {
	return (h.Level == solIP && h.Type == ipRecvErr) || (h.Level == solIPv6 && h.Type == ipv6RecvErr)
}

const zeroCopyAvailable = true

// sendZeroCopySocket performs one MSG_ZEROCOPY send; each call that the
// kernel accepts consumes one completion-counter value, reported back
// later on the error queue.
func sendZeroCopySocket(h handle.Handle, buf []byte) (int, error) {
	n, err := unix.SendmsgN(int(h), buf, nil, nil, unix.MSG_ZEROCOPY|unix.MSG_DONTWAIT)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ioerr.New(ioerr.WouldBlock, "socket.send", err)
		}
		return 0, ioerr.FromErrno("socket.send", err)
	}
	return n, nil
}

func enableZeroCopy(h handle.Handle) error {
	const soZeroCopy = 60
	if err := unix.SetsockoptInt(int(h), unix.SOL_SOCKET, soZeroCopy, 1); err != nil {
		return ioerr.FromErrno("socket.set_option", err)
	}
	return nil
}
