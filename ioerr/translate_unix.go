//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package ioerr

import (
	"golang.org/x/sys/unix"
)

// FromErrno maps a raw unix errno, as returned by the driver's syscalls or
// by SO_ERROR resolution, onto the taxonomy.
func FromErrno(op string, errno error) *Error {
	if errno == nil {
		return nil
	}
	e, ok := errno.(unix.Errno)
	if !ok {
		return New(Unknown, op, errno)
	}
	switch e {
	case 0:
		return nil
	case unix.EAGAIN:
		return New(WouldBlock, op, errno)
	case unix.EINTR:
		return New(Interrupted, op, errno)
	case unix.ECONNREFUSED:
		return New(ConnectionRefused, op, errno)
	case unix.ECONNRESET:
		return New(ConnectionReset, op, errno)
	case unix.EPIPE, unix.ENOTCONN, unix.ESHUTDOWN:
		if e == unix.ENOTCONN {
			return New(NotConnected, op, errno)
		}
		return New(ConnectionDead, op, errno)
	case unix.ETIMEDOUT:
		return New(Timeout, op, errno)
	case unix.EADDRINUSE:
		return New(AddressInUse, op, errno)
	case unix.EADDRNOTAVAIL:
		return New(AddressNotAvailable, op, errno)
	case unix.EISCONN:
		return New(AlreadyConnected, op, errno)
	case unix.EACCES, unix.EPERM:
		return New(PermissionDenied, op, errno)
	case unix.ENOSYS, unix.EOPNOTSUPP:
		return New(NotSupported, op, errno)
	case unix.EINVAL:
		return New(Invalid, op, errno)
	case unix.EMFILE, unix.ENFILE, unix.ENOMEM:
		return New(LimitExceeded, op, errno)
	case unix.ECANCELED:
		return New(Cancelled, op, errno)
	default:
		return New(Unknown, op, errno)
	}
}
