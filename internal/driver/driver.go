// Package driver converts OS multiplexing primitives (epoll, kqueue, poll)
// into one uniform contract. Concrete variants are selected per build
// target; NewDefault picks the native one for the current GOOS.
package driver

import (
	"time"

	"github.com/flowmesh/netcore/handle"
)

// Event is one readiness notification returned from Wait.
type Event struct {
	Handle       handle.Handle
	Readable     bool
	Writable     bool
	Err          error // resolved via SO_ERROR when the OS only reports "error"
	Hangup       bool
	ShutdownPeer bool
	// Notifications reports pending OS-level error-queue messages
	// (MSG_ERRQUEUE zero-copy completions, timestamps). On Linux epoll this
	// is EPOLLERR with SO_ERROR == 0; other platforms never set it.
	Notifications bool
}

// Driver is the uniform multiplexer contract. All methods except Wait are
// safe to call from any goroutine; Wait must only ever be called by a
// goroutine that registered as a waiter.
type Driver interface {
	Add(h handle.Handle) error
	Remove(h handle.Handle) error

	ShowReadable(h handle.Handle) error
	HideReadable(h handle.Handle) error
	ShowWritable(h handle.Handle) error
	HideWritable(h handle.Handle) error
	ShowError(h handle.Handle) error
	HideError(h handle.Handle) error
	ShowNotifications(h handle.Handle) error
	HideNotifications(h handle.Handle) error

	// Wait blocks until at least one event is available or timeout elapses,
	// appending results to out (reused across calls to avoid allocation) and
	// returning the extended slice. A zero timeout means block indefinitely.
	Wait(out []Event, timeout time.Duration) ([]Event, error)

	// Interrupt unblocks a concurrent Wait call from another goroutine; it
	// is implemented atop an internal/wakeup controller.
	Interrupt() error

	Close() error
}

// Name identifies a concrete driver variant. Only the variants that make
// sense on the build targets Go itself supports are shipped.
type Name string

const (
	NameEpoll        Name = "epoll"
	NameKqueue       Name = "kqueue"
	NamePoll         Name = "poll"
	NameIOUring      Name = "iouring"
	NameIOUringGiour Name = "iouring-giouring"
)
