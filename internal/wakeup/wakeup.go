// Package wakeup implements the wait controller: a pair of connected
// endpoints used to interrupt a blocking driver.Wait from another thread.
// An OS-level primitive is required because a Go channel cannot interrupt
// a goroutine already blocked in an epoll_wait/kevent syscall.
package wakeup

import (
	"sync/atomic"

	"github.com/flowmesh/netcore/handle"
)

// Controller is a self-pipe/eventfd pair. Interrupt(n) writes n tokens;
// the driver's Wait call returns; the driver acknowledges by reading
// exactly that many tokens via Drain, preventing unbounded token buildup.
type Controller interface {
	// ReadHandle is permanently registered by the driver for readable
	// events.
	ReadHandle() handle.Handle

	// Interrupt writes n tokens to the controller, waking a concurrent
	// Wait.
	Interrupt(n uint64) error

	// Drain consumes and returns the number of pending tokens, acking them
	// so they do not accumulate across wakeups.
	Drain() (uint64, error)

	Close() error
}

// pending tracks outstanding interrupt tokens for implementations (like the
// pipe-based fallback) that cannot coalesce writes the way eventfd does.
type pending struct {
	n atomic.Uint64
}

func (p *pending) add(n uint64) uint64 { return p.n.Add(n) }
func (p *pending) takeAll() uint64     { return p.n.Swap(0) }
