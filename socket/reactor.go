// Package socket implements the per-socket session state machines
// (stream, listener, datagram) coordinating connect, read-queue,
// write-queue, zero-copy tracking, encryption upgrade/downgrade, and
// shutdown, plus the Reactor that ties one driver thread's interest
// registry, timer wheel, and deferred-function queue together into the
// wait -> dispatch -> drain -> advance loop.
package socket

import (
	"sync/atomic"
	"time"

	"github.com/flowmesh/netcore/handle"
	"github.com/flowmesh/netcore/internal/deferred"
	"github.com/flowmesh/netcore/internal/driver"
	"github.com/flowmesh/netcore/internal/interest"
	"github.com/flowmesh/netcore/ioerr"
	"github.com/flowmesh/netcore/timerwheel"
)

// Reactor owns one driver thread's worth of state: the concrete
// multiplexer, the interest registry, the timer wheel, and the deferred
// closure queue. Multiple goroutines may call RunOnce concurrently on the
// same Reactor — this is what scheduler's dynamic load-balancing mode
// relies on; each goroutine must register as a waiter first via
// AddWaiter/RemoveWaiter.
type Reactor struct {
	Driver   driver.Driver
	Registry *interest.Registry
	Timers   *timerwheel.Wheel
	Deferred *deferred.Queue

	MaxEventsPerWait int
	MaxTimersPerWait int
	MaxCyclesPerWait int

	waiters atomic.Int32
}

// NewReactor builds a Reactor around an already-constructed Driver.
func NewReactor(d driver.Driver) *Reactor {
	return &Reactor{
		Driver:           d,
		Registry:         interest.New(),
		Timers:           timerwheel.New(),
		Deferred:         deferred.New(1024),
		MaxEventsPerWait: 256,
		MaxTimersPerWait: 256,
		MaxCyclesPerWait: 64,
	}
}

// AddWaiter/RemoveWaiter track the goroutines that call Wait. The count is
// informational (epoll_wait has no batch-sizing dependency on registered
// waiters), but the bookkeeping lets scheduler metrics report it.
func (r *Reactor) AddWaiter()    { r.waiters.Add(1) }
func (r *Reactor) RemoveWaiter() { r.waiters.Add(-1) }
func (r *Reactor) Waiters() int  { return int(r.waiters.Load()) }

// RunOnce executes a single wait -> dispatch -> drain -> advance cycle.
// timeout bounds how long Wait may block; callers loop RunOnce to drive
// the reactor continuously.
func (r *Reactor) RunOnce(timeout time.Duration) error {
	events := make([]driver.Event, 0, r.MaxEventsPerWait)
	events, err := r.Driver.Wait(events, timeout)
	if err != nil {
		// would-block (timeout) and interrupted are absorbed by the event
		// loop; other errors propagate so the scheduler can log and decide
		// what survives.
		if !isRecoverable(err) {
			return err
		}
	}
	for _, ev := range events {
		r.dispatch(ev)
	}
	r.Deferred.Drain(r.MaxCyclesPerWait)
	r.Timers.AdvanceMax(time.Now(), r.MaxTimersPerWait)
	return nil
}

func (r *Reactor) dispatch(ev driver.Event) {
	if ev.Err != nil {
		r.Registry.DispatchError(ev.Handle, ev.Err)
		return
	}
	if ev.Notifications {
		r.Registry.DispatchNotifications(ev.Handle)
	}
	if ev.Readable || ev.ShutdownPeer || ev.Hangup {
		r.Registry.DispatchReadable(ev.Handle)
	}
	if ev.Writable {
		r.Registry.DispatchWritable(ev.Handle)
	}
}

// Attach registers h with both the interest registry and the OS driver,
// maintaining the invariant that an entry exists in the registry iff the
// driver has been told about the handle.
func (r *Reactor) Attach(h Handle) (*interest.Entry, error) {
	e, err := r.Registry.Attach(h)
	if err != nil {
		return nil, err
	}
	if derr := r.Driver.Add(h); derr != nil {
		_ = r.Registry.Detach(h, nil)
		return nil, derr
	}
	return e, nil
}

// Detach removes h from the driver immediately and begins the registry's
// process-counter-gated detach; onDetached runs once in-flight dispatches
// drain.
func (r *Reactor) Detach(h Handle, onDetached func()) error {
	_ = r.Driver.Remove(h)
	return r.Registry.Detach(h, onDetached)
}

// Show/Hide adjust interest in the registry and the driver together; the
// registry mutation happens first so a racing Wait never dispatches an
// event the registry has no callback for.
func (r *Reactor) ShowReadable(h Handle, cb func()) error {
	if err := r.Registry.ShowReadable(h, cb); err != nil {
		return err
	}
	return r.Driver.ShowReadable(h)
}

func (r *Reactor) HideReadable(h Handle) error {
	if err := r.Registry.HideReadable(h); err != nil {
		return err
	}
	return r.Driver.HideReadable(h)
}

func (r *Reactor) ShowWritable(h Handle, cb func()) error {
	if err := r.Registry.ShowWritable(h, cb); err != nil {
		return err
	}
	return r.Driver.ShowWritable(h)
}

func (r *Reactor) HideWritable(h Handle) error {
	if err := r.Registry.HideWritable(h); err != nil {
		return err
	}
	return r.Driver.HideWritable(h)
}

func (r *Reactor) ShowError(h Handle, cb func(error)) error {
	if err := r.Registry.ShowError(h, cb); err != nil {
		return err
	}
	return r.Driver.ShowError(h)
}

func (r *Reactor) ShowNotifications(h Handle, cb func()) error {
	if err := r.Registry.ShowNotifications(h, cb); err != nil {
		return err
	}
	return r.Driver.ShowNotifications(h)
}

func isRecoverable(err error) bool {
	return ioerr.Recoverable(err)
}

// Handle is re-exported for callers that only need the opaque descriptor
// type without importing the handle package directly.
type Handle = handle.Handle
