// Package interest implements the interest registry: the map from OS
// descriptor to current event interest and per-event callbacks, with
// atomic detach. Detach is gated on a per-entry process counter so an
// entry is never released while a driver thread is still dispatching into
// its callbacks.
package interest

import (
	"sync"
	"sync/atomic"

	"github.com/flowmesh/netcore/handle"
	"github.com/flowmesh/netcore/ioerr"
)

// Callbacks holds the per-event closures an entry dispatches to. A nil
// field means "no interest" for that event, independent of the mask.
type Callbacks struct {
	OnReadable      func()
	OnWritable      func()
	OnError         func(err error)
	OnNotifications func()
}

// Entry is one registry entry: the (handle, mask, callbacks) tuple plus
// its bookkeeping (process counter, active flag, detach-pending). Mask and
// Callbacks are protected by mu; Go has no user-space spinlock cheaper
// than sync.Mutex under contention from GOMAXPROCS-bounded goroutines, so
// a mutex serves as the per-entry lock.
type Entry struct {
	Handle handle.Handle

	mu    sync.Mutex
	mask  handle.Mask
	cb    Callbacks
	mode  handle.TriggerMode

	active   atomic.Bool
	detach   atomic.Bool
	inflight atomic.Int32

	onDetached func()
	detachOnce sync.Once
}

func (e *Entry) Mask() handle.Mask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mask
}

func (e *Entry) Active() bool { return e.active.Load() }

// enter increments the process counter for the duration of a dispatch; the
// caller must call exit exactly once. Returns false if the entry has
// already been marked inactive, in which case the caller must not dispatch.
func (e *Entry) enter() bool {
	if !e.active.Load() {
		return false
	}
	e.inflight.Add(1)
	if !e.active.Load() {
		e.exit()
		return false
	}
	return true
}

// exit decrements the process counter and, if a detach is pending and this
// was the last in-flight dispatch, invokes the detach callback exactly
// once.
func (e *Entry) exit() {
	if e.inflight.Add(-1) == 0 && e.detach.Load() {
		e.detachOnce.Do(func() {
			if e.onDetached != nil {
				e.onDetached()
			}
		})
	}
}

// dispatch runs fn as one in-flight dispatch against e, honoring the
// process-counter protocol. It is the registry's sole entry point for
// driver-thread callback invocation.
func (e *Entry) dispatch(fn func(Callbacks)) {
	if !e.enter() {
		return
	}
	defer e.exit()
	e.mu.Lock()
	cb := e.cb
	e.mu.Unlock()
	fn(cb)
}

// Registry is the O(1)-lookup-by-descriptor interest registry.
type Registry struct {
	mu      sync.RWMutex
	entries map[handle.Handle]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[handle.Handle]*Entry)}
}

// Attach inserts an entry for h; attaching an already-attached handle is
// an error.
func (r *Registry) Attach(h handle.Handle) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[h]; ok {
		return nil, ioerr.New(ioerr.Invalid, "attach", nil)
	}
	e := &Entry{Handle: h}
	e.active.Store(true)
	r.entries[h] = e
	return e, nil
}

// Lookup finds the entry for h without incrementing its process counter.
func (r *Registry) Lookup(h handle.Handle) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[h]
	return e, ok
}

// LookupAndEnter atomically looks up the entry and increments its process
// counter; the caller must release it via Exit when dispatch completes.
func (r *Registry) LookupAndEnter(h handle.Handle) *Entry {
	r.mu.RLock()
	e, ok := r.entries[h]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if !e.enter() {
		return nil
	}
	return e
}

// Exit releases an entry obtained via LookupAndEnter.
func (r *Registry) Exit(e *Entry) { e.exit() }

// Detach marks the entry inactive; onDetached is invoked exactly once,
// only after every in-flight dispatch for h has completed.
func (r *Registry) Detach(h handle.Handle, onDetached func()) error {
	r.mu.Lock()
	e, ok := r.entries[h]
	if ok {
		delete(r.entries, h)
	}
	r.mu.Unlock()
	if !ok {
		return ioerr.New(ioerr.Invalid, "detach", nil)
	}
	e.onDetached = onDetached
	e.active.Store(false)
	e.detach.Store(true)
	if e.inflight.Load() == 0 {
		e.detachOnce.Do(func() {
			if e.onDetached != nil {
				e.onDetached()
			}
		})
	}
	return nil
}

func (r *Registry) showHide(h handle.Handle, bit handle.Mask, show bool, set *Callbacks, apply func(Callbacks) Callbacks) error {
	e, ok := r.Lookup(h)
	if !ok {
		return ioerr.New(ioerr.Invalid, "show_hide", nil)
	}
	e.mu.Lock()
	if show {
		e.mask = e.mask.Set(bit)
	} else {
		e.mask = e.mask.Clear(bit)
	}
	if set != nil {
		e.cb = apply(e.cb)
	}
	e.mu.Unlock()
	return nil
}

func (r *Registry) ShowReadable(h handle.Handle, cb func()) error {
	return r.showHide(h, handle.Readable, true, &Callbacks{}, func(c Callbacks) Callbacks { c.OnReadable = cb; return c })
}

func (r *Registry) HideReadable(h handle.Handle) error {
	return r.showHide(h, handle.Readable, false, nil, nil)
}

func (r *Registry) ShowWritable(h handle.Handle, cb func()) error {
	return r.showHide(h, handle.Writable, true, &Callbacks{}, func(c Callbacks) Callbacks { c.OnWritable = cb; return c })
}

func (r *Registry) HideWritable(h handle.Handle) error {
	return r.showHide(h, handle.Writable, false, nil, nil)
}

func (r *Registry) ShowError(h handle.Handle, cb func(error)) error {
	return r.showHide(h, handle.Error, true, &Callbacks{}, func(c Callbacks) Callbacks { c.OnError = cb; return c })
}

func (r *Registry) HideError(h handle.Handle) error {
	return r.showHide(h, handle.Error, false, nil, nil)
}

func (r *Registry) ShowNotifications(h handle.Handle, cb func()) error {
	return r.showHide(h, handle.Notifications, true, &Callbacks{}, func(c Callbacks) Callbacks { c.OnNotifications = cb; return c })
}

func (r *Registry) HideNotifications(h handle.Handle) error {
	return r.showHide(h, handle.Notifications, false, nil, nil)
}

// DispatchReadable runs the entry's OnReadable callback under the
// process-counter protocol. The driver calls this (and its writable/error/
// notifications siblings) once per relevant Event.
func (r *Registry) DispatchReadable(h handle.Handle) {
	e, ok := r.Lookup(h)
	if !ok {
		return
	}
	e.dispatch(func(cb Callbacks) {
		if cb.OnReadable != nil {
			cb.OnReadable()
		}
	})
}

func (r *Registry) DispatchWritable(h handle.Handle) {
	e, ok := r.Lookup(h)
	if !ok {
		return
	}
	e.dispatch(func(cb Callbacks) {
		if cb.OnWritable != nil {
			cb.OnWritable()
		}
	})
}

func (r *Registry) DispatchError(h handle.Handle, err error) {
	e, ok := r.Lookup(h)
	if !ok {
		return
	}
	e.dispatch(func(cb Callbacks) {
		if cb.OnError != nil {
			cb.OnError(err)
		}
	})
}

func (r *Registry) DispatchNotifications(h handle.Handle) {
	e, ok := r.Lookup(h)
	if !ok {
		return
	}
	e.dispatch(func(cb Callbacks) {
		if cb.OnNotifications != nil {
			cb.OnNotifications()
		}
	})
}

// CloseAll detaches every handle except those in except, invoking each
// entry's detach completion synchronously once in-flight work drains.
func (r *Registry) CloseAll(except map[handle.Handle]struct{}) {
	r.mu.RLock()
	hs := make([]handle.Handle, 0, len(r.entries))
	for h := range r.entries {
		if _, skip := except[h]; !skip {
			hs = append(hs, h)
		}
	}
	r.mu.RUnlock()
	var wg sync.WaitGroup
	for _, h := range hs {
		wg.Add(1)
		_ = r.Detach(h, wg.Done)
	}
	wg.Wait()
}

// ClearAll detaches every handle except those in except and appends the
// detached handles to out, for operational teardown hooks that need to
// know what was cleared.
func (r *Registry) ClearAll(except map[handle.Handle]struct{}, out *[]handle.Handle) {
	r.mu.RLock()
	hs := make([]handle.Handle, 0, len(r.entries))
	for h := range r.entries {
		if _, skip := except[h]; !skip {
			hs = append(hs, h)
		}
	}
	r.mu.RUnlock()
	for _, h := range hs {
		if r.Detach(h, nil) == nil {
			*out = append(*out, h)
		}
	}
}

// Len reports the number of currently attached entries; used by the
// scheduler's static load-balancing "minimum sessions per thread" choice.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
