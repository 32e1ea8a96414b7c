package socket

import (
	"sync"

	"github.com/flowmesh/netcore/endpoint"
	"github.com/flowmesh/netcore/handle"
	"github.com/flowmesh/netcore/ioerr"
	"github.com/flowmesh/netcore/strand"
)

// ListenerSocket is a bound, listening descriptor that greedily drains
// pending connections off the accept queue on every readable event and
// hands each one to onAccept as a raw handle, ready to be wrapped into a
// StreamSocket via Adopt.
type ListenerSocket struct {
	reactor *Reactor
	strand  *strand.Strand

	mu       sync.Mutex
	h        handle.Handle
	state    State
	onAccept func(handle.Handle, endpoint.Endpoint)
	onError  func(error)
}

// NewListener creates an unbound ListenerSocket on reactor.
func NewListener(reactor *Reactor) *ListenerSocket {
	return &ListenerSocket{reactor: reactor, strand: strand.New(), h: handle.Invalid}
}

// Listen opens, binds, and listens on e, then begins dispatching accepted
// connections to onAccept via the listener's strand.
func (l *ListenerSocket) Listen(e endpoint.Endpoint, backlog int, onAccept func(handle.Handle, endpoint.Endpoint), onError func(error)) error {
	l.mu.Lock()
	if l.state != StateUnconnected {
		l.mu.Unlock()
		return ioerr.New(ioerr.Invalid, "listener.listen", nil)
	}
	h, err := openStreamSocket(e)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if serr := setReuseAddr(h); serr != nil {
		l.mu.Unlock()
		closeSocket(h)
		return serr
	}
	if berr := bindSocket(h, e); berr != nil {
		l.mu.Unlock()
		closeSocket(h)
		return berr
	}
	if backlog <= 0 {
		backlog = 128
	}
	if lerr := listenSocket(h, backlog); lerr != nil {
		l.mu.Unlock()
		closeSocket(h)
		return lerr
	}
	l.h = h
	l.state = StateConnected
	l.onAccept = onAccept
	l.onError = onError
	l.mu.Unlock()

	_, aerr := l.reactor.Attach(h)
	if aerr != nil {
		closeSocket(h)
		return aerr
	}
	l.reactor.ShowReadable(h, func() { l.strand.Post(l.handleAcceptable) })
	l.reactor.ShowError(h, func(e error) { l.strand.Post(func() { l.handleListenError(e) }) })
	return nil
}

// SourceEndpoint reports the bound local endpoint, resolving the concrete
// port when Listen was given an anonymous (zero) one.
func (l *ListenerSocket) SourceEndpoint() endpoint.Endpoint {
	l.mu.Lock()
	h := l.h
	l.mu.Unlock()
	ep, _ := localEndpoint(h)
	return ep
}

func (l *ListenerSocket) handleAcceptable() {
	l.mu.Lock()
	h := l.h
	onAccept := l.onAccept
	l.mu.Unlock()

	for {
		nh, peer, err := acceptSocket(h)
		if err != nil {
			if ioerr.CodeOf(err) == ioerr.WouldBlock {
				return
			}
			l.handleListenError(err)
			return
		}
		if onAccept != nil {
			onAccept(nh, peer)
		}
	}
}

func (l *ListenerSocket) handleListenError(err error) {
	if l.onError != nil {
		l.onError(err)
	}
}

// Close stops accepting and releases the listening descriptor.
func (l *ListenerSocket) Close() error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = StateClosed
	h := l.h
	l.mu.Unlock()
	return l.reactor.Detach(h, func() { closeSocket(h) })
}
