package socket

import (
	"sync"

	"github.com/flowmesh/netcore/endpoint"
	"github.com/flowmesh/netcore/handle"
	"github.com/flowmesh/netcore/ioerr"
	"github.com/flowmesh/netcore/strand"
)

// DatagramSocket is the connectionless send-to/receive-from session.
// Unlike StreamSocket there is no connect sequence or read/write queue
// accumulation — each datagram is delivered whole or not at all.
type DatagramSocket struct {
	reactor *Reactor
	strand  *strand.Strand

	mu    sync.Mutex
	h     handle.Handle
	state State

	maxDatagram int
	onReceive   func(endpoint.Endpoint, []byte)
	onError     func(error)
}

// NewDatagram creates an unbound DatagramSocket on reactor.
func NewDatagram(reactor *Reactor) *DatagramSocket {
	return &DatagramSocket{reactor: reactor, strand: strand.New(), h: handle.Invalid, maxDatagram: 64 << 10}
}

// Bind opens and binds the datagram socket to e (a port of 0 selects an
// ephemeral port, which SourceEndpoint then reports), then begins
// delivering inbound datagrams to onReceive.
func (d *DatagramSocket) Bind(e endpoint.Endpoint, onReceive func(endpoint.Endpoint, []byte), onError func(error)) error {
	d.mu.Lock()
	if d.state != StateUnconnected {
		d.mu.Unlock()
		return ioerr.New(ioerr.Invalid, "datagram.bind", nil)
	}
	h, err := openDatagramSocket(e)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if berr := bindSocket(h, e); berr != nil {
		d.mu.Unlock()
		closeSocket(h)
		return berr
	}
	d.h = h
	d.state = StateConnected
	d.onReceive = onReceive
	d.onError = onError
	d.mu.Unlock()

	_, aerr := d.reactor.Attach(h)
	if aerr != nil {
		closeSocket(h)
		return aerr
	}
	d.reactor.ShowReadable(h, func() { d.strand.Post(d.handleReadable) })
	d.reactor.ShowError(h, func(e error) { d.strand.Post(func() { d.handleError(e) }) })
	return nil
}

// SourceEndpoint reports the bound local endpoint, resolving the concrete
// port when Bind was given an anonymous (zero) one.
func (d *DatagramSocket) SourceEndpoint() endpoint.Endpoint {
	d.mu.Lock()
	h := d.h
	d.mu.Unlock()
	ep, _ := localEndpoint(h)
	return ep
}

func (d *DatagramSocket) handleReadable() {
	d.mu.Lock()
	h := d.h
	size := d.maxDatagram
	d.mu.Unlock()

	for {
		buf := make([]byte, size)
		n, from, err := readFromSocket(h, buf)
		if err != nil {
			if ioerr.CodeOf(err) == ioerr.WouldBlock {
				return
			}
			d.handleError(err)
			return
		}
		if d.onReceive != nil {
			d.onReceive(from, buf[:n])
		}
	}
}

func (d *DatagramSocket) handleError(err error) {
	if d.onError != nil {
		d.onError(err)
	}
}

// SendTo transmits data to peer. Datagram sends are fire-and-forget at this
// layer (no write queue): a WouldBlock result is returned to the caller
// directly rather than queued, matching UDP's no-backpressure delivery
// model.
func (d *DatagramSocket) SendTo(peer endpoint.Endpoint, data []byte) (int, error) {
	d.mu.Lock()
	h := d.h
	st := d.state
	d.mu.Unlock()
	if st != StateConnected {
		return 0, ioerr.New(ioerr.NotConnected, "datagram.send_to", nil)
	}
	return writeToSocket(h, data, peer)
}

// Close releases the datagram socket's descriptor.
func (d *DatagramSocket) Close() error {
	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		return nil
	}
	d.state = StateClosed
	h := d.h
	d.mu.Unlock()
	return d.reactor.Detach(h, func() { closeSocket(h) })
}
