package socket

import (
	"sync"
	"time"

	"github.com/flowmesh/netcore/bufpool"
	"github.com/flowmesh/netcore/endpoint"
	"github.com/flowmesh/netcore/handle"
	"github.com/flowmesh/netcore/handshake"
	"github.com/flowmesh/netcore/internal/interest"
	"github.com/flowmesh/netcore/internal/logctx"
	"github.com/flowmesh/netcore/internal/zerocopy"
	"github.com/flowmesh/netcore/ioerr"
	"github.com/flowmesh/netcore/strand"
	"github.com/flowmesh/netcore/timerwheel"
)

// State is the StreamSocket session lifecycle. StateShutDown is reached
// once both directions are down; StateClosed once the handle itself has
// been detached and closed.
type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
	StateShuttingDownSend
	StateShuttingDownReceive
	StateShutDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateShuttingDownSend:
		return "shutting-down-send"
	case StateShuttingDownReceive:
		return "shutting-down-receive"
	case StateShutDown:
		return "shut-down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Direction selects which half of a stream socket's duplex channel an
// operation acts on.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
	DirectionBoth
)

func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "send"
	case DirectionReceive:
		return "receive"
	case DirectionBoth:
		return "both"
	default:
		return "unknown"
	}
}

// writeEntry is one queued send awaiting transmission.
type writeEntry struct {
	data       []byte
	off        int
	onComplete func(n int, err error)
	completed  bool
	zcGroup    *zerocopy.Group
	// followUp runs once this entry is fully written to the OS, used to
	// complete the server side of a handshake upgrade once its accept
	// record has actually hit the wire.
	followUp func()
}

// StreamSocket is the connection-oriented session state machine: connect,
// read queue, write queue, optional encryption upgrade/downgrade, shutdown,
// and close. It is driven directly off the raw non-blocking socket rather
// than net.Conn so the reactor can multiplex many sessions per thread.
//
// Every user-visible callback is invoked through the socket's own Strand,
// which is what gives callers the per-socket total-ordering guarantee:
// events for one socket are never delivered concurrently or out of order,
// even though the reactor itself may run on multiple goroutines.
type StreamSocket struct {
	reactor *Reactor
	pool    *bufpool.Pool
	opts    StreamOptions
	strand  *strand.Strand

	mu    sync.Mutex
	h     handle.Handle
	entry *interest.Entry
	// lifecycle tracks unconnected/connecting/connected/closed; half-shutdown
	// progress is tracked separately by sendDown/recvDown/sendDraining so
	// both directions can be in flight independently.
	lifecycle    State
	sendDown     bool // local send direction fully shut down (SHUT_WR issued, announced)
	recvDown     bool // local receive direction fully shut down (reads stopped, announced)
	sendDraining bool // Shutdown(send) requested; waiting for the write queue to drain first
	closing      bool // finishClose has been invoked (guards against a double detach)
	peer         endpoint.Endpoint

	connectTimer *timerwheel.Timer

	readQ      *bufpool.Blob
	readPaused bool // above high watermark or recvDown; reading is suppressed
	cipherQ    *bufpool.Blob
	hs         *handshake.Machine

	writeQ         []*writeEntry
	writeQueued    int // bytes still queued (including the in-flight head's unsent tail)
	writeAboveHigh bool
	zc             *zerocopy.Queue
	zcEnabled      bool

	onConnect            func(error)
	onReadable           func()
	onError              func(error)
	onReadLowWatermark   func()
	onReadHighWatermark  func()
	onWriteLowWatermark  func()
	onWriteHighWatermark func()
	onShutdownSend       func()
	onShutdownReceive    func()
	onShutdownComplete   func()
}

// State reports the session's current lifecycle state, folding the
// independent send/receive shutdown progress into one composite value.
// Computed rather than stored: a caller blocked mid-drain on
// Shutdown(DirectionSend) still reads StateShuttingDownSend until the
// write queue empties and SHUT_WR is actually issued.
func (s *StreamSocket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *StreamSocket) stateLocked() State {
	if s.lifecycle == StateClosed {
		return StateClosed
	}
	if s.lifecycle != StateConnected {
		return s.lifecycle
	}
	sendShutting := s.sendDown || s.sendDraining
	switch {
	case sendShutting && s.recvDown:
		return StateShutDown
	case sendShutting:
		return StateShuttingDownSend
	case s.recvDown:
		return StateShuttingDownReceive
	default:
		return s.lifecycle
	}
}

// NewStream creates a StreamSocket bound to reactor, drawing buffers from
// pool and configured by opts.
func NewStream(reactor *Reactor, pool *bufpool.Pool, opts StreamOptions) *StreamSocket {
	s := &StreamSocket{
		reactor: reactor,
		pool:    pool,
		opts:    opts,
		strand:  strand.New(),
		h:       handle.Invalid,
		readQ:   pool.CreateIncomingBlob(),
	}
	s.zc = zerocopy.NewQueue(func(err error) {
		scope := logctx.Enter(logctx.Fields{Owner: "stream", Descriptor: int(s.h)})
		scope.Logger().Error().Err(err).Msg("zero-copy completion outside any pending operation")
		scope.Exit()
	})
	return s
}

// OnError, OnReadable, OnReadLowWatermark, OnReadHighWatermark,
// OnWriteLowWatermark, OnWriteHighWatermark register the session's
// event callbacks. All run on the socket's strand.
func (s *StreamSocket) OnError(fn func(error))         { s.onError = fn }
func (s *StreamSocket) OnReadable(fn func())           { s.onReadable = fn }
func (s *StreamSocket) OnReadLowWatermark(fn func())   { s.onReadLowWatermark = fn }
func (s *StreamSocket) OnReadHighWatermark(fn func())  { s.onReadHighWatermark = fn }
func (s *StreamSocket) OnWriteLowWatermark(fn func())  { s.onWriteLowWatermark = fn }
func (s *StreamSocket) OnWriteHighWatermark(fn func()) { s.onWriteHighWatermark = fn }
func (s *StreamSocket) OnShutdownSend(fn func())       { s.onShutdownSend = fn }
func (s *StreamSocket) OnShutdownReceive(fn func())    { s.onShutdownReceive = fn }
func (s *StreamSocket) OnShutdownComplete(fn func())   { s.onShutdownComplete = fn }

func (s *StreamSocket) Handle() handle.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

// RemoteEndpoint reports the peer endpoint once connected or adopted.
func (s *StreamSocket) RemoteEndpoint() endpoint.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// SourceEndpoint reports the locally bound endpoint.
func (s *StreamSocket) SourceEndpoint() endpoint.Endpoint {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	ep, _ := localEndpoint(h)
	return ep
}

// Connect opens a non-blocking socket to e and drives it through the
// connect sequence, invoking onConnect exactly once on the strand with the
// outcome. If opts.ConnectTimeout elapses first, onConnect receives
// ioerr.Timeout and the socket is closed.
func (s *StreamSocket) Connect(e endpoint.Endpoint, onConnect func(error)) error {
	s.mu.Lock()
	if s.lifecycle != StateUnconnected {
		s.mu.Unlock()
		return ioerr.New(ioerr.Invalid, "stream.connect", nil)
	}
	h, err := openStreamSocket(e)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.h = h
	s.peer = e
	s.lifecycle = StateConnecting
	s.onConnect = onConnect
	s.mu.Unlock()

	entry, aerr := s.reactor.Attach(h)
	if aerr != nil {
		s.mu.Lock()
		s.lifecycle = StateClosed
		s.mu.Unlock()
		closeSocket(h)
		return aerr
	}
	s.mu.Lock()
	s.entry = entry
	s.mu.Unlock()

	// The driver consumes SO_ERROR when it reports an error event, so a failed
	// connect arrives here rather than as a writable event; armConnected
	// replaces this callback once the connect succeeds.
	s.reactor.ShowError(h, func(e error) {
		s.strand.Post(func() { s.finishConnect(e) })
	})

	cerr := connectSocket(h, e)
	if cerr == nil {
		s.strand.Post(func() { s.finishConnect(nil) })
		return nil
	}
	if ioerr.CodeOf(cerr) != ioerr.WouldBlock {
		s.strand.Post(func() { s.finishConnect(cerr) })
		return nil
	}

	s.reactor.ShowWritable(h, func() {
		s.strand.Post(s.handleConnectWritable)
	})
	if s.opts.ConnectTimeout > 0 {
		s.mu.Lock()
		s.connectTimer = s.reactor.Timers.Schedule(time.Now().Add(s.opts.ConnectTimeout), 0, timerwheel.WantDeadline, func(timerwheel.Event) {
			s.strand.Post(func() { s.finishConnect(ioerr.New(ioerr.Timeout, "stream.connect", nil)) })
		})
		s.mu.Unlock()
	}
	return nil
}

// Adopt binds an already-connected descriptor (typically produced by a
// listener's accept) to this session and begins read dispatch. The session
// must be freshly created.
func (s *StreamSocket) Adopt(h handle.Handle, peer endpoint.Endpoint) error {
	s.mu.Lock()
	if s.lifecycle != StateUnconnected {
		s.mu.Unlock()
		return ioerr.New(ioerr.Invalid, "stream.adopt", nil)
	}
	s.h = h
	s.peer = peer
	s.lifecycle = StateConnected
	s.mu.Unlock()

	entry, err := s.reactor.Attach(h)
	if err != nil {
		s.mu.Lock()
		s.lifecycle = StateClosed
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.entry = entry
	s.mu.Unlock()
	s.armConnected(h)
	return nil
}

func (s *StreamSocket) handleConnectWritable() {
	s.mu.Lock()
	if s.lifecycle != StateConnecting {
		s.mu.Unlock()
		return
	}
	h := s.h
	s.mu.Unlock()
	s.finishConnect(socketError(h))
}

func (s *StreamSocket) finishConnect(err error) {
	s.mu.Lock()
	if s.lifecycle != StateConnecting {
		s.mu.Unlock()
		return
	}
	if s.connectTimer != nil {
		s.connectTimer.Cancel()
		s.connectTimer = nil
	}
	h := s.h
	if err != nil {
		s.lifecycle = StateClosed
		s.mu.Unlock()
		s.reactor.Detach(h, func() { closeSocket(h) })
		if s.onConnect != nil {
			s.onConnect(err)
		}
		return
	}
	s.lifecycle = StateConnected
	s.mu.Unlock()

	s.reactor.HideWritable(h)
	s.armConnected(h)
	if s.onConnect != nil {
		s.onConnect(nil)
	}
}

// armConnected applies per-connection options and registers the steady-state
// readable/error (and, when zero-copy is on, notifications) interest.
func (s *StreamSocket) armConnected(h handle.Handle) {
	if s.opts.NoDelay {
		setNoDelay(h, true)
	}
	if s.opts.Write.ZeroCopyEnabled && zeroCopyAvailable {
		if err := enableZeroCopy(h); err == nil {
			s.mu.Lock()
			s.zcEnabled = true
			s.mu.Unlock()
			s.reactor.ShowNotifications(h, func() { s.strand.Post(s.handleNotifications) })
		}
	}
	s.reactor.ShowReadable(h, func() { s.strand.Post(s.handleReadable) })
	s.reactor.ShowError(h, func(e error) { s.strand.Post(func() { s.handleError(e) }) })
	s.mu.Lock()
	queued := len(s.writeQ) > 0
	s.mu.Unlock()
	if queued {
		s.strand.Post(s.flushWrites)
	}
}

// Upgrade begins an encryption handshake ahead of the read/write queues.
// role selects which side drives the opening exchange.
// Calling it before Connect/Adopt is allowed: the accepting side arms its
// state machine ahead of time so the peer's hello can never race past it
// as plaintext.
func (s *StreamSocket) Upgrade(role handshake.Role, onStateChange func(handshake.State)) error {
	s.mu.Lock()
	if s.hs != nil || (s.lifecycle != StateConnected && s.lifecycle != StateUnconnected) {
		s.mu.Unlock()
		return ioerr.New(ioerr.Invalid, "stream.upgrade", nil)
	}
	s.hs = handshake.New(role, onStateChange)
	s.cipherQ = s.pool.CreateIncomingBlob()
	hs := s.hs
	s.mu.Unlock()

	hello, err := hs.StartUpgrade()
	if err != nil {
		return err
	}
	if hello != nil {
		s.enqueueRaw(handshake.Encode(*hello), nil, nil)
	}
	return nil
}

// Downgrade issues the protocol goodbye that reverts an upgraded session to
// plaintext once acknowledged.
func (s *StreamSocket) Downgrade() error {
	s.mu.Lock()
	hs := s.hs
	s.mu.Unlock()
	if hs == nil {
		return ioerr.New(ioerr.Invalid, "stream.downgrade", nil)
	}
	bye := hs.StartDowngrade()
	s.enqueueRaw(handshake.Encode(bye), nil, nil)
	return nil
}

func (s *StreamSocket) handleReadable() {
	s.mu.Lock()
	if s.lifecycle != StateConnected || s.recvDown || s.readPaused {
		s.mu.Unlock()
		return
	}
	h := s.h
	greedy := s.opts.Read.Greedy
	// each transfer reads at most MaxTransferSize and never into a window
	// smaller than MinTransferSize
	maxTransfer := s.opts.Read.MaxTransferSize
	if maxTransfer <= 0 {
		maxTransfer = 32 << 10
	}
	if min := s.opts.Read.MinTransferSize; maxTransfer < min {
		maxTransfer = min
	}
	s.mu.Unlock()

	for {
		raw, capacity := s.pool.Allocate(maxTransfer)
		window := raw[:capacity]
		if capacity > maxTransfer {
			window = raw[:maxTransfer]
		}
		n, err := readSocket(h, window)
		if n > 0 {
			s.ingest(window[:n], capacity)
		} else {
			s.pool.ReleaseBuffer(raw)
		}
		if err != nil {
			code := ioerr.CodeOf(err)
			if code == ioerr.WouldBlock {
				return
			}
			if code == ioerr.EOF {
				s.handlePeerClosed()
				return
			}
			s.handleError(err)
			return
		}
		s.mu.Lock()
		paused := s.readPaused || s.recvDown
		s.mu.Unlock()
		if !greedy || paused {
			return
		}
	}
}

// ingest takes ownership of a pool-drawn transfer buffer holding freshly
// read bytes. Plaintext is adopted into the read queue without copying;
// with a handshake active the bytes are copied into the cipher queue for
// record reassembly and the transfer buffer goes back to the pool. Applies
// back-pressure watermarks after appending.
func (s *StreamSocket) ingest(buf []byte, capacity int) {
	s.mu.Lock()
	hs := s.hs
	s.mu.Unlock()

	if hs == nil {
		s.mu.Lock()
		s.readQ.AppendOwned(buf, capacity)
		n := s.readQ.Len()
		s.mu.Unlock()
		s.applyReadWatermarks(n)
		return
	}

	s.mu.Lock()
	s.cipherQ.Append(buf)
	s.mu.Unlock()
	s.pool.ReleaseBuffer(buf)
	s.drainCipherQueue()
}

func (s *StreamSocket) drainCipherQueue() {
	for {
		s.mu.Lock()
		hs := s.hs
		if hs == nil {
			s.mu.Unlock()
			return
		}
		n := s.cipherQ.Len()
		if n == 0 {
			s.mu.Unlock()
			return
		}
		buf, _ := s.cipherQ.Peek(n)
		s.mu.Unlock()

		data, consumed, err := hs.UnwrapIncoming(buf)
		for _, payload := range data {
			s.mu.Lock()
			s.readQ.Append(payload)
			rn := s.readQ.Len()
			s.mu.Unlock()
			s.applyReadWatermarks(rn)
		}
		if consumed > 0 {
			s.mu.Lock()
			s.cipherQ.Skip(consumed)
			s.mu.Unlock()
		}
		if rec, ok := handshake.PendingWrite(err); ok {
			followUp := func() {}
			if rec.Type == handshake.RecordAccept {
				followUp = func() { hs.ServerAcceptEstablished() }
			}
			s.enqueueRaw(handshake.Encode(rec), nil, followUp)
			if hs.Downgraded() {
				s.removeHandshake()
			}
			if consumed == 0 {
				return
			}
			continue
		}
		if err != nil {
			s.handleError(err)
			return
		}
		if hs.Downgraded() {
			s.removeHandshake()
			return
		}
		if consumed == 0 {
			return
		}
	}
}

// removeHandshake tears the established-then-downgraded state machine out of
// the data path, restoring plaintext mode; bytes still sitting in the cipher
// queue arrived after the goodbye exchange and are therefore plaintext.
func (s *StreamSocket) removeHandshake() {
	s.mu.Lock()
	s.hs = nil
	var leftover []byte
	if s.cipherQ != nil {
		if n := s.cipherQ.Len(); n > 0 {
			leftover, _ = s.cipherQ.Next(n)
		}
		s.cipherQ.Release()
		s.cipherQ = nil
	}
	rn := 0
	if len(leftover) > 0 {
		s.readQ.Append(leftover)
		rn = s.readQ.Len()
	}
	s.mu.Unlock()
	if rn > 0 {
		s.applyReadWatermarks(rn)
	}
}

func (s *StreamSocket) applyReadWatermarks(size int) {
	wm := s.opts.Read.Watermarks
	s.mu.Lock()
	nowPaused := false
	if wm.High > 0 && size > wm.High && !s.readPaused {
		s.readPaused = true
		nowPaused = true
	}
	h := s.h
	s.mu.Unlock()
	if nowPaused {
		s.reactor.HideReadable(h)
	}
	if wm.Low > 0 && size >= wm.Low && s.onReadLowWatermark != nil {
		s.onReadLowWatermark()
	}
	if s.onReadable != nil {
		s.onReadable()
	}
	if nowPaused && s.onReadHighWatermark != nil {
		s.onReadHighWatermark()
	}
}

// Receive pulls up to n bytes out of the read queue, resuming OS-level
// reads if draining the queue has brought it back to at most the high
// watermark.
func (s *StreamSocket) Receive(n int) ([]byte, error) {
	s.mu.Lock()
	avail := s.readQ.Len()
	if n > avail {
		n = avail
	}
	if n == 0 {
		recvDown := s.recvDown
		s.mu.Unlock()
		if recvDown {
			return nil, ioerr.New(ioerr.EOF, "stream.receive", nil)
		}
		return nil, ioerr.New(ioerr.WouldBlock, "stream.receive", nil)
	}
	out, err := s.readQ.Next(n)
	remaining := s.readQ.Len()
	resumed := false
	if s.readPaused && !s.recvDown && remaining <= s.opts.Read.Watermarks.High {
		s.readPaused = false
		resumed = true
	}
	h := s.h
	connected := s.lifecycle == StateConnected
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if resumed && connected {
		s.reactor.ShowReadable(h, func() { s.strand.Post(s.handleReadable) })
	}
	return out, nil
}

// Buffered reports the number of bytes sitting in the read queue.
func (s *StreamSocket) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readQ.Len()
}

// Send enqueues data for transmission, invoking onComplete on the strand
// once it has been fully handed to the OS (or failed). Sends at or above
// opts.Write.ZeroCopyThreshold are submitted with kernel zero-copy when
// enabled; their onComplete is withheld until the kernel confirms the
// completion on the error queue.
func (s *StreamSocket) Send(data []byte, onComplete func(n int, err error)) error {
	s.mu.Lock()
	if s.lifecycle != StateConnected || s.closing || s.sendDown || s.sendDraining {
		s.mu.Unlock()
		err := ioerr.New(ioerr.NotConnected, "stream.send", nil)
		if onComplete != nil {
			s.strand.Post(func() { onComplete(0, err) })
		}
		return err
	}
	if len(data) == 0 {
		s.mu.Unlock()
		if onComplete != nil {
			s.strand.Post(func() { onComplete(0, nil) })
		}
		return nil
	}
	wm := s.opts.Write.Watermarks
	if wm.High > 0 && s.writeQueued+len(data) > wm.High && s.opts.Write.RejectOverHighWatermark {
		s.mu.Unlock()
		return ioerr.New(ioerr.LimitExceeded, "stream.send", nil)
	}
	hs := s.hs
	s.mu.Unlock()

	payload := data
	if hs != nil {
		wrapped, err := hs.WrapOutgoing(data)
		if err != nil {
			if onComplete != nil {
				s.strand.Post(func() { onComplete(0, err) })
			}
			return err
		}
		payload = wrapped
	}
	s.enqueueRaw(payload, onComplete, nil)
	return nil
}

func (s *StreamSocket) enqueueRaw(data []byte, onComplete func(int, error), followUp func()) {
	entry := &writeEntry{data: data, onComplete: onComplete, followUp: followUp}
	s.mu.Lock()
	zc := s.zcEnabled && s.opts.Write.ZeroCopyThreshold > 0 && len(data) >= s.opts.Write.ZeroCopyThreshold
	if zc {
		size := len(data)
		entry.zcGroup = s.zc.SubmitOpen(func() {
			s.strand.Post(func() { s.completeEntry(entry, size, nil) })
		})
	}
	wasEmpty := len(s.writeQ) == 0
	s.writeQ = append(s.writeQ, entry)
	s.writeQueued += len(data)
	aboveHigh := s.opts.Write.Watermarks.High > 0 && s.writeQueued > s.opts.Write.Watermarks.High
	wasAboveHigh := s.writeAboveHigh
	if aboveHigh {
		s.writeAboveHigh = true
	}
	h := s.h
	connected := s.lifecycle == StateConnected
	s.mu.Unlock()

	if !wasAboveHigh && aboveHigh && s.onWriteHighWatermark != nil {
		s.strand.Post(s.onWriteHighWatermark)
	}
	if !connected {
		return
	}
	if wasEmpty {
		s.strand.Post(s.flushWrites)
	} else {
		s.reactor.ShowWritable(h, func() { s.strand.Post(s.flushWrites) })
	}
}

func (s *StreamSocket) flushWrites() {
	s.mu.Lock()
	h := s.h
	greedy := s.opts.Write.Greedy
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.closing || s.lifecycle != StateConnected {
			s.mu.Unlock()
			return
		}
		if len(s.writeQ) == 0 {
			drain := s.sendDraining
			s.mu.Unlock()
			if drain {
				s.completeSendShutdown()
			}
			return
		}
		entry := s.writeQ[0]
		s.mu.Unlock()

		var n int
		var err error
		if entry.zcGroup != nil {
			n, err = sendZeroCopySocket(h, entry.data[entry.off:])
			if n > 0 {
				s.mu.Lock()
				s.zc.Grow(entry.zcGroup)
				s.mu.Unlock()
			}
		} else {
			n, err = writeSocket(h, entry.data[entry.off:])
		}
		if n > 0 {
			entry.off += n
			s.mu.Lock()
			s.writeQueued -= n
			s.mu.Unlock()
		}
		if err != nil {
			if ioerr.CodeOf(err) == ioerr.WouldBlock {
				s.reactor.ShowWritable(h, func() { s.strand.Post(s.flushWrites) })
				return
			}
			s.popWriteEntry(entry, err)
			s.handleError(err)
			return
		}
		if entry.off >= len(entry.data) {
			empty := s.popWriteEntry(entry, nil)
			if greedy || empty {
				// an empty queue costs no further OS call: the next pass
				// only runs the drain bookkeeping, so non-greedy mode still
				// makes at most one send per event.
				continue
			}
			s.reactor.ShowWritable(h, func() { s.strand.Post(s.flushWrites) })
			return
		}
		if !greedy {
			s.reactor.ShowWritable(h, func() { s.strand.Post(s.flushWrites) })
			return
		}
	}
}

// popWriteEntry retires the head entry, firing its completion (unless it
// awaits a zero-copy confirmation), the write-queue low-watermark event,
// and hiding writable interest once the queue empties. Reports whether the
// queue is now empty.
func (s *StreamSocket) popWriteEntry(entry *writeEntry, err error) bool {
	s.mu.Lock()
	if len(s.writeQ) > 0 && s.writeQ[0] == entry {
		s.writeQ = s.writeQ[1:]
	}
	if entry.zcGroup != nil && err == nil {
		s.zc.Seal(entry.zcGroup)
	}
	wm := s.opts.Write.Watermarks
	wasAboveHigh := s.writeAboveHigh
	if wasAboveHigh && s.writeQueued <= wm.Low {
		s.writeAboveHigh = false
	}
	belowLow := wasAboveHigh && !s.writeAboveHigh
	empty := len(s.writeQ) == 0
	h := s.h
	s.mu.Unlock()

	if entry.zcGroup == nil || err != nil {
		s.completeEntry(entry, entry.off, err)
	}
	if entry.followUp != nil {
		entry.followUp()
	}
	if belowLow && s.onWriteLowWatermark != nil {
		s.onWriteLowWatermark()
	}
	if empty {
		s.reactor.HideWritable(h)
	}
	return empty
}

// completeEntry delivers exactly one of success/error/cancelled to the
// entry's callback.
func (s *StreamSocket) completeEntry(entry *writeEntry, n int, err error) {
	s.mu.Lock()
	if entry.completed {
		s.mu.Unlock()
		return
	}
	entry.completed = true
	s.mu.Unlock()
	if entry.onComplete != nil {
		entry.onComplete(n, err)
	}
}

// handleNotifications drains MSG_ERRQUEUE zero-copy completions for this
// socket; the reactor's Notifications dispatch lands here. On non-Linux
// platforms no notifications are ever produced, so zero-copy sends
// complete as ordinary writes.
func (s *StreamSocket) handleNotifications() {
	s.mu.Lock()
	if s.closing || s.lifecycle != StateConnected {
		s.mu.Unlock()
		return
	}
	h := s.h
	s.mu.Unlock()
	completions, err := receiveNotifications(h)
	if err != nil {
		return
	}
	s.mu.Lock()
	for _, c := range completions {
		s.zc.Complete(c.From, c.Thru)
	}
	s.mu.Unlock()
}

func (s *StreamSocket) handlePeerClosed() {
	s.mu.Lock()
	keepHalf := s.opts.KeepHalfOpen
	s.mu.Unlock()
	s.completeReceiveShutdown()
	if !keepHalf {
		s.Shutdown(DirectionSend)
	}
}

func (s *StreamSocket) handleError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
	s.Close()
}

// Shutdown begins an orderly shutdown of the given direction(s). Send: the
// write queue drains, then OS shutdown-send is issued and shutdown-send
// announced. Receive: delivery of read bytes ceases and shutdown-receive
// is announced. Once both directions are down the session detaches and
// closes; shutting down an already-shut direction is a no-op.
func (s *StreamSocket) Shutdown(dir Direction) error {
	s.mu.Lock()
	if s.lifecycle == StateClosed || s.closing {
		s.mu.Unlock()
		return nil
	}
	if s.lifecycle != StateConnected {
		s.mu.Unlock()
		return ioerr.New(ioerr.NotConnected, "stream.shutdown", nil)
	}
	wantSend := dir == DirectionSend || dir == DirectionBoth
	wantRecv := dir == DirectionReceive || dir == DirectionBoth
	sendNow := false
	if wantSend && !s.sendDown && !s.sendDraining {
		if len(s.writeQ) > 0 {
			s.sendDraining = true
		} else {
			sendNow = true
		}
	}
	recvNow := wantRecv && !s.recvDown
	s.mu.Unlock()

	if sendNow {
		s.strand.Post(s.completeSendShutdown)
	}
	if recvNow {
		s.strand.Post(s.completeReceiveShutdown)
	}
	return nil
}

func (s *StreamSocket) completeSendShutdown() {
	s.mu.Lock()
	if s.sendDown || s.closing || s.lifecycle != StateConnected {
		s.mu.Unlock()
		return
	}
	s.sendDown = true
	s.sendDraining = false
	h := s.h
	both := s.recvDown
	s.mu.Unlock()

	shutdownSocket(h, shutSend)
	if s.onShutdownSend != nil {
		s.onShutdownSend()
	}
	if both {
		s.finishClose()
	}
}

func (s *StreamSocket) completeReceiveShutdown() {
	s.mu.Lock()
	if s.recvDown || s.closing || s.lifecycle != StateConnected {
		s.mu.Unlock()
		return
	}
	s.recvDown = true
	s.readPaused = true
	h := s.h
	both := s.sendDown
	s.mu.Unlock()

	s.reactor.HideReadable(h)
	if s.onShutdownReceive != nil {
		s.onShutdownReceive()
	}
	if both {
		s.finishClose()
	}
}

// finishClose runs once both directions are down (or Close forces them):
// pending sends complete with cancelled, the handle is detached from the
// driver, and once the registry's process counter drains, the descriptor
// is released and shutdown-complete announced.
func (s *StreamSocket) finishClose() {
	s.mu.Lock()
	if s.closing || s.lifecycle != StateConnected {
		s.mu.Unlock()
		return
	}
	s.closing = true
	h := s.h
	aborted := s.writeQ
	s.writeQ = nil
	s.writeQueued = 0
	s.mu.Unlock()

	abortErr := ioerr.New(ioerr.Cancelled, "stream.send", nil)
	for _, e := range aborted {
		e := e
		s.strand.Post(func() { s.completeEntry(e, e.off, abortErr) })
	}
	s.reactor.Detach(h, func() {
		closeSocket(h)
		s.mu.Lock()
		s.lifecycle = StateClosed
		s.readQ.Release()
		if s.cipherQ != nil {
			s.cipherQ.Release()
			s.cipherQ = nil
		}
		s.mu.Unlock()
		if s.onShutdownComplete != nil {
			s.strand.Post(s.onShutdownComplete)
		}
	})
}

// Close tears the session down immediately: a pending connect is cancelled,
// queued sends complete with cancelled, both directions shut down, and the
// handle is detached and released.
func (s *StreamSocket) Close() error {
	s.mu.Lock()
	switch {
	case s.lifecycle == StateClosed || s.closing:
		s.mu.Unlock()
		return nil
	case s.lifecycle == StateUnconnected:
		s.lifecycle = StateClosed
		s.readQ.Release()
		s.mu.Unlock()
		return nil
	case s.lifecycle == StateConnecting:
		s.mu.Unlock()
		s.strand.Post(func() { s.finishConnect(ioerr.New(ioerr.Cancelled, "stream.connect", nil)) })
		return nil
	}
	s.sendDown = true
	s.sendDraining = false
	s.recvDown = true
	s.readPaused = true
	h := s.h
	s.mu.Unlock()

	shutdownSocket(h, shutBoth)
	s.finishClose()
	return nil
}
