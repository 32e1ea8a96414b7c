package handshake

import (
	"sync"

	"github.com/flowmesh/netcore/ioerr"
)

// State is the handshake's own state machine, distinct from but driven
// alongside the socket session's connected/upgrading/encrypted states.
type State int

const (
	StateDefault State = iota
	StateHelloSent
	StateHelloReceived
	StateAcceptSent
	StateAcceptReceived
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDefault:
		return "default"
	case StateHelloSent:
		return "hello-sent"
	case StateHelloReceived:
		return "hello-received"
	case StateAcceptSent:
		return "accept-sent"
	case StateAcceptReceived:
		return "accept-received"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Role selects which side of the handshake a Machine drives: the client
// moves hello-sent -> accept-received -> established, the server moves
// hello-received -> accept-sent -> established.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Machine orchestrates the upgrade/downgrade handshake ahead of the
// read/write queues: upgrade interposes ciphertext-in/plaintext-out on the
// read side and plaintext-in/ciphertext-out on the write side. Machine's
// "encrypt"/"decrypt" is the test wire protocol's record framing; a real
// TLS/DTLS backend fills in the same interface with actual cipher math.
type Machine struct {
	mu   sync.Mutex
	role Role
	st   State
	seq  uint32

	downgrading    bool // StartDowngrade issued; next goodbye is the ack
	wasEstablished bool

	onStateChange func(State)
}

// New creates a Machine for the given role. onStateChange, if non-nil, is
// invoked (on the caller's strand — Machine itself does no threading) on
// every state transition, including the transition into StateFailed.
func New(role Role, onStateChange func(State)) *Machine {
	return &Machine{role: role, st: StateDefault, onStateChange: onStateChange}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

func (m *Machine) setState(s State) {
	m.st = s
	if s == StateEstablished {
		m.wasEstablished = true
	}
	if m.onStateChange != nil {
		m.onStateChange(s)
	}
}

// Downgraded reports whether a completed goodbye exchange has reverted an
// established session to plaintext, telling the session to remove the
// machine from the data path.
func (m *Machine) Downgraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st == StateDefault && m.wasEstablished
}

// StartUpgrade begins the handshake from StateDefault. The client emits a
// hello record; the server waits for one. Returns the record to write (nil
// for the server, which has nothing to send yet).
func (m *Machine) StartUpgrade() (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st != StateDefault {
		return nil, ioerr.New(ioerr.Invalid, "handshake.start", nil)
	}
	if m.role == RoleClient {
		m.seq++
		r := Record{Type: RecordHello, Seq: m.seq}
		m.setState(StateHelloSent)
		return &r, nil
	}
	return nil, nil
}

// Deliver feeds one received record through the state machine, returning
// any record the caller must now write in response (nil if none) or an
// error that transitions the machine to StateFailed.
func (m *Machine) Deliver(r Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch r.Type {
	case RecordHello:
		if m.role != RoleServer || m.st != StateDefault {
			return m.fail(ioerr.New(ioerr.Invalid, "handshake.hello", nil))
		}
		m.setState(StateHelloReceived)
		m.seq++
		resp := Record{Type: RecordAccept, Seq: m.seq}
		m.setState(StateAcceptSent)
		return &resp, nil

	case RecordAccept:
		if m.role != RoleClient || m.st != StateHelloSent {
			return m.fail(ioerr.New(ioerr.Invalid, "handshake.accept", nil))
		}
		m.setState(StateAcceptReceived)
		m.setState(StateEstablished)
		return nil, nil

	case RecordData:
		if m.st != StateEstablished {
			return m.fail(ioerr.New(ioerr.Invalid, "handshake.data", nil))
		}
		return nil, nil

	case RecordGoodbye:
		if m.downgrading {
			// the peer acknowledged our goodbye; the exchange is complete
			m.downgrading = false
			m.setState(StateDefault)
			return nil, nil
		}
		// peer-initiated downgrade: acknowledge with our own goodbye and
		// revert to plaintext
		m.seq++
		resp := Record{Type: RecordGoodbye, Seq: m.seq}
		m.setState(StateDefault)
		return &resp, nil

	default:
		return m.fail(ioerr.New(ioerr.Invalid, "handshake.unknown_record", nil))
	}
}

// ServerAcceptEstablished completes the server side once its accept record
// has actually been written to the wire (the caller drives this after a
// successful send, since the server's transition to established happens on
// write-completion rather than on receiving anything further in this
// simplified protocol).
func (m *Machine) ServerAcceptEstablished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == StateAcceptSent {
		m.setState(StateEstablished)
	}
}

func (m *Machine) fail(err error) (*Record, error) {
	m.setState(StateFailed)
	return nil, err
}

// WrapOutgoing frames plaintext as a data record once the handshake has
// established.
func (m *Machine) WrapOutgoing(plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st != StateEstablished {
		return nil, ioerr.New(ioerr.Invalid, "handshake.wrap", nil)
	}
	m.seq++
	return Encode(Record{Type: RecordData, Seq: m.seq, Payload: plaintext}), nil
}

// UnwrapIncoming decodes one or more complete records from buf (ciphertext
// in, plaintext out ahead of the read queue), returning accumulated data
// payloads, any control record that requires a Deliver response, and the
// number of bytes consumed.
func (m *Machine) UnwrapIncoming(buf []byte) (data [][]byte, consumed int, err error) {
	for {
		r, n, derr := Decode(buf[consumed:])
		if derr != nil {
			if ioerr.CodeOf(derr) == ioerr.WouldBlock {
				return data, consumed, nil
			}
			return data, consumed, derr
		}
		consumed += n
		if r.Type == RecordData {
			data = append(data, r.Payload)
			continue
		}
		resp, derr2 := m.Deliver(r)
		if derr2 != nil {
			return data, consumed, derr2
		}
		if resp != nil {
			return data, consumed, &pendingWrite{rec: *resp}
		}
	}
}

// pendingWrite is a sentinel error carrying a record the caller must write
// in response to an inbound control record surfaced via UnwrapIncoming; it
// is not a failure, so callers type-assert for it rather than treating it
// as ioerr.
type pendingWrite struct{ rec Record }

func (p *pendingWrite) Error() string { return "handshake: response pending" }

// PendingWrite extracts the record a pendingWrite error carries, if err is
// one.
func PendingWrite(err error) (Record, bool) {
	if p, ok := err.(*pendingWrite); ok {
		return p.rec, true
	}
	return Record{}, false
}

// StartDowngrade issues the protocol-level goodbye that begins a downgrade;
// the caller writes the returned record and, once it is acknowledged by a
// peer goodbye arriving through Deliver, the Machine resets to
// StateDefault.
func (m *Machine) StartDowngrade() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downgrading = true
	m.seq++
	return Record{Type: RecordGoodbye, Seq: m.seq}
}
