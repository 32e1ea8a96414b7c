// Package handshake implements the encryption upgrade/downgrade
// orchestration and its wire-level test framed protocol: each record is
// [type:u32-be][sequence:u32-be][length:u32-be][payload], with record
// types { hello, accept, data, goodbye }.
package handshake

import (
	"encoding/binary"

	"github.com/flowmesh/netcore/ioerr"
)

// RecordType is one of the four record kinds the test wire protocol
// defines.
type RecordType uint32

const (
	RecordHello RecordType = iota
	RecordAccept
	RecordData
	RecordGoodbye
)

func (t RecordType) String() string {
	switch t {
	case RecordHello:
		return "hello"
	case RecordAccept:
		return "accept"
	case RecordData:
		return "data"
	case RecordGoodbye:
		return "goodbye"
	default:
		return "unknown"
	}
}

// HeaderSize is the fixed [type][sequence][length] prefix before payload.
const HeaderSize = 12

// Record is one wire-level frame: [type:u32-be][sequence:u32-be][length:u32-be][payload].
type Record struct {
	Type    RecordType
	Seq     uint32
	Payload []byte
}

// Encode serializes r into a freshly allocated buffer. Decode(Encode(r))
// == r for any r.
func Encode(r Record) []byte {
	buf := make([]byte, HeaderSize+len(r.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.Type))
	binary.BigEndian.PutUint32(buf[4:8], r.Seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(r.Payload)))
	copy(buf[HeaderSize:], r.Payload)
	return buf
}

// Decode parses a single record from buf, returning the record, the number
// of bytes consumed, and an error if buf does not yet contain a complete
// record (ioerr.WouldBlock — the caller should wait for more bytes).
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < HeaderSize {
		return Record{}, 0, ioerr.New(ioerr.WouldBlock, "handshake.decode", nil)
	}
	typ := RecordType(binary.BigEndian.Uint32(buf[0:4]))
	seq := binary.BigEndian.Uint32(buf[4:8])
	length := binary.BigEndian.Uint32(buf[8:12])
	total := HeaderSize + int(length)
	if len(buf) < total {
		return Record{}, 0, ioerr.New(ioerr.WouldBlock, "handshake.decode", nil)
	}
	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:total])
	return Record{Type: typ, Seq: seq, Payload: payload}, total, nil
}
