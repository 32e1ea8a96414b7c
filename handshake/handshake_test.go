package handshake

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordEncodeDecodeIdentity(t *testing.T) {
	r := Record{Type: RecordData, Seq: 42, Payload: []byte("hello")}
	buf := Encode(r)
	got, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, r, got)
}

func TestDecodeIncompleteBufferIsWouldBlock(t *testing.T) {
	full := Encode(Record{Type: RecordHello, Seq: 1})
	_, _, err := Decode(full[:HeaderSize-1])
	require.Error(t, err)
}

func TestClientServerHandshakeReachesEstablished(t *testing.T) {
	var clientStates, serverStates []State
	client := New(RoleClient, func(s State) { clientStates = append(clientStates, s) })
	server := New(RoleServer, func(s State) { serverStates = append(serverStates, s) })

	hello, err := client.StartUpgrade()
	require.NoError(t, err)
	require.NotNil(t, hello)
	require.Equal(t, StateHelloSent, client.State())

	accept, err := server.Deliver(*hello)
	require.NoError(t, err)
	require.NotNil(t, accept)
	require.Equal(t, StateAcceptSent, server.State())
	server.ServerAcceptEstablished()
	require.Equal(t, StateEstablished, server.State())

	resp, err := client.Deliver(*accept)
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Equal(t, StateEstablished, client.State())

	require.Equal(t, []State{StateHelloReceived, StateAcceptSent}, serverStates[:2])
	require.Equal(t, []State{StateHelloSent, StateAcceptReceived, StateEstablished}, clientStates)
}

func TestPlaintextAfterEstablishedProducesDataRecord(t *testing.T) {
	client := New(RoleClient, nil)
	server := New(RoleServer, nil)
	hello, _ := client.StartUpgrade()
	accept, _ := server.Deliver(*hello)
	server.ServerAcceptEstablished()
	client.Deliver(*accept)

	wire, err := client.WrapOutgoing([]byte("payload"))
	require.NoError(t, err)
	rec, _, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, RecordData, rec.Type)
	require.Equal(t, []byte("payload"), rec.Payload)
}

func TestWrapBeforeEstablishedFails(t *testing.T) {
	m := New(RoleClient, nil)
	_, err := m.WrapOutgoing([]byte("x"))
	require.Error(t, err)
}

func TestUnwrapIncomingAccumulatesDataRecords(t *testing.T) {
	client := New(RoleClient, nil)
	server := New(RoleServer, nil)
	hello, _ := client.StartUpgrade()
	accept, _ := server.Deliver(*hello)
	server.ServerAcceptEstablished()
	client.Deliver(*accept)

	wire := append(Encode(Record{Type: RecordData, Seq: 1, Payload: []byte("a")}),
		Encode(Record{Type: RecordData, Seq: 2, Payload: []byte("b")})...)
	data, consumed, err := server.UnwrapIncoming(wire)
	require.NoError(t, err)
	require.Equal(t, len(wire), consumed)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, data)
}

func TestDowngradeResetsToDefault(t *testing.T) {
	client := New(RoleClient, nil)
	server := New(RoleServer, nil)
	hello, _ := client.StartUpgrade()
	accept, _ := server.Deliver(*hello)
	server.ServerAcceptEstablished()
	client.Deliver(*accept)

	bye := client.StartDowngrade()
	_, err := server.Deliver(bye)
	require.NoError(t, err)
	require.Equal(t, StateDefault, server.State())
}
