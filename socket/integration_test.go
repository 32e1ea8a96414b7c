package socket

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/netcore/bufpool"
	"github.com/flowmesh/netcore/endpoint"
	"github.com/flowmesh/netcore/handle"
	"github.com/flowmesh/netcore/handshake"
	"github.com/flowmesh/netcore/internal/driver"
	"github.com/flowmesh/netcore/ioerr"
)

func startReactor(t *testing.T) *Reactor {
	t.Helper()
	d, err := driver.NewDefault()
	require.NoError(t, err)
	r := NewReactor(d)
	stop := make(chan struct{})
	done := make(chan struct{})
	r.AddWaiter()
	go func() {
		defer close(done)
		defer r.RemoveWaiter()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = r.RunOnce(10 * time.Millisecond)
		}
	}()
	t.Cleanup(func() {
		close(stop)
		_ = r.Driver.Interrupt()
		<-done
		_ = r.Driver.Close()
	})
	return r
}

func loopback() endpoint.Endpoint { return endpoint.NewIP(net.IPv4(127, 0, 0, 1), 0) }

// dialPair connects a client/server stream pair over an anonymous loopback
// listener. prepServer/prepClient run before the session is attached so
// event callbacks are in place before the first dispatch can land.
func dialPair(t *testing.T, r *Reactor, opts StreamOptions, prepServer, prepClient func(*StreamSocket)) (client, server *StreamSocket) {
	t.Helper()
	pool := bufpool.New(bufpool.DefaultFactory, 0)

	accepted := make(chan *StreamSocket, 1)
	lis := NewListener(r)
	err := lis.Listen(loopback(), 16, func(h handle.Handle, peer endpoint.Endpoint) {
		ss := NewStream(r, pool, opts)
		if prepServer != nil {
			prepServer(ss)
		}
		if aerr := ss.Adopt(h, peer); aerr != nil {
			t.Errorf("adopt: %v", aerr)
			return
		}
		accepted <- ss
	}, func(err error) { t.Errorf("listener: %v", err) })
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	client = NewStream(r, pool, opts)
	if prepClient != nil {
		prepClient(client)
	}
	connected := make(chan error, 1)
	require.NoError(t, client.Connect(lis.SourceEndpoint(), func(cerr error) { connected <- cerr }))

	select {
	case cerr := <-connected:
		require.NoError(t, cerr)
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not complete")
	}
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not complete")
	}
	return client, server
}

// receiveAll polls the read queue until want bytes have been drained.
func receiveAll(t *testing.T, s *StreamSocket, want int) []byte {
	t.Helper()
	var got []byte
	require.Eventually(t, func() bool {
		b, err := s.Receive(want - len(got))
		if err != nil {
			return len(got) == want
		}
		got = append(got, b...)
		return len(got) == want
	}, 5*time.Second, time.Millisecond)
	return got
}

func TestConnectExchangeShutdown(t *testing.T) {
	r := startReactor(t)
	opts := DefaultStreamOptions()
	opts.KeepHalfOpen = true

	clientEOF := make(chan struct{})
	serverEOF := make(chan struct{})
	clientDone := make(chan struct{})
	serverDone := make(chan struct{})

	client, server := dialPair(t, r, opts,
		func(s *StreamSocket) {
			s.OnShutdownReceive(func() { close(serverEOF) })
			s.OnShutdownComplete(func() { close(serverDone) })
		},
		func(s *StreamSocket) {
			s.OnShutdownReceive(func() { close(clientEOF) })
			s.OnShutdownComplete(func() { close(clientDone) })
		})

	sent := make(chan error, 1)
	require.NoError(t, client.Send([]byte{'X'}, func(n int, err error) { sent <- err }))
	require.NoError(t, <-sent)
	require.Equal(t, []byte{'X'}, receiveAll(t, server, 1))

	require.NoError(t, server.Send([]byte{'X'}, func(int, error) {}))
	require.Equal(t, []byte{'X'}, receiveAll(t, client, 1))

	require.NoError(t, server.Shutdown(DirectionSend))
	select {
	case <-clientEOF:
	case <-time.After(5 * time.Second):
		t.Fatal("client never observed server shutdown-send")
	}

	require.NoError(t, client.Shutdown(DirectionSend))
	select {
	case <-serverEOF:
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed client shutdown-send")
	}

	for _, done := range []chan struct{}{clientDone, serverDone} {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("session never completed shutdown")
		}
	}
	require.Equal(t, StateClosed, client.State())
	require.Equal(t, StateClosed, server.State())
}

func TestReadQueueWatermarks(t *testing.T) {
	r := startReactor(t)
	pool := bufpool.New(bufpool.DefaultFactory, 0)
	opts := DefaultStreamOptions()
	opts.Read.Watermarks = Watermarks{Low: 1, High: 1024}

	s := NewStream(r, pool, opts)
	paused := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.readPaused
	}

	s.ingest(make([]byte, 2048), 2048)
	require.True(t, paused(), "reading should pause above the high watermark")

	_, err := s.Receive(512)
	require.NoError(t, err)
	require.True(t, paused(), "1536 buffered bytes still exceed the high watermark")

	_, err = s.Receive(1024)
	require.NoError(t, err)
	require.False(t, paused(), "draining to 512 restores read interest")
}

func TestBackPressureHidesReadInterest(t *testing.T) {
	r := startReactor(t)
	opts := DefaultStreamOptions()
	opts.Read.Watermarks = Watermarks{Low: 1, High: 1024}

	client, server := dialPair(t, r, opts, nil, nil)
	defer client.Close()
	defer server.Close()

	readable := func() bool {
		e, ok := r.Registry.Lookup(server.Handle())
		return ok && e.Mask().Has(handle.Readable)
	}

	require.NoError(t, client.Send(make([]byte, 4096), func(int, error) {}))
	require.Eventually(t, func() bool { return !readable() }, 5*time.Second, time.Millisecond,
		"read interest should hide once the queue crosses the high watermark")

	require.Eventually(t, func() bool {
		if _, err := server.Receive(256); err != nil {
			return false
		}
		return readable()
	}, 5*time.Second, time.Millisecond, "draining should restore read interest")
}

func TestHandshakeUpgradeOverLoopback(t *testing.T) {
	r := startReactor(t)
	opts := DefaultStreamOptions()

	var mu sync.Mutex
	var clientStates, serverStates []handshake.State
	record := func(dst *[]handshake.State) func(handshake.State) {
		return func(st handshake.State) {
			mu.Lock()
			*dst = append(*dst, st)
			mu.Unlock()
		}
	}

	client, server := dialPair(t, r, opts,
		func(s *StreamSocket) {
			if err := s.Upgrade(handshake.RoleServer, record(&serverStates)); err != nil {
				t.Errorf("server upgrade: %v", err)
			}
		}, nil)
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.Upgrade(handshake.RoleClient, record(&clientStates)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(clientStates) > 0 && clientStates[len(clientStates)-1] == handshake.StateEstablished &&
			len(serverStates) > 0 && serverStates[len(serverStates)-1] == handshake.StateEstablished
	}, 5*time.Second, time.Millisecond, "both sides should reach established")

	mu.Lock()
	require.Equal(t, []handshake.State{handshake.StateHelloSent, handshake.StateAcceptReceived, handshake.StateEstablished}, clientStates)
	require.Equal(t, []handshake.State{handshake.StateHelloReceived, handshake.StateAcceptSent, handshake.StateEstablished}, serverStates)
	mu.Unlock()

	require.NoError(t, client.Send([]byte("secret"), nil))
	require.Equal(t, []byte("secret"), receiveAll(t, server, 6))

	require.NoError(t, server.Send([]byte("reply"), nil))
	require.Equal(t, []byte("reply"), receiveAll(t, client, 5))
}

func TestDowngradeRestoresPlaintext(t *testing.T) {
	r := startReactor(t)
	opts := DefaultStreamOptions()

	client, server := dialPair(t, r, opts,
		func(s *StreamSocket) {
			if err := s.Upgrade(handshake.RoleServer, nil); err != nil {
				t.Errorf("server upgrade: %v", err)
			}
		}, nil)
	defer client.Close()
	defer server.Close()

	established := make(chan struct{})
	require.NoError(t, client.Upgrade(handshake.RoleClient, func(st handshake.State) {
		if st == handshake.StateEstablished {
			close(established)
		}
	}))
	select {
	case <-established:
	case <-time.After(5 * time.Second):
		t.Fatal("upgrade never established")
	}

	encrypted := func(s *StreamSocket) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.hs != nil
	}

	require.NoError(t, client.Downgrade())
	require.Eventually(t, func() bool { return !encrypted(client) && !encrypted(server) },
		5*time.Second, time.Millisecond, "goodbye exchange should remove both state machines")

	require.NoError(t, client.Send([]byte("plain"), nil))
	require.Equal(t, []byte("plain"), receiveAll(t, server, 5))
}

func TestZeroByteSendSucceedsWithEmptyContext(t *testing.T) {
	r := startReactor(t)
	client, server := dialPair(t, r, DefaultStreamOptions(), nil, nil)
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	require.NoError(t, client.Send(nil, func(n int, err error) {
		require.Zero(t, n)
		require.NoError(t, err)
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("zero-byte send never completed")
	}
}

func TestShutdownOfShutDirectionIsNoop(t *testing.T) {
	r := startReactor(t)
	opts := DefaultStreamOptions()
	opts.KeepHalfOpen = true

	var announced atomic.Int32
	ready := make(chan struct{}, 2)
	client, server := dialPair(t, r, opts, nil, func(s *StreamSocket) {
		s.OnShutdownSend(func() {
			announced.Add(1)
			ready <- struct{}{}
		})
	})
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.Shutdown(DirectionSend))
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown-send never announced")
	}
	require.NoError(t, client.Shutdown(DirectionSend))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), announced.Load(), "second shutdown of the same direction must not re-announce")
}

func TestConnectRefusedSurfacesTaxonomyError(t *testing.T) {
	r := startReactor(t)
	pool := bufpool.New(bufpool.DefaultFactory, 0)

	// bind-then-close yields a port with no listener behind it
	probe := NewListener(r)
	require.NoError(t, probe.Listen(loopback(), 1, func(h handle.Handle, _ endpoint.Endpoint) { closeSocket(h) }, nil))
	dead := probe.SourceEndpoint()
	require.NoError(t, probe.Close())

	s := NewStream(r, pool, DefaultStreamOptions())
	result := make(chan error, 1)
	require.NoError(t, s.Connect(dead, func(err error) { result <- err }))
	select {
	case err := <-result:
		require.Error(t, err)
		require.Equal(t, ioerr.ConnectionRefused, ioerr.CodeOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("connect outcome never delivered")
	}
}

func TestConnectTimeoutCancelsAttempt(t *testing.T) {
	r := startReactor(t)
	pool := bufpool.New(bufpool.DefaultFactory, 0)
	opts := DefaultStreamOptions()
	opts.ConnectTimeout = 50 * time.Millisecond

	// RFC 5737 TEST-NET-1 address: never routable, so connect hangs until
	// the timeout timer fires.
	s := NewStream(r, pool, opts)
	result := make(chan error, 1)
	err := s.Connect(endpoint.NewIP(net.IPv4(192, 0, 2, 1), 9), func(cerr error) { result <- cerr })
	require.NoError(t, err)
	select {
	case cerr := <-result:
		require.Error(t, cerr)
	case <-time.After(5 * time.Second):
		t.Fatal("connect neither failed nor timed out")
	}
}

func TestSendAfterShutdownSendFails(t *testing.T) {
	r := startReactor(t)
	opts := DefaultStreamOptions()
	opts.KeepHalfOpen = true
	client, server := dialPair(t, r, opts, nil, nil)
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.Shutdown(DirectionSend))
	require.Eventually(t, func() bool {
		return client.State() == StateShuttingDownSend || client.State() == StateShutDown
	}, 5*time.Second, time.Millisecond)
	err := client.Send([]byte("late"), nil)
	require.Error(t, err)
	require.Equal(t, ioerr.NotConnected, ioerr.CodeOf(err))
}

func TestWriteQueueHighWatermarkRejects(t *testing.T) {
	r := startReactor(t)
	opts := DefaultStreamOptions()
	opts.Write.Watermarks = Watermarks{Low: 16 << 10, High: 64 << 10}
	opts.Write.RejectOverHighWatermark = true

	client, server := dialPair(t, r, opts, nil, nil)
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.Send(make([]byte, 1024), nil))
	err := client.Send(make([]byte, 128<<10), nil)
	require.Error(t, err)
	require.Equal(t, ioerr.LimitExceeded, ioerr.CodeOf(err))
}

func TestDatagramRoundTrip(t *testing.T) {
	r := startReactor(t)

	type dgram struct {
		from endpoint.Endpoint
		data []byte
	}
	inbox := make(chan dgram, 1)

	recv := NewDatagram(r)
	require.NoError(t, recv.Bind(loopback(), func(from endpoint.Endpoint, data []byte) {
		inbox <- dgram{from: from, data: append([]byte(nil), data...)}
	}, nil))
	defer recv.Close()

	send := NewDatagram(r)
	require.NoError(t, send.Bind(loopback(), nil, nil))
	defer send.Close()

	n, err := send.SendTo(recv.SourceEndpoint(), []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	select {
	case d := <-inbox:
		require.Equal(t, []byte("ping"), d.data)
		require.Equal(t, send.SourceEndpoint().Port, d.from.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("datagram never delivered")
	}
}

func TestWriteCompletionDeliveredExactlyOnceOnClose(t *testing.T) {
	r := startReactor(t)
	opts := DefaultStreamOptions()

	client, server := dialPair(t, r, opts, nil, nil)
	defer server.Close()

	// queue a send and immediately close; the completion must fire exactly
	// once, as cancelled or as a success that won the race to the wire
	var mu sync.Mutex
	completions := 0
	require.NoError(t, client.Send(make([]byte, 1024), func(n int, err error) {
		mu.Lock()
		completions++
		mu.Unlock()
	}))
	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return completions == 1
	}, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 1, completions)
	mu.Unlock()
}
