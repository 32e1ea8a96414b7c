package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/flowmesh/netcore/endpoint"
	"github.com/stretchr/testify/require"
)

func TestGetIPAddressShortCircuitsLiteralIPs(t *testing.T) {
	r := New(nil)
	done := make(chan struct{})
	var got endpoint.Endpoint
	var gotErr error
	r.GetIPAddress(context.Background(), "127.0.0.1", 9000, Options{}, func(e endpoint.Endpoint, err error) {
		got, gotErr = e, err
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	require.NoError(t, gotErr)
	require.True(t, net.ParseIP("127.0.0.1").Equal(got.IP))
	require.Equal(t, uint16(9000), got.Port)
}

func TestGetPortParsesNumericService(t *testing.T) {
	r := New(nil)
	done := make(chan struct{})
	var got uint16
	var gotErr error
	r.GetPort(context.Background(), "8080", Options{}, func(p uint16, err error) {
		got, gotErr = p, err
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	require.NoError(t, gotErr)
	require.Equal(t, uint16(8080), got)
}
