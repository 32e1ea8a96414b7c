package endpoint

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAndStringRoundTrip(t *testing.T) {
	e, err := Parse("127.0.0.1:8080")
	require.NoError(t, err)
	require.Equal(t, KindIPv4, e.Kind)
	require.Equal(t, "127.0.0.1:8080", e.String())
	require.Equal(t, "tcp4", e.Network())
}

func TestParseIPv6(t *testing.T) {
	e, err := Parse("[::1]:53")
	require.NoError(t, err)
	require.Equal(t, KindIPv6, e.Kind)
	require.Equal(t, "tcp6", e.Network())
}

func TestNewLocal(t *testing.T) {
	e := NewLocal("/tmp/socket.sock")
	require.Equal(t, KindLocal, e.Kind)
	require.Equal(t, "unix", e.Network())
	require.Equal(t, "/tmp/socket.sock", e.String())
}

func TestURIRoundTripWithReservedCharacters(t *testing.T) {
	raw := "https://alice@example.com:8443/a%20path/seg?x=1&y=2#frag"
	u, err := ParseURI(raw)
	require.NoError(t, err)
	require.Equal(t, "https", u.Scheme)
	require.Equal(t, "alice", u.Authority.User)
	require.Equal(t, "example.com", u.Authority.Host)
	require.Equal(t, uint16(8443), u.Authority.Port)
	require.Equal(t, "/a path/seg", u.Path)
	require.Equal(t, "x=1&y=2", u.Query)
	require.Equal(t, "frag", u.Fragment)

	u2, err := ParseURI(u.String())
	require.NoError(t, err)
	require.Equal(t, u, u2)
}

func TestPathSegmentEncodeDecodeIdentity(t *testing.T) {
	for _, s := range []string{"hello world", "a/b?c=d#e", "100% sure", "plain"} {
		enc := EncodePathSegment(s)
		dec, err := DecodePathSegment(enc)
		require.NoError(t, err)
		require.Equal(t, s, dec)
	}
}

func TestNewIPInfersKind(t *testing.T) {
	e := NewIP(net.ParseIP("10.0.0.1"), 1234)
	require.Equal(t, KindIPv4, e.Kind)
	e6 := NewIP(net.ParseIP("fe80::1"), 1234)
	require.Equal(t, KindIPv6, e6.Kind)
}
