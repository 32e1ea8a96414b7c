// Package endpoint implements the transport-address and URI abstractions:
// IPv4/IPv6 addresses with ports, local (Unix-domain) socket paths, and
// URI parsing covering scheme, authority (optionally user), host, port,
// path, query, and fragment, with RFC 3986 percent-encoding via net/url.
package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/flowmesh/netcore/ioerr"
)

// Kind distinguishes the transport family an Endpoint addresses.
type Kind int

const (
	KindIPv4 Kind = iota
	KindIPv6
	KindLocal // Unix-domain socket path
)

// Endpoint is a transport address: an IPv4/IPv6 address with a port, or a
// Unix-domain socket path.
type Endpoint struct {
	Kind Kind
	IP   net.IP
	Port uint16
	Path string // KindLocal only
}

// NewIP builds an Endpoint from an IP and port, inferring KindIPv4/KindIPv6
// from the address's form.
func NewIP(ip net.IP, port uint16) Endpoint {
	k := KindIPv6
	if ip4 := ip.To4(); ip4 != nil {
		k = KindIPv4
		ip = ip4
	}
	return Endpoint{Kind: k, IP: ip, Port: port}
}

// NewLocal builds a Unix-domain Endpoint from a filesystem path.
func NewLocal(path string) Endpoint {
	return Endpoint{Kind: KindLocal, Path: path}
}

// Parse parses "host:port" (IPv4/IPv6) or a bare path (treated as
// KindLocal; any string containing '/' is taken as a path) into an Endpoint.
func Parse(s string) (Endpoint, error) {
	if strings.ContainsRune(s, '/') {
		return NewLocal(s), nil
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, ioerr.New(ioerr.Invalid, "endpoint.parse", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, ioerr.New(ioerr.Invalid, "endpoint.parse", fmt.Errorf("not an IP: %q", host))
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, ioerr.New(ioerr.Invalid, "endpoint.parse", err)
	}
	return NewIP(ip, uint16(port)), nil
}

func (e Endpoint) String() string {
	switch e.Kind {
	case KindLocal:
		return e.Path
	default:
		return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
	}
}

// Network reports the net package network name ("tcp4"/"tcp6"/"unix") this
// Endpoint addresses, for handing to net.Dial/net.Listen-shaped APIs.
func (e Endpoint) Network() string {
	switch e.Kind {
	case KindIPv4:
		return "tcp4"
	case KindIPv6:
		return "tcp6"
	default:
		return "unix"
	}
}

// Authority is the user@host:port portion of a URI.
type Authority struct {
	User string // empty if absent
	Host string
	Port uint16 // 0 if absent
}

func (a Authority) hasPort() bool { return a.Port != 0 }

// URI is the scheme/authority/path/query/fragment value type.
type URI struct {
	Scheme    string
	Authority *Authority // nil if absent
	Path      string
	Query     string // raw, still percent-encoded key=value&... form retained verbatim for round-trip
	Fragment  string
}

// ParseURI parses s into a URI using net/url, splitting the authority into
// its user/host/port parts.
func ParseURI(s string) (*URI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, ioerr.New(ioerr.Invalid, "uri.parse", err)
	}
	out := &URI{
		Scheme:   u.Scheme,
		Path:     u.Path,
		Query:    u.RawQuery,
		Fragment: u.Fragment,
	}
	if u.Host != "" || u.User != nil {
		a := &Authority{Host: u.Hostname()}
		if u.User != nil {
			a.User = u.User.Username()
		}
		if p := u.Port(); p != "" {
			port, err := strconv.ParseUint(p, 10, 16)
			if err != nil {
				return nil, ioerr.New(ioerr.Invalid, "uri.parse", err)
			}
			a.Port = uint16(port)
		}
		out.Authority = a
	}
	return out, nil
}

// String renders the URI back to its textual form; ParseURI(u.String())
// round-trips for any URI produced by ParseURI.
func (u *URI) String() string {
	out := url.URL{
		Scheme:   u.Scheme,
		Path:     u.Path,
		RawQuery: u.Query,
		Fragment: u.Fragment,
	}
	if u.Authority != nil {
		if u.Authority.User != "" {
			out.User = url.User(u.Authority.User)
		}
		if u.Authority.hasPort() {
			out.Host = net.JoinHostPort(u.Authority.Host, strconv.Itoa(int(u.Authority.Port)))
		} else {
			out.Host = u.Authority.Host
		}
	}
	return out.String()
}

// EncodePathSegment and DecodePathSegment expose net/url's percent-encoding
// directly for callers that need to round-trip a single path/query
// component without going through the full URI value.
func EncodePathSegment(s string) string { return url.PathEscape(s) }

func DecodePathSegment(s string) (string, error) {
	out, err := url.PathUnescape(s)
	if err != nil {
		return "", ioerr.New(ioerr.Invalid, "uri.decode_segment", err)
	}
	return out, nil
}
