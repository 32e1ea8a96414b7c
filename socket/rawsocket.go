//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package socket

import (
	"golang.org/x/sys/unix"

	"github.com/flowmesh/netcore/endpoint"
	"github.com/flowmesh/netcore/handle"
	"github.com/flowmesh/netcore/ioerr"
)

const (
	shutRecv = unix.SHUT_RD
	shutSend = unix.SHUT_WR
	shutBoth = unix.SHUT_RDWR
)

func toSockaddr(e endpoint.Endpoint) (unix.Sockaddr, error) {
	switch e.Kind {
	case endpoint.KindIPv4:
		var addr [4]byte
		copy(addr[:], e.IP.To4())
		return &unix.SockaddrInet4{Port: int(e.Port), Addr: addr}, nil
	case endpoint.KindIPv6:
		var addr [16]byte
		copy(addr[:], e.IP.To16())
		return &unix.SockaddrInet6{Port: int(e.Port), Addr: addr}, nil
	case endpoint.KindLocal:
		return &unix.SockaddrUnix{Name: e.Path}, nil
	default:
		return nil, ioerr.New(ioerr.Invalid, "rawsocket.sockaddr", nil)
	}
}

func fromSockaddr(sa unix.Sockaddr) endpoint.Endpoint {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return endpoint.NewIP(append([]byte(nil), a.Addr[:]...), uint16(a.Port))
	case *unix.SockaddrInet6:
		return endpoint.NewIP(append([]byte(nil), a.Addr[:]...), uint16(a.Port))
	case *unix.SockaddrUnix:
		return endpoint.NewLocal(a.Name)
	default:
		return endpoint.Endpoint{}
	}
}

func domainFor(e endpoint.Endpoint) int {
	switch e.Kind {
	case endpoint.KindIPv6:
		return unix.AF_INET6
	case endpoint.KindLocal:
		return unix.AF_UNIX
	default:
		return unix.AF_INET
	}
}

// openStreamSocket creates a non-blocking TCP/Unix-stream socket.
func openStreamSocket(e endpoint.Endpoint) (handle.Handle, error) {
	typ := unix.SOCK_STREAM | unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC
	fd, err := unix.Socket(domainFor(e), typ, 0)
	if err != nil {
		return handle.Invalid, ioerr.FromErrno("socket.open", err)
	}
	return handle.Handle(fd), nil
}

func openDatagramSocket(e endpoint.Endpoint) (handle.Handle, error) {
	typ := unix.SOCK_DGRAM | unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC
	fd, err := unix.Socket(domainFor(e), typ, 0)
	if err != nil {
		return handle.Invalid, ioerr.FromErrno("socket.open", err)
	}
	return handle.Handle(fd), nil
}

func setReuseAddr(h handle.Handle) error {
	if err := unix.SetsockoptInt(int(h), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return ioerr.FromErrno("socket.set_option", err)
	}
	return nil
}

func setNoDelay(h handle.Handle, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	if err := unix.SetsockoptInt(int(h), unix.IPPROTO_TCP, unix.TCP_NODELAY, v); err != nil {
		return ioerr.FromErrno("socket.set_option", err)
	}
	return nil
}

func bindSocket(h handle.Handle, e endpoint.Endpoint) error {
	sa, err := toSockaddr(e)
	if err != nil {
		return err
	}
	if err := unix.Bind(int(h), sa); err != nil {
		return ioerr.FromErrno("socket.bind", err)
	}
	return nil
}

func listenSocket(h handle.Handle, backlog int) error {
	if err := unix.Listen(int(h), backlog); err != nil {
		return ioerr.FromErrno("socket.listen", err)
	}
	return nil
}

// connectSocket issues a non-blocking connect; ioerr.WouldBlock (from
// EINPROGRESS) means the caller must wait for writable and then resolve
// SO_ERROR.
func connectSocket(h handle.Handle, e endpoint.Endpoint) error {
	sa, err := toSockaddr(e)
	if err != nil {
		return err
	}
	err = unix.Connect(int(h), sa)
	if err == nil {
		return nil
	}
	if err == unix.EINPROGRESS {
		return ioerr.New(ioerr.WouldBlock, "socket.connect", err)
	}
	return ioerr.FromErrno("socket.connect", err)
}

func acceptSocket(h handle.Handle) (handle.Handle, endpoint.Endpoint, error) {
	nfd, sa, err := unix.Accept4(int(h), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return handle.Invalid, endpoint.Endpoint{}, ioerr.FromErrno("socket.accept", err)
	}
	return handle.Handle(nfd), fromSockaddr(sa), nil
}

// readSocket performs one non-blocking read into buf, translating EOF (0
// bytes with no error) to ioerr.EOF.
func readSocket(h handle.Handle, buf []byte) (int, error) {
	n, err := unix.Read(int(h), buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ioerr.New(ioerr.WouldBlock, "socket.receive", err)
		}
		return 0, ioerr.FromErrno("socket.receive", err)
	}
	if n == 0 {
		return 0, ioerr.New(ioerr.EOF, "socket.receive", nil)
	}
	return n, nil
}

func writeSocket(h handle.Handle, buf []byte) (int, error) {
	n, err := unix.Write(int(h), buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ioerr.New(ioerr.WouldBlock, "socket.send", err)
		}
		return 0, ioerr.FromErrno("socket.send", err)
	}
	return n, nil
}

func localEndpoint(h handle.Handle) (endpoint.Endpoint, error) {
	sa, err := unix.Getsockname(int(h))
	if err != nil {
		return endpoint.Endpoint{}, ioerr.FromErrno("socket.source_endpoint", err)
	}
	return fromSockaddr(sa), nil
}

func remoteEndpoint(h handle.Handle) (endpoint.Endpoint, error) {
	sa, err := unix.Getpeername(int(h))
	if err != nil {
		return endpoint.Endpoint{}, ioerr.FromErrno("socket.remote_endpoint", err)
	}
	return fromSockaddr(sa), nil
}

func shutdownSocket(h handle.Handle, how int) error {
	if err := unix.Shutdown(int(h), how); err != nil {
		return ioerr.FromErrno("socket.shutdown", err)
	}
	return nil
}

func closeSocket(h handle.Handle) error {
	if err := unix.Close(int(h)); err != nil {
		return ioerr.FromErrno("socket.close", err)
	}
	return nil
}

func readFromSocket(h handle.Handle, buf []byte) (int, endpoint.Endpoint, error) {
	n, sa, err := unix.Recvfrom(int(h), buf, 0)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, endpoint.Endpoint{}, ioerr.New(ioerr.WouldBlock, "socket.receive_from", err)
		}
		return 0, endpoint.Endpoint{}, ioerr.FromErrno("socket.receive_from", err)
	}
	var ep endpoint.Endpoint
	if sa != nil {
		ep = fromSockaddr(sa)
	}
	return n, ep, nil
}

func writeToSocket(h handle.Handle, buf []byte, to endpoint.Endpoint) (int, error) {
	sa, err := toSockaddr(to)
	if err != nil {
		return 0, err
	}
	if err := unix.Sendto(int(h), buf, 0, sa); err != nil {
		if err == unix.EAGAIN {
			return 0, ioerr.New(ioerr.WouldBlock, "socket.send_to", err)
		}
		return 0, ioerr.FromErrno("socket.send_to", err)
	}
	return len(buf), nil
}
