// Package sockfd wraps the raw, non-blocking socket calls used by the reactor.
//
// The reactor owns its descriptors directly instead of going through net.Conn,
// because readiness is reported by the daemon's own multiplexer rather than
// by the Go runtime poller.
package sockfd

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// DefaultBacklog is the listen(2) backlog used when none is given.
const DefaultBacklog = 128

// IsWouldBlock reports whether err means the operation would block.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsConnReset reports whether err is a peer reset or broken pipe.
func IsConnReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE)
}

// Listen creates a non-blocking TCP listening socket on host:port.
//
// An empty host binds all IPv4 interfaces. Port 0 picks an ephemeral port,
// reported by the returned boundPort. On failure no descriptor is left open.
func Listen(host string, port int, backlog int) (fd int, boundPort int, err error) {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return -1, 0, fmt.Errorf("sockfd: resolve %s: %w", host, err)
	}

	family, sa := toSockaddr(addr)

	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, 0, fmt.Errorf("sockfd: socket: %w", err)
	}

	closeOnErr := func(op string, err error) (int, int, error) {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("sockfd: %s %s: %w", op, addr, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return closeOnErr("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return closeOnErr("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return closeOnErr("listen", err)
	}

	local, err := unix.Getsockname(fd)
	if err != nil {
		return closeOnErr("getsockname", err)
	}

	return fd, sockaddrPort(local), nil
}

// Accept accepts one pending connection as a non-blocking descriptor.
//
// It returns an error satisfying IsWouldBlock when no connection is pending.
func Accept(listenFd int) (fd int, remote string, err error) {
	for {
		fd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return -1, "", err
		}

		// commands are small; do not let Nagle delay responses
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		return fd, SockaddrString(sa), nil
	}
}

// Read reads from a non-blocking descriptor. A closed peer yields io.EOF.
func Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return 0, err
		case n == 0 && len(buf) > 0:
			return 0, io.EOF
		default:
			return n, nil
		}
	}
}

// Write writes to a non-blocking descriptor, returning the bytes accepted.
func Write(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}

		return n, err
	}
}

// Close closes fd.
func Close(fd int) error {
	return unix.Close(fd)
}

// SockaddrString formats a socket address as host:port.
func SockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrUnix:
		return a.Name
	default:
		return "unknown"
	}
}

func sockaddrPort(sa unix.Sockaddr) int {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port
	case *unix.SockaddrInet6:
		return a.Port
	default:
		return 0
	}
}

func toSockaddr(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}

		return unix.AF_INET, sa
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())

	return unix.AF_INET6, sa
}
