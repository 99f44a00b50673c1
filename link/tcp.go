package link

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// DialTCP connects to a debug adapter listening on addr and returns the
// connection as a non-blocking Link.
func DialTCP(addr string, timeout time.Duration) (Link, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("link: dial adapter %s: %w", addr, err)
	}
	defer conn.Close()

	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("link: dial adapter %s: not a TCP connection", addr)
	}
	_ = tcp.SetNoDelay(true)

	raw, err := tcp.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("link: adapter %s: %w", addr, err)
	}

	// Take a private copy of the descriptor; the net.Conn is closed on return.
	fd := -1
	var dupErr error
	if err := raw.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, fmt.Errorf("link: adapter %s: %w", addr, err)
	}
	if dupErr != nil {
		return nil, fmt.Errorf("link: adapter %s: dup: %w", addr, dupErr)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("link: adapter %s: %w", addr, err)
	}

	return newFdLink(fd, "tcp:"+addr), nil
}
