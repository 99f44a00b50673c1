package link

import (
	"fmt"
	"strings"
	"time"

	"github.com/arloliu/go-debugd/internal/sockfd"
	"golang.org/x/sys/unix"
)

// Link is a non-blocking byte stream to the debug adapter.
//
// Read and Write return an error satisfying sockfd.IsWouldBlock when the
// operation would block, and io.EOF when the adapter closed the stream.
type Link interface {
	// Fd returns the descriptor to register with the multiplexer.
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	// String describes the link for logging.
	String() string
}

// Opener opens a fresh Link. The arbiter calls it at startup and whenever
// the link has to be re-established.
type Opener func() (Link, error)

// fdLink is a Link over any non-blocking descriptor.
type fdLink struct {
	fd      int
	name    string
	onClose func() error
}

func newFdLink(fd int, name string) *fdLink {
	return &fdLink{fd: fd, name: name}
}

func (l *fdLink) Fd() int { return l.fd }

func (l *fdLink) Read(p []byte) (int, error) { return sockfd.Read(l.fd, p) }

func (l *fdLink) Write(p []byte) (int, error) { return sockfd.Write(l.fd, p) }

func (l *fdLink) String() string { return l.name }

func (l *fdLink) Close() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	if l.onClose != nil {
		if cerr := l.onClose(); err == nil {
			err = cerr
		}
	}

	return err
}

// NewOpener parses a link spec and returns an Opener for it.
//
// dialTimeout bounds the TCP connect of "tcp:" links.
func NewOpener(spec string, dialTimeout time.Duration) (Opener, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")

	switch kind {
	case "serial":
		path, baud, err := parseSerialArg(arg)
		if err != nil {
			return nil, err
		}

		return func() (Link, error) { return OpenSerial(path, baud) }, nil

	case "tcp":
		if arg == "" {
			return nil, fmt.Errorf("%w: %q: missing adapter address", ErrInvalidSpec, spec)
		}

		return func() (Link, error) { return DialTCP(arg, dialTimeout) }, nil

	case "sim":
		var delay time.Duration
		if arg != "" {
			d, err := time.ParseDuration(arg)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("%w: %q: bad simulated delay", ErrInvalidSpec, spec)
			}
			delay = d
		}

		return func() (Link, error) {
			target, err := NewSimTarget(WithSimDelay(delay))
			if err != nil {
				return nil, err
			}

			return target.Link(), nil
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q: expected serial:, tcp: or sim", ErrInvalidSpec, spec)
	}
}
