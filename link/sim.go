package link

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-debugd/wire"
	"golang.org/x/sys/unix"
)

// SimReply is the simulated target's answer to one command.
type SimReply struct {
	Payload []byte
	// Err makes the target answer with a non-zero status and Err's text.
	Err error
	// Delay postpones the reply, on top of the target-wide delay.
	Delay time.Duration
	// Drop makes the target never answer this command.
	Drop bool
}

// SimHandler computes the reply to one command.
type SimHandler func(cmd []byte) SimReply

// SimOption configures a SimTarget.
type SimOption func(*SimTarget)

// WithSimDelay delays every reply by d.
func WithSimDelay(d time.Duration) SimOption {
	return func(s *SimTarget) { s.delay = d }
}

// WithSimHandler replaces the default memory emulation.
func WithSimHandler(h SimHandler) SimOption {
	return func(s *SimTarget) { s.handler = h }
}

// SimTarget is an in-process debug target reached through a socketpair.
//
// The default handler emulates a word-addressed memory: "R <addr>" returns
// the stored value (0 when unset) and "W <addr> <value>" stores a value.
// It records every command in arrival order and the largest number of
// commands it ever saw outstanding, which lets tests assert that the link
// never carried two commands at once.
type SimTarget struct {
	delay   time.Duration
	handler SimHandler

	link *fdLink
	file *os.File

	mu             sync.Mutex
	memory         map[uint64]uint64
	received       []string
	outstanding    int
	maxOutstanding int

	wg sync.WaitGroup
}

// NewSimTarget starts a simulated target and returns it.
func NewSimTarget(opts ...SimOption) (*SimTarget, error) {
	s := &SimTarget{memory: make(map[uint64]uint64)}
	s.handler = s.memoryHandler
	for _, opt := range opts {
		opt(s)
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("link: sim socketpair: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, fmt.Errorf("link: sim socketpair: %w", err)
	}

	s.link = newFdLink(fds[0], "sim")
	s.link.onClose = func() error {
		s.wg.Wait()
		return nil
	}
	s.file = os.NewFile(uintptr(fds[1]), "sim-target")

	requests := make(chan wire.Frame, 64)
	s.wg.Add(2)
	go s.readLoop(requests)
	go s.replyLoop(requests)

	return s, nil
}

// Link returns the daemon side of the target. Closing it stops the target.
func (s *SimTarget) Link() Link {
	return s.link
}

// Received returns the commands received so far, in arrival order.
func (s *SimTarget) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.received...)
}

// MaxOutstanding returns the largest number of commands that were received
// but not yet answered at the same time.
func (s *SimTarget) MaxOutstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.maxOutstanding
}

// Memory returns the value stored at addr.
func (s *SimTarget) Memory(addr uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.memory[addr]
}

// Disconnect closes the target side, as if the adapter was unplugged.
func (s *SimTarget) Disconnect() {
	_ = unix.Shutdown(int(s.file.Fd()), unix.SHUT_RDWR)
}

func (s *SimTarget) readLoop(requests chan<- wire.Frame) {
	defer s.wg.Done()
	defer close(requests)

	dec := wire.NewFrameDecoder(0)
	buf := make([]byte, 4096)
	for {
		n, err := s.file.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				f, ok, derr := dec.Next()
				if derr != nil {
					dec.Reset()
					break
				}
				if !ok {
					break
				}

				s.mu.Lock()
				s.received = append(s.received, string(f.Payload))
				s.outstanding++
				s.maxOutstanding = max(s.maxOutstanding, s.outstanding)
				s.mu.Unlock()

				requests <- f
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *SimTarget) replyLoop(requests <-chan wire.Frame) {
	defer s.wg.Done()
	defer s.file.Close()

	for req := range requests {
		reply := s.handler(req.Payload)
		time.Sleep(s.delay + reply.Delay)

		s.mu.Lock()
		s.outstanding--
		s.mu.Unlock()

		if reply.Drop {
			continue
		}

		out := wire.Frame{ID: req.ID, Status: wire.StatusOK, Payload: reply.Payload}
		if reply.Err != nil {
			out.Status = wire.StatusError
			out.Payload = []byte(reply.Err.Error())
		}
		// a failed write means the daemon side is gone; readLoop ends on its own
		_, _ = s.file.Write(wire.AppendFrame(nil, out))
	}
}

func (s *SimTarget) memoryHandler(cmd []byte) SimReply {
	fields := strings.Fields(string(cmd))
	if len(fields) == 0 {
		return SimReply{Err: errors.New("empty command")}
	}

	parse := func(v string) (uint64, error) {
		return strconv.ParseUint(v, 0, 64)
	}

	switch strings.ToUpper(fields[0]) {
	case "R":
		if len(fields) != 2 {
			return SimReply{Err: errors.New("usage: R <addr>")}
		}
		addr, err := parse(fields[1])
		if err != nil {
			return SimReply{Err: fmt.Errorf("bad address %q", fields[1])}
		}

		return SimReply{Payload: []byte(fmt.Sprintf("0x%08X", s.Memory(addr)))}

	case "W":
		if len(fields) != 3 {
			return SimReply{Err: errors.New("usage: W <addr> <value>")}
		}
		addr, err := parse(fields[1])
		if err != nil {
			return SimReply{Err: fmt.Errorf("bad address %q", fields[1])}
		}
		value, err := parse(fields[2])
		if err != nil {
			return SimReply{Err: fmt.Errorf("bad value %q", fields[2])}
		}
		s.mu.Lock()
		s.memory[addr] = value
		s.mu.Unlock()

		return SimReply{Payload: []byte("OK")}

	default:
		return SimReply{Err: fmt.Errorf("unknown command %q", fields[0])}
	}
}
