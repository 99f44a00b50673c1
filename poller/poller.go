package poller

import (
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultCapacity matches the classic select(2) FD_SETSIZE bound.
const DefaultCapacity = 1024

// ErrCapacity is returned by Register when the descriptor set is full.
var ErrCapacity = errors.New("poller: descriptor capacity reached")

// Events is a bit set of readiness interests.
type Events uint8

const (
	// Readable asks to be notified when the descriptor has data to read.
	Readable Events = 1 << iota
	// Writable asks to be notified when the descriptor accepts writes.
	Writable
)

func (e Events) String() string {
	switch e {
	case 0:
		return "none"
	case Readable:
		return "r"
	case Writable:
		return "w"
	case Readable | Writable:
		return "rw"
	default:
		return fmt.Sprintf("Events(%d)", uint8(e))
	}
}

// Event describes one ready descriptor.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	// Hangup is set on POLLHUP, POLLERR or POLLNVAL.
	Hangup bool
}

// WaitMode selects how long Wait may block.
type WaitMode struct {
	bounded bool
	timeout time.Duration
}

// Blocking returns a mode that waits until at least one descriptor is ready.
func Blocking() WaitMode {
	return WaitMode{}
}

// Bounded returns a mode that waits at most d.
func Bounded(d time.Duration) WaitMode {
	if d < 0 {
		d = 0
	}

	return WaitMode{bounded: true, timeout: d}
}

// IsBlocking reports whether the mode waits indefinitely.
func (m WaitMode) IsBlocking() bool {
	return !m.bounded
}

// Timeout returns the bound of a Bounded mode, or -1 for Blocking.
func (m WaitMode) Timeout() time.Duration {
	if !m.bounded {
		return -1
	}

	return m.timeout
}

func (m WaitMode) String() string {
	if !m.bounded {
		return "blocking"
	}

	return "bounded(" + m.timeout.String() + ")"
}

// pollTimeoutMillis converts the mode to a poll(2) timeout, rounding up so a
// sub-millisecond bound does not turn into a busy loop.
func (m WaitMode) pollTimeoutMillis() int {
	if !m.bounded {
		return -1
	}
	ms := (m.timeout + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}

	return int(ms)
}

// Multiplexer reports readiness of registered descriptors.
type Multiplexer interface {
	// Register adds fd with the given interest. Registering an already
	// registered descriptor is a no-op.
	Register(fd int, events Events) error
	// Modify changes the interest of a registered descriptor.
	Modify(fd int, events Events)
	// Unregister removes fd. Unknown descriptors are ignored.
	Unregister(fd int)
	// Wait returns the ready descriptors. With an empty set it returns
	// immediately with no events.
	Wait(mode WaitMode) ([]Event, error)
	// Len returns the number of registered descriptors.
	Len() int
	// Cap returns the maximum number of registered descriptors.
	Cap() int
}

// Poller is a poll(2) based Multiplexer.
type Poller struct {
	capacity  int
	index     map[int]int // fd -> position in fds
	fds       []unix.PollFd
	ready     []Event
	highWater int
}

var _ Multiplexer = (*Poller)(nil)

// New creates a Poller holding at most capacity descriptors.
// A non-positive capacity selects DefaultCapacity.
func New(capacity int) *Poller {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Poller{
		capacity:  capacity,
		index:     make(map[int]int),
		highWater: -1,
	}
}

// Register implements Multiplexer.
func (p *Poller) Register(fd int, events Events) error {
	if fd < 0 {
		return fmt.Errorf("poller: invalid descriptor %d", fd)
	}
	if _, ok := p.index[fd]; ok {
		return nil
	}
	if len(p.fds) >= p.capacity {
		return ErrCapacity
	}

	p.index[fd] = len(p.fds)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: toPollEvents(events)}) //nolint:gosec
	if fd > p.highWater {
		p.highWater = fd
	}

	return nil
}

// Modify implements Multiplexer.
func (p *Poller) Modify(fd int, events Events) {
	if i, ok := p.index[fd]; ok {
		p.fds[i].Events = toPollEvents(events)
	}
}

// Interest returns the registered interest of fd and whether it is registered.
func (p *Poller) Interest(fd int) (Events, bool) {
	i, ok := p.index[fd]
	if !ok {
		return 0, false
	}

	return fromPollEvents(p.fds[i].Events), true
}

// Unregister implements Multiplexer.
func (p *Poller) Unregister(fd int) {
	i, ok := p.index[fd]
	if !ok {
		return
	}

	last := len(p.fds) - 1
	if i != last {
		p.fds[i] = p.fds[last]
		p.index[int(p.fds[i].Fd)] = i
	}
	p.fds = p.fds[:last]
	delete(p.index, fd)

	if fd == p.highWater {
		p.highWater = -1
		for _, pfd := range p.fds {
			if int(pfd.Fd) > p.highWater {
				p.highWater = int(pfd.Fd)
			}
		}
	}
}

// Wait implements Multiplexer.
//
// The returned slice is reused by the next call.
func (p *Poller) Wait(mode WaitMode) ([]Event, error) {
	if len(p.fds) == 0 {
		return nil, nil
	}

	for i := range p.fds {
		p.fds[i].Revents = 0
	}

	n, err := unix.Poll(p.fds, mode.pollTimeoutMillis())
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}

		return nil, fmt.Errorf("poller: poll: %w", err)
	}

	p.ready = p.ready[:0]
	for i := 0; i < len(p.fds) && len(p.ready) < n; i++ {
		re := p.fds[i].Revents
		if re == 0 {
			continue
		}
		p.ready = append(p.ready, Event{
			Fd:       int(p.fds[i].Fd),
			Readable: re&(unix.POLLIN|unix.POLLPRI) != 0,
			Writable: re&unix.POLLOUT != 0,
			Hangup:   re&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0,
		})
	}

	return p.ready, nil
}

// Len implements Multiplexer.
func (p *Poller) Len() int {
	return len(p.fds)
}

// Cap implements Multiplexer.
func (p *Poller) Cap() int {
	return p.capacity
}

// HighWater returns the largest registered descriptor, or -1 when empty.
func (p *Poller) HighWater() int {
	return p.highWater
}

func toPollEvents(events Events) int16 {
	var ev int16
	if events&Readable != 0 {
		ev |= unix.POLLIN
	}
	if events&Writable != 0 {
		ev |= unix.POLLOUT
	}

	return ev
}

func fromPollEvents(ev int16) Events {
	var events Events
	if ev&unix.POLLIN != 0 {
		events |= Readable
	}
	if ev&unix.POLLOUT != 0 {
		events |= Writable
	}

	return events
}
