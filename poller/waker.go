package poller

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Waker interrupts a blocking Wait from another goroutine.
//
// Its read end is registered as Readable; Wake writes a byte to the write end.
type Waker struct {
	r int
	w int
}

// NewWaker creates a non-blocking pipe pair.
func NewWaker() (*Waker, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("poller: create wake pipe: %w", err)
	}

	return &Waker{r: p[0], w: p[1]}, nil
}

// Fd returns the descriptor to register with the Multiplexer.
func (w *Waker) Fd() int {
	return w.r
}

// Wake makes the read end readable. It is safe for concurrent use.
func (w *Waker) Wake() error {
	_, err := unix.Write(w.w, []byte{1})
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("poller: wake: %w", err)
	}

	// EAGAIN means the pipe is full, so a wakeup is already pending.
	return nil
}

// Drain consumes pending wakeups.
func (w *Waker) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close closes both ends of the pipe.
func (w *Waker) Close() error {
	return errors.Join(unix.Close(w.r), unix.Close(w.w))
}
