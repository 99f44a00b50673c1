package link

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Metrics contains arbiter counters. They are updated by the reactor
// goroutine and may be read from any goroutine.
type Metrics struct {
	// Submitted counts transactions accepted by Submit.
	Submitted *xsync.Counter
	// Completed counts transactions answered by the target.
	Completed *xsync.Counter
	// Failed counts transactions failed for any reason, timeouts included.
	Failed *xsync.Counter
	// TimedOut counts transactions failed by the transaction timeout.
	TimedOut *xsync.Counter
	// Discarded counts reply frames that matched no in-flight transaction.
	Discarded *xsync.Counter
	// Reconnects counts successful reopens of a lost link.
	Reconnects *xsync.Counter

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newMetrics() *Metrics {
	return &Metrics{
		Submitted:  xsync.NewCounter(),
		Completed:  xsync.NewCounter(),
		Failed:     xsync.NewCounter(),
		TimedOut:   xsync.NewCounter(),
		Discarded:  xsync.NewCounter(),
		Reconnects: xsync.NewCounter(),
	}
}

// InFlight returns the number of transactions currently on the link.
func (m *Metrics) InFlight() int {
	return int(m.inFlight.Load())
}

// MaxInFlight returns the largest InFlight value ever observed. The arbiter
// guarantees it never exceeds one.
func (m *Metrics) MaxInFlight() int {
	return int(m.maxInFlight.Load())
}

func (m *Metrics) incInFlight() {
	n := m.inFlight.Add(1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (m *Metrics) decInFlight() {
	m.inFlight.Add(-1)
}
