package daemon

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Metrics contains daemon counters, readable from any goroutine.
type Metrics struct {
	// Accepted counts accepted client connections.
	Accepted *xsync.Counter
	// Closed counts destroyed sessions.
	Closed *xsync.Counter
	// Deferred counts times accepting was paused at descriptor capacity.
	Deferred *xsync.Counter
	// Commands counts command records received from clients.
	Commands *xsync.Counter
	// Responses counts response records queued to clients.
	Responses *xsync.Counter
	// Errors counts error records queued to clients.
	Errors *xsync.Counter
	// FramingErrors counts sessions closed for malformed records.
	FramingErrors *xsync.Counter
	// Overflows counts sessions closed for exceeding the outbound limit.
	Overflows *xsync.Counter
	// DrainTimeouts counts draining sessions closed for making no progress.
	DrainTimeouts *xsync.Counter
	// Dropped counts queued transactions dropped because their session closed.
	Dropped *xsync.Counter
	// Orphaned counts finished transactions whose session had already closed.
	Orphaned *xsync.Counter

	sessions atomic.Int64
}

func newMetrics() *Metrics {
	return &Metrics{
		Accepted:      xsync.NewCounter(),
		Closed:        xsync.NewCounter(),
		Deferred:      xsync.NewCounter(),
		Commands:      xsync.NewCounter(),
		Responses:     xsync.NewCounter(),
		Errors:        xsync.NewCounter(),
		FramingErrors: xsync.NewCounter(),
		Overflows:     xsync.NewCounter(),
		DrainTimeouts: xsync.NewCounter(),
		Dropped:       xsync.NewCounter(),
		Orphaned:      xsync.NewCounter(),
	}
}

// Sessions returns the number of live sessions.
func (m *Metrics) Sessions() int {
	return int(m.sessions.Load())
}
