package daemon

import (
	"time"

	"github.com/arloliu/go-debugd/internal/queue"
	"github.com/arloliu/go-debugd/internal/sockfd"
	"github.com/arloliu/go-debugd/link"
	"github.com/arloliu/go-debugd/logger"
	"github.com/arloliu/go-debugd/poller"
	"github.com/arloliu/go-debugd/wire"
)

// reply is one record owed to a client, in the order its requests arrived.
//
// A reply backed by a transaction becomes ready when the transaction is done.
type reply struct {
	txn  *link.Transaction
	kind wire.Kind
}

func (r *reply) ready() bool {
	return r.txn == nil || r.txn.Done()
}

func (r *reply) encode(dst []byte) ([]byte, wire.Kind) {
	if r.txn == nil {
		return wire.AppendRecord(dst, r.kind, nil), r.kind
	}
	if r.txn.State == link.Complete {
		return wire.AppendRecord(dst, wire.KindResponse, r.txn.Response), wire.KindResponse
	}

	return wire.AppendRecord(dst, wire.KindError, []byte(r.txn.Err.Error())), wire.KindError
}

// Session is the daemon side of one client connection.
//
// A Session is owned by the Registry and only touched by the reactor goroutine.
type Session struct {
	id        uint64
	fd        int
	remote    string
	state     SessionState
	createdAt time.Time

	dec     *wire.Decoder
	replies queue.Queue[*reply]
	out     []byte
	sent    int

	maxOutbound   int
	drainTimeout  time.Duration
	drainDeadline time.Time

	logger logger.Logger
}

func newSession(id uint64, fd int, remote string, cfg *Config) *Session {
	return &Session{
		id:           id,
		fd:           fd,
		remote:       remote,
		state:        Connecting,
		createdAt:    time.Now(),
		dec:          wire.NewDecoder(cfg.maxRecordSize),
		replies:      queue.NewSliceQueue[*reply](8),
		maxOutbound:  cfg.maxOutbound,
		drainTimeout: cfg.drainTimeout,
		logger:       cfg.logger.With("session", id, "remote", remote),
	}
}

// ID returns the session id.
func (s *Session) ID() uint64 { return s.id }

// Fd returns the session socket.
func (s *Session) Fd() int { return s.fd }

// Remote returns the peer address.
func (s *Session) Remote() string { return s.remote }

// State returns the lifecycle state.
func (s *Session) State() SessionState { return s.state }

// Pending returns the number of replies not yet encoded into the outbound buffer.
func (s *Session) Pending() int { return s.replies.Length() }

// Outbound returns the number of encoded bytes not yet written to the socket.
func (s *Session) Outbound() int { return len(s.out) - s.sent }

func (s *Session) activate() {
	if s.state == Connecting {
		s.state = Active
	}
}

func (s *Session) beginDrain(now time.Time) {
	if s.state == Connecting || s.state == Active {
		s.state = Draining
		s.drainDeadline = now.Add(s.drainTimeout)
	}
}

// progress re-arms the drain deadline.
func (s *Session) progress(now time.Time) {
	if s.state == Draining {
		s.drainDeadline = now.Add(s.drainTimeout)
	}
}

func (s *Session) drained() bool {
	return s.state == Draining && s.replies.IsEmpty() && s.Outbound() == 0
}

// expired reports a draining session whose peer stopped reading. Time spent
// waiting on the hardware for owed replies does not count.
func (s *Session) expired(now time.Time) bool {
	return s.state == Draining && s.Outbound() > 0 && !now.Before(s.drainDeadline)
}

func (s *Session) interest() poller.Events {
	var ev poller.Events
	if s.state == Active {
		ev |= poller.Readable
	}
	if s.Outbound() > 0 {
		ev |= poller.Writable
	}

	return ev
}

func (s *Session) push(r *reply) {
	s.replies.Enqueue(r)
}

// deliver encodes every ready reply at the head of the queue.
func (s *Session) deliver(m *Metrics) int {
	n := 0
	for {
		r, ok := s.replies.Peek()
		if !ok || !r.ready() {
			break
		}
		_, _ = s.replies.Dequeue()

		var kind wire.Kind
		s.out, kind = r.encode(s.out)
		if kind == wire.KindError {
			m.Errors.Inc()
		} else {
			m.Responses.Inc()
		}
		n++
	}

	return n
}

func (s *Session) overflowed() bool {
	return s.Outbound() > s.maxOutbound
}

// flush writes as much outbound data as the socket accepts.
func (s *Session) flush() (int, error) {
	total := 0
	for s.sent < len(s.out) {
		n, err := sockfd.Write(s.fd, s.out[s.sent:])
		s.sent += n
		total += n
		if err != nil {
			if sockfd.IsWouldBlock(err) {
				break
			}

			return total, err
		}
	}

	switch {
	case s.sent == len(s.out):
		s.out = s.out[:0]
		s.sent = 0
	case s.sent > len(s.out)/2:
		rest := copy(s.out, s.out[s.sent:])
		s.out = s.out[:rest]
		s.sent = 0
	}

	return total, nil
}
