package daemon

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/arloliu/go-debugd/internal/queue"
	"github.com/arloliu/go-debugd/internal/sockfd"
	"github.com/arloliu/go-debugd/link"
	"github.com/arloliu/go-debugd/logger"
	"github.com/arloliu/go-debugd/poller"
	"github.com/arloliu/go-debugd/wire"
	"golang.org/x/sys/unix"
)

const (
	readBufferSize   = 16 * 1024
	maxReadsPerEvent = 16
)

// Registry owns every client session and its descriptor registration.
//
// Commands parsed from a session are queued on the session, for in-order
// delivery of their replies, and on the shared dispatch queue, for the
// hardware link. The registry is not safe for concurrent use.
type Registry struct {
	cfg      *Config
	mux      poller.Multiplexer
	dispatch queue.Queue[*link.Transaction]
	metrics  *Metrics
	logger   logger.Logger

	sessions map[int]*Session    // by descriptor
	byID     map[uint64]*Session // by session id
	lastID   uint64
	lastTxn  uint32

	listenFd     int
	acceptPaused bool
	readBuf      []byte

	// onShutdown decides a Shutdown record; nil rejects it.
	onShutdown func(*Session) bool
}

// NewRegistry creates a registry that registers sessions with mux and
// appends their commands to dispatch.
func NewRegistry(mux poller.Multiplexer, dispatch queue.Queue[*link.Transaction], cfg *Config) *Registry {
	return &Registry{
		cfg:      cfg,
		mux:      mux,
		dispatch: dispatch,
		metrics:  newMetrics(),
		logger:   cfg.logger,
		sessions: make(map[int]*Session),
		byID:     make(map[uint64]*Session),
		listenFd: -1,
		readBuf:  make([]byte, readBufferSize),
	}
}

// Metrics returns the session metrics.
func (r *Registry) Metrics() *Metrics {
	return r.metrics
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// Session returns the session owning fd.
func (r *Registry) Session(fd int) *Session {
	return r.sessions[fd]
}

// Lookup returns the live session with the given id.
func (r *Registry) Lookup(id uint64) *Session {
	return r.byID[id]
}

// AcceptPaused reports whether accepting is deferred until a session closes.
func (r *Registry) AcceptPaused() bool {
	return r.acceptPaused
}

// OnAccept accepts one pending connection on listenFd and registers its session.
//
// It returns a nil session and nil error when no connection is pending.
// At capacity the connection is left in the backlog, listener interest is
// dropped until a session closes, and poller.ErrCapacity is returned.
func (r *Registry) OnAccept(listenFd int) (*Session, error) {
	r.listenFd = listenFd

	if len(r.sessions) >= r.cfg.maxSessions || r.mux.Len() >= r.mux.Cap() {
		r.pauseAccept()
		return nil, poller.ErrCapacity
	}

	fd, remote, err := sockfd.Accept(listenFd)
	if err != nil {
		switch {
		case sockfd.IsWouldBlock(err), errors.Is(err, unix.ECONNABORTED):
			return nil, nil
		case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
			r.pauseAccept()
			return nil, fmt.Errorf("%w: %w", poller.ErrCapacity, err)
		default:
			return nil, fmt.Errorf("daemon: accept: %w", err)
		}
	}

	r.lastID++
	s := newSession(r.lastID, fd, remote, r.cfg)
	if err := r.mux.Register(fd, poller.Readable); err != nil {
		_ = sockfd.Close(fd)
		r.pauseAccept()

		return nil, err
	}

	s.activate()
	r.sessions[fd] = s
	r.byID[s.id] = s
	r.metrics.Accepted.Inc()
	r.metrics.sessions.Add(1)

	s.logger.Info("session opened", "fd", fd, "sessions", len(r.sessions))

	return s, nil
}

// OnReadable reads the bytes available on the session socket and queues the
// commands they complete. End of stream starts draining the session.
func (r *Registry) OnReadable(s *Session) {
	if s.state != Active {
		return
	}

	for i := 0; i < maxReadsPerEvent; i++ {
		n, err := sockfd.Read(s.fd, r.readBuf)
		if n > 0 {
			s.dec.Feed(r.readBuf[:n])
		}
		if err == nil {
			if n < len(r.readBuf) {
				break
			}

			continue
		}

		if sockfd.IsWouldBlock(err) {
			break
		}

		r.parse(s)
		if errors.Is(err, io.EOF) {
			s.logger.Debug("client closed its side", "pending", s.Pending())
			s.beginDrain(time.Now())
			r.deliver(s)

			return
		}
		r.OnError(s, err)

		return
	}

	r.parse(s)
	r.deliver(s)
}

// OnWritable flushes the session's outbound bytes. A draining session with
// nothing left to send is closed.
func (r *Registry) OnWritable(s *Session) {
	if s.state == Closed {
		return
	}
	if r.flush(s) {
		r.update(s)
	}
}

// OnError handles a socket error. A session that still owes output drains;
// otherwise, or if it was already draining, it is closed.
func (r *Registry) OnError(s *Session, err error) {
	if s.state == Closed {
		return
	}

	owes := s.Outbound() > 0 || s.Pending() > 0
	if s.state != Draining && owes {
		s.logger.Warn("session error, draining", "error", err)
		s.beginDrain(time.Now())
		r.update(s)

		return
	}

	r.closeSession(s, err)
}

// Route delivers a finished transaction to its session. Transactions of a
// session that has closed are discarded.
func (r *Registry) Route(txn *link.Transaction) {
	s := r.byID[txn.SessionID]
	if s == nil {
		r.metrics.Orphaned.Inc()
		r.logger.Debug("discard result of closed session", "session", txn.SessionID, "txn", txn.ID, "state", txn.State)

		return
	}

	r.deliver(s)
}

// ExpireDrains closes draining sessions whose deadline passed.
func (r *Registry) ExpireDrains(now time.Time) {
	for _, s := range r.sessions {
		if s.expired(now) {
			r.metrics.DrainTimeouts.Inc()
			r.closeSession(s, ErrDrainTimeout)
		}
	}
}

// Draining reports whether any session is draining.
func (r *Registry) Draining() bool {
	for _, s := range r.sessions {
		if s.state == Draining {
			return true
		}
	}

	return false
}

// DrainAll stops reading from every session; each closes once its replies
// are flushed.
func (r *Registry) DrainAll(now time.Time) {
	for _, s := range r.sessions {
		s.beginDrain(now)
		r.update(s)
	}
}

// CloseAll closes every session immediately.
func (r *Registry) CloseAll(cause error) {
	for _, s := range r.sessions {
		r.closeSession(s, cause)
	}
}

// StopAccepting forgets the listener; closing sessions no longer resumes it.
func (r *Registry) StopAccepting() {
	r.listenFd = -1
	r.acceptPaused = false
}

func (r *Registry) parse(s *Session) {
	for s.state == Active {
		rec, ok, err := s.dec.Next()
		if err != nil {
			r.protocolError(s, err)
			return
		}
		if !ok {
			return
		}

		switch rec.Kind {
		case wire.KindCommand:
			r.metrics.Commands.Inc()
			if len(rec.Payload) == 0 {
				s.push(&reply{txn: link.NewFailedTransaction(s.id, ErrEmptyCommand)})
				continue
			}

			txn := link.NewTransaction(r.nextTxnID(), s.id, rec.Payload)
			s.push(&reply{txn: txn})
			r.dispatch.Enqueue(txn)

		case wire.KindShutdown:
			if r.onShutdown != nil && r.onShutdown(s) {
				s.push(&reply{kind: wire.KindShutdownAck})
			} else {
				s.push(&reply{txn: link.NewFailedTransaction(s.id, ErrRemoteStopDisabled)})
			}

		default:
			r.protocolError(s, fmt.Errorf("%w: %s", ErrUnexpectedRecord, rec.Kind))
			return
		}
	}
}

// protocolError answers with an error record after the replies already owed,
// then drains the session.
func (r *Registry) protocolError(s *Session, err error) {
	r.metrics.FramingErrors.Inc()
	s.logger.Warn("malformed client record", "error", err)

	s.push(&reply{txn: link.NewFailedTransaction(s.id, err)})
	s.beginDrain(time.Now())
}

// deliver moves ready replies to the outbound buffer and writes them out.
// A session whose unwritten output exceeds the limit is closed.
func (r *Registry) deliver(s *Session) {
	if n := s.deliver(r.metrics); n > 0 {
		s.progress(time.Now())
	}

	if !r.flush(s) {
		return
	}
	if s.overflowed() {
		r.metrics.Overflows.Inc()
		r.closeSession(s, ErrOutboundOverflow)

		return
	}
	r.update(s)
}

// flush writes pending output; it returns false if the session was closed.
func (r *Registry) flush(s *Session) bool {
	if s.Outbound() == 0 {
		return true
	}

	n, err := s.flush()
	if n > 0 {
		s.progress(time.Now())
	}
	if err != nil {
		r.closeSession(s, fmt.Errorf("daemon: write: %w", err))
		return false
	}

	return true
}

// update closes a drained session or refreshes its interest.
func (r *Registry) update(s *Session) {
	if s.drained() {
		r.closeSession(s, nil)
		return
	}
	r.mux.Modify(s.fd, s.interest())
}

func (r *Registry) closeSession(s *Session, cause error) {
	if s.state == Closed {
		return
	}

	r.mux.Unregister(s.fd)
	if err := sockfd.Close(s.fd); err != nil {
		s.logger.Warn("close session socket", "error", err)
	}
	delete(r.sessions, s.fd)
	delete(r.byID, s.id)

	dropped := s.replies.Length()
	s.replies.Reset()
	s.state = Closed
	r.metrics.Closed.Inc()
	r.metrics.sessions.Add(-1)

	if cause != nil {
		s.logger.Info("session closed", "reason", cause, "dropped_replies", dropped, "duration", time.Since(s.createdAt))
	} else {
		s.logger.Info("session closed", "duration", time.Since(s.createdAt))
	}

	if r.acceptPaused && r.listenFd >= 0 {
		r.acceptPaused = false
		r.mux.Modify(r.listenFd, poller.Readable)
		r.logger.Info("resume accepting connections", "sessions", len(r.sessions))
	}
}

func (r *Registry) pauseAccept() {
	if r.acceptPaused || r.listenFd < 0 {
		return
	}

	r.acceptPaused = true
	r.mux.Modify(r.listenFd, 0)
	r.metrics.Deferred.Inc()
	r.logger.Warn("descriptor capacity reached, deferring new connections",
		"sessions", len(r.sessions), "capacity", r.mux.Cap())
}

func (r *Registry) nextTxnID() uint32 {
	r.lastTxn++
	if r.lastTxn == 0 {
		r.lastTxn++
	}

	return r.lastTxn
}
