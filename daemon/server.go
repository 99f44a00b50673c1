package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-debugd/internal/queue"
	"github.com/arloliu/go-debugd/internal/sockfd"
	"github.com/arloliu/go-debugd/link"
	"github.com/arloliu/go-debugd/logger"
	"github.com/arloliu/go-debugd/poller"
)

// Server is the debug daemon reactor.
//
// One goroutine runs the loop: it waits on the multiplexer, services client
// sessions and keeps the hardware link busy with the head of the dispatch
// queue. Stop, State and the metrics accessors may be called from any goroutine.
type Server struct {
	cfg    *Config
	logger logger.Logger

	mux      *poller.Poller
	waker    *poller.Waker
	wakeMu   sync.Mutex
	arbiter  *link.Arbiter
	registry *Registry
	dispatch queue.Queue[*link.Transaction]

	listenFd int
	port     int
	linkFd   int

	state            atomicServerState
	stopReq          atomic.Bool
	closed           atomic.Bool
	shutdownDeadline time.Time
	nextSummary      time.Time

	closeOnce sync.Once
	closeErr  error
}

// NewServer binds the listening socket and opens the hardware link.
//
// Both are startup-fatal: on error nothing is left open.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("daemon: config is nil")
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.logger,
		mux:      poller.New(cfg.capacity()),
		dispatch: queue.NewSliceQueue[*link.Transaction](64),
		listenFd: -1,
		linkFd:   -1,
	}

	waker, err := poller.NewWaker()
	if err != nil {
		return nil, err
	}
	s.waker = waker

	s.listenFd, s.port, err = sockfd.Listen(cfg.host, cfg.port, cfg.backlog)
	if err != nil {
		_ = waker.Close()
		return nil, fmt.Errorf("daemon: listen on %s: %w", cfg.Addr(), err)
	}

	abort := func(err error) (*Server, error) {
		_ = sockfd.Close(s.listenFd)
		_ = waker.Close()

		return nil, err
	}

	opener, err := cfg.linkOpener()
	if err != nil {
		return abort(err)
	}
	linkCfg, err := cfg.linkConfig()
	if err != nil {
		return abort(err)
	}
	s.arbiter, err = link.NewArbiter(opener, linkCfg)
	if err != nil {
		return abort(err)
	}

	s.registry = NewRegistry(s.mux, s.dispatch, cfg)
	s.registry.onShutdown = s.remoteStop

	return s, nil
}

// Port returns the bound listen port.
func (s *Server) Port() int { return s.port }

// State returns the server state.
func (s *Server) State() ServerState { return s.state.Get() }

// Metrics returns the session metrics.
func (s *Server) Metrics() *Metrics { return s.registry.Metrics() }

// LinkMetrics returns the hardware link metrics.
func (s *Server) LinkMetrics() *link.Metrics { return s.arbiter.GetMetrics() }

// Run executes the reactor until Stop is called, ctx is done, or a client
// sends an accepted Shutdown record. A clean shutdown returns nil.
//
// Shutdown stops accepting and reading, fails commands that never reached
// the link, lets the in-flight transaction finish and flushes every session.
func (s *Server) Run(ctx context.Context) error {
	if s.closed.Load() || !s.state.ToStarting() {
		return ErrServerClosed
	}
	defer s.Close()

	if err := s.registerFds(); err != nil {
		return err
	}
	s.state.ToRunning()

	stopOnDone := context.AfterFunc(ctx, s.Stop)
	defer stopOnDone()

	if s.cfg.metricsInterval > 0 {
		s.nextSummary = time.Now().Add(s.cfg.metricsInterval)
	}

	s.logger.Info("debug daemon started",
		"addr", s.cfg.host, "port", s.port,
		"link", s.cfg.linkSpec, "max_sessions", s.cfg.maxSessions)

	for {
		if s.stopReq.Load() && s.shutdownDeadline.IsZero() {
			s.beginShutdown(time.Now())
		}
		if s.finished() {
			break
		}

		s.pump()
		s.syncLink()

		events, err := s.mux.Wait(s.waitMode(time.Now()))
		if err != nil {
			s.logger.Error("multiplexer failed", "error", err)
			return err
		}
		s.handle(events)
		s.pump()

		now := time.Now()
		s.registry.ExpireDrains(now)
		if !s.shutdownDeadline.IsZero() && !now.Before(s.shutdownDeadline) {
			s.logger.Warn("shutdown deadline passed, closing remaining sessions", "sessions", s.registry.Len())
			s.registry.CloseAll(ErrShuttingDown)
			break
		}
		if !s.nextSummary.IsZero() && !now.Before(s.nextSummary) {
			s.logSummary()
			s.nextSummary = now.Add(s.cfg.metricsInterval)
		}
	}

	s.logSummary()
	s.logger.Info("debug daemon stopped")

	return nil
}

// Stop requests a clean shutdown. It is safe to call from any goroutine,
// including a signal handler goroutine, and more than once.
func (s *Server) Stop() {
	s.stopReq.Store(true)

	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	if s.waker != nil {
		if err := s.waker.Wake(); err != nil {
			s.logger.Warn("failed to wake reactor", "error", err)
		}
	}
}

// Close releases the listener, the link and every session. Run calls it on
// return; call it directly only for a server that was never run.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		var errs []error
		if s.registry != nil {
			s.registry.CloseAll(ErrShuttingDown)
		}
		if s.listenFd >= 0 {
			errs = append(errs, sockfd.Close(s.listenFd))
			s.listenFd = -1
		}
		if s.arbiter != nil {
			errs = append(errs, s.arbiter.Close())
		}

		s.wakeMu.Lock()
		if s.waker != nil {
			errs = append(errs, s.waker.Close())
			s.waker = nil
		}
		s.wakeMu.Unlock()

		s.state.ToStopping()
		s.state.ToStopped()
		s.closeErr = errors.Join(errs...)
	})

	return s.closeErr
}

func (s *Server) registerFds() error {
	if err := s.mux.Register(s.waker.Fd(), poller.Readable); err != nil {
		return fmt.Errorf("daemon: register wake pipe: %w", err)
	}
	if err := s.mux.Register(s.listenFd, poller.Readable); err != nil {
		return fmt.Errorf("daemon: register listener: %w", err)
	}
	s.syncLink()

	return nil
}

// pump routes finished transactions and keeps the link busy with the
// dispatch queue head.
func (s *Server) pump() {
	for {
		res := s.arbiter.Poll()
		if res.Status == link.Completed || res.Status == link.TxnFailed {
			s.registry.Route(res.Txn)
		}
		if s.arbiter.Busy() {
			return
		}

		txn, ok := s.nextDispatch()
		if !ok {
			return
		}
		s.arbiter.Submit(txn)
	}
}

// nextDispatch pops the dispatch head, dropping commands whose session closed.
func (s *Server) nextDispatch() (*link.Transaction, bool) {
	for {
		txn, ok := s.dispatch.Dequeue()
		if !ok {
			return nil, false
		}
		if s.registry.Lookup(txn.SessionID) != nil {
			return txn, true
		}

		txn.Cancel(ErrSessionClosed)
		s.registry.Metrics().Dropped.Inc()
		s.logger.Debug("drop command of closed session", "session", txn.SessionID, "txn", txn.ID)
	}
}

// syncLink keeps the multiplexer registration in step with the link, whose
// descriptor changes when it is reopened.
func (s *Server) syncLink() {
	fd := s.arbiter.Fd()
	if fd == s.linkFd {
		if fd >= 0 {
			s.mux.Modify(fd, s.arbiter.Interest())
		}

		return
	}

	if s.linkFd >= 0 {
		s.mux.Unregister(s.linkFd)
		s.linkFd = -1
	}
	if fd < 0 {
		return
	}
	if err := s.mux.Register(fd, s.arbiter.Interest()); err != nil {
		s.logger.Error("failed to register hardware link", "fd", fd, "error", err)
		return
	}
	s.linkFd = fd
}

func (s *Server) handle(events []poller.Event) {
	acceptReady := false
	for _, ev := range events {
		switch ev.Fd {
		case s.waker.Fd():
			s.waker.Drain()
		case s.listenFd:
			acceptReady = true
		case s.linkFd:
			// serviced by pump
		default:
			sess := s.registry.Session(ev.Fd)
			if sess == nil {
				continue
			}
			if ev.Readable {
				s.registry.OnReadable(sess)
			}
			if ev.Writable {
				s.registry.OnWritable(sess)
			}
			if ev.Hangup && sess.State() != Closed {
				s.registry.OnError(sess, ErrHangup)
			}
		}
	}

	// accept last so a descriptor closed above and reused by accept is not
	// mistaken for the old session within this batch
	if acceptReady {
		s.acceptAll()
	}
}

func (s *Server) acceptAll() {
	for s.listenFd >= 0 {
		sess, err := s.registry.OnAccept(s.listenFd)
		if err != nil {
			if !errors.Is(err, poller.ErrCapacity) {
				s.logger.Error("accept failed", "error", err)
			}

			return
		}
		if sess == nil {
			return
		}
	}
}

func (s *Server) waitMode(now time.Time) poller.WaitMode {
	d := time.Duration(-1)
	if s.arbiter.Busy() || s.registry.Draining() || !s.shutdownDeadline.IsZero() {
		d = s.cfg.pollInterval
	}
	if !s.nextSummary.IsZero() {
		until := max(s.nextSummary.Sub(now), 0)
		if d < 0 || until < d {
			d = until
		}
	}

	if d < 0 {
		return poller.Blocking()
	}

	return poller.Bounded(d)
}

func (s *Server) remoteStop(sess *Session) bool {
	if !s.cfg.allowRemoteStop {
		sess.logger.Warn("rejected remote stop request")
		return false
	}

	sess.logger.Info("remote stop requested")
	s.stopReq.Store(true)

	return true
}

func (s *Server) beginShutdown(now time.Time) {
	s.state.ToStopping()
	s.logger.Info("shutting down",
		"sessions", s.registry.Len(),
		"queued", s.dispatch.Length(),
		"in_flight", s.arbiter.Busy())

	if s.listenFd >= 0 {
		s.mux.Unregister(s.listenFd)
		_ = sockfd.Close(s.listenFd)
		s.listenFd = -1
		s.registry.StopAccepting()
	}

	for {
		txn, ok := s.dispatch.Dequeue()
		if !ok {
			break
		}
		txn.Cancel(ErrShuttingDown)
		s.registry.Route(txn)
	}

	s.registry.DrainAll(now)
	s.shutdownDeadline = now.Add(s.cfg.txnTimeout + s.cfg.drainTimeout)
}

func (s *Server) finished() bool {
	return !s.shutdownDeadline.IsZero() && s.registry.Len() == 0 && !s.arbiter.Busy()
}

func (s *Server) logSummary() {
	m := s.registry.Metrics()
	lm := s.arbiter.GetMetrics()

	s.logger.Info("daemon metrics",
		"sessions", m.Sessions(),
		"accepted", m.Accepted.Value(),
		"commands", m.Commands.Value(),
		"responses", m.Responses.Value(),
		"errors", m.Errors.Value(),
		"dropped", m.Dropped.Value(),
		"link_submitted", lm.Submitted.Value(),
		"link_completed", lm.Completed.Value(),
		"link_failed", lm.Failed.Value(),
		"link_timed_out", lm.TimedOut.Value(),
		"link_discarded", lm.Discarded.Value(),
		"link_reconnects", lm.Reconnects.Value(),
		"max_in_flight", lm.MaxInFlight(),
		"fd_high_water", s.mux.HighWater(),
	)
}
