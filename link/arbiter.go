package link

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/arloliu/go-debugd/internal/sockfd"
	"github.com/arloliu/go-debugd/logger"
	"github.com/arloliu/go-debugd/poller"
	"github.com/arloliu/go-debugd/wire"
)

// readChunk is the size of one non-blocking read from the link.
const readChunk = 4096

// Status is the outcome of one Poll call.
type Status uint8

const (
	// Idle means no transaction is InFlight.
	Idle Status = iota
	// StillRunning means the InFlight transaction awaits its reply.
	StillRunning
	// Completed means the InFlight transaction received its reply.
	Completed
	// TxnFailed means the InFlight transaction failed; see Result.Err.
	TxnFailed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "Idle"
	case StillRunning:
		return "StillRunning"
	case Completed:
		return "Completed"
	case TxnFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Result is returned by Poll. Txn is set for Completed and TxnFailed.
type Result struct {
	Status Status
	Txn    *Transaction
	Err    error
}

// Arbiter serializes transactions onto the hardware link.
type Arbiter struct {
	cfg    *Config
	logger logger.Logger
	opener Opener

	link        Link
	lastAttempt time.Time
	dec         *wire.FrameDecoder
	readBuf     []byte

	inflight *Transaction
	deadline time.Time
	wbuf     []byte
	written  int

	metrics *Metrics
}

// NewArbiter opens the link and returns an idle arbiter.
//
// Failing to open the link at startup is fatal to the caller; later link
// losses are handled by the arbiter itself.
func NewArbiter(opener Opener, cfg *Config) (*Arbiter, error) {
	if opener == nil {
		return nil, errors.New("link: opener is nil")
	}
	if cfg == nil {
		var err error
		if cfg, err = NewConfig(); err != nil {
			return nil, err
		}
	}

	a := &Arbiter{
		cfg:     cfg,
		logger:  cfg.logger,
		opener:  opener,
		dec:     wire.NewFrameDecoder(cfg.maxFrameSize),
		readBuf: make([]byte, readChunk),
		metrics: newMetrics(),
	}

	l, err := opener()
	if err != nil {
		return nil, fmt.Errorf("link: open hardware link: %w", err)
	}
	a.link = l
	a.logger.Info("hardware link opened", "link", l.String())

	return a, nil
}

// Submit puts txn on the link. It returns false, leaving txn untouched,
// when another transaction is already InFlight.
func (a *Arbiter) Submit(txn *Transaction) bool {
	if a.inflight != nil {
		return false
	}

	if a.link == nil {
		a.tryReopen()
	}

	txn.State = InFlight
	txn.SubmittedAt = time.Now()
	a.inflight = txn
	a.deadline = txn.SubmittedAt.Add(a.cfg.txnTimeout)
	a.wbuf = wire.AppendFrame(a.wbuf[:0], wire.Frame{ID: txn.ID, Payload: txn.Payload})
	a.written = 0

	a.metrics.Submitted.Inc()
	a.metrics.incInFlight()

	a.logger.Debug("transaction submitted",
		"txn", txn.ID,
		"session", txn.SessionID,
		"size", len(txn.Payload))

	return true
}

// Poll advances the InFlight transaction without blocking.
//
// When idle it still drains the link so late replies are discarded and a
// lost adapter is noticed.
func (a *Arbiter) Poll() Result {
	if a.link == nil {
		if a.inflight == nil {
			return Result{Status: Idle}
		}

		return a.failInflight(ErrLinkDown)
	}

	if a.inflight != nil && a.written < len(a.wbuf) {
		if err := a.flush(); err != nil {
			a.linkLost(err)
			return a.failInflight(fmt.Errorf("%w: write: %w", ErrLinkDown, err))
		}
	}

	if err := a.fill(); err != nil {
		a.linkLost(err)
		if a.inflight == nil {
			return Result{Status: Idle}
		}

		return a.failInflight(fmt.Errorf("%w: read: %w", ErrLinkDown, err))
	}

	for {
		f, ok, err := a.dec.Next()
		if err != nil {
			a.logger.Warn("malformed frame on hardware link", "error", err)
			// the byte stream cannot be resynchronized; start over on a fresh link
			a.linkLost(err)
			if a.inflight == nil {
				return Result{Status: Idle}
			}

			return a.failInflight(fmt.Errorf("%w: %w", ErrMalformedReply, err))
		}
		if !ok {
			break
		}

		if a.inflight == nil || f.ID != a.inflight.ID {
			a.metrics.Discarded.Inc()
			a.logger.Debug("discard reply without in-flight transaction", "txn", f.ID)

			continue
		}

		if !f.OK() {
			return a.failInflight(fmt.Errorf("%w: %s", ErrTargetError, f.Payload))
		}

		return a.completeInflight(f.Payload)
	}

	if a.inflight == nil {
		return Result{Status: Idle}
	}

	if !time.Now().Before(a.deadline) {
		a.metrics.TimedOut.Inc()
		if a.written > 0 && a.written < len(a.wbuf) {
			// a partial frame is on the wire; the adapter cannot parse past it
			a.linkLost(ErrTimeout)
		}

		return a.failInflight(ErrTimeout)
	}

	return Result{Status: StillRunning, Txn: a.inflight}
}

// Busy reports whether a transaction is InFlight.
func (a *Arbiter) Busy() bool {
	return a.inflight != nil
}

// InFlight returns the InFlight transaction, or nil.
func (a *Arbiter) InFlight() *Transaction {
	return a.inflight
}

// Deadline returns the timeout of the InFlight transaction.
func (a *Arbiter) Deadline() (time.Time, bool) {
	if a.inflight == nil {
		return time.Time{}, false
	}

	return a.deadline, true
}

// Fd returns the link descriptor, or -1 while the link is down.
func (a *Arbiter) Fd() int {
	if a.link == nil {
		return -1
	}

	return a.link.Fd()
}

// Interest returns the readiness the reactor should wait for on Fd.
func (a *Arbiter) Interest() poller.Events {
	if a.link == nil {
		return 0
	}
	if a.inflight != nil && a.written < len(a.wbuf) {
		return poller.Readable | poller.Writable
	}

	return poller.Readable
}

// Up reports whether the link is open.
func (a *Arbiter) Up() bool {
	return a.link != nil
}

// GetMetrics returns the arbiter metrics.
func (a *Arbiter) GetMetrics() *Metrics {
	return a.metrics
}

// Close closes the link. An InFlight transaction is failed with ErrLinkDown.
func (a *Arbiter) Close() error {
	if a.inflight != nil {
		a.failInflight(ErrLinkDown)
	}
	if a.link == nil {
		return nil
	}

	err := a.link.Close()
	a.link = nil

	return err
}

func (a *Arbiter) flush() error {
	for a.written < len(a.wbuf) {
		n, err := a.link.Write(a.wbuf[a.written:])
		a.written += n
		if err != nil {
			if sockfd.IsWouldBlock(err) {
				return nil
			}

			return err
		}
	}

	return nil
}

func (a *Arbiter) fill() error {
	for {
		n, err := a.link.Read(a.readBuf)
		if n > 0 {
			a.dec.Feed(a.readBuf[:n])
		}
		if err != nil {
			if sockfd.IsWouldBlock(err) {
				return nil
			}

			return err
		}
		if n < len(a.readBuf) {
			return nil
		}
	}
}

func (a *Arbiter) completeInflight(resp []byte) Result {
	txn := a.inflight
	a.clearInflight()
	txn.complete(resp)
	a.metrics.Completed.Inc()

	a.logger.Debug("transaction completed", "txn", txn.ID, "session", txn.SessionID, "latency", txn.Latency())

	return Result{Status: Completed, Txn: txn}
}

func (a *Arbiter) failInflight(err error) Result {
	txn := a.inflight
	a.clearInflight()
	txn.fail(err)
	a.metrics.Failed.Inc()

	a.logger.Warn("transaction failed", "txn", txn.ID, "session", txn.SessionID, "error", err)

	return Result{Status: TxnFailed, Txn: txn, Err: err}
}

func (a *Arbiter) clearInflight() {
	a.inflight = nil
	a.wbuf = a.wbuf[:0]
	a.written = 0
	a.metrics.decInFlight()
}

func (a *Arbiter) linkLost(cause error) {
	if a.link == nil {
		return
	}

	level := a.logger.Error
	if errors.Is(cause, io.EOF) {
		level = a.logger.Warn
	}
	level("hardware link lost", "link", a.link.String(), "error", cause)

	_ = a.link.Close()
	a.link = nil
	a.dec.Reset()
	a.lastAttempt = time.Now()
}

func (a *Arbiter) tryReopen() {
	if time.Since(a.lastAttempt) < a.cfg.reconnectInterval {
		return
	}
	a.lastAttempt = time.Now()

	l, err := a.opener()
	if err != nil {
		a.logger.Warn("failed to reopen hardware link", "error", err)
		return
	}

	a.link = l
	a.metrics.Reconnects.Inc()
	a.logger.Info("hardware link reopened", "link", l.String())
}
