package link

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-debugd/logger"
	"github.com/arloliu/go-debugd/poller"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

// simOpener returns an Opener that starts a new SimTarget on every call and
// keeps the targets for inspection.
type simOpener struct {
	mu      sync.Mutex
	opts    []SimOption
	targets []*SimTarget
	fail    bool
}

func (o *simOpener) open() (Link, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fail {
		return nil, errors.New("adapter unplugged")
	}
	target, err := NewSimTarget(o.opts...)
	if err != nil {
		return nil, err
	}
	o.targets = append(o.targets, target)

	return target.Link(), nil
}

func (o *simOpener) last() *SimTarget {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.targets[len(o.targets)-1]
}

func (o *simOpener) setFail(fail bool) {
	o.mu.Lock()
	o.fail = fail
	o.mu.Unlock()
}

func newTestArbiter(t *testing.T, o *simOpener, opts ...Option) *Arbiter {
	t.Helper()

	cfg, err := NewConfig(opts...)
	require.NoError(t, err)
	a, err := NewArbiter(o.open, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	return a
}

// pollUntilDone polls the arbiter until the in-flight transaction finishes.
func pollUntilDone(t *testing.T, a *Arbiter) Result {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res := a.Poll()
		if res.Status == Completed || res.Status == TxnFailed {
			return res
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("transaction did not finish")

	return Result{}
}

func TestArbiter_SubmitAndComplete(t *testing.T) {
	require := require.New(t)

	o := &simOpener{}
	a := newTestArbiter(t, o)

	require.Equal(Idle, a.Poll().Status)
	require.Equal(poller.Readable, a.Interest())
	require.GreaterOrEqual(a.Fd(), 0)

	txn := NewTransaction(1, 7, []byte("W 0x2000 5"))
	require.True(a.Submit(txn))
	require.True(a.Busy())
	require.Equal(InFlight, txn.State)
	_, ok := a.Deadline()
	require.True(ok)

	res := pollUntilDone(t, a)
	require.Equal(Completed, res.Status)
	require.Same(txn, res.Txn)
	require.Equal(Complete, txn.State)
	require.Equal("OK", string(txn.Response))
	require.False(a.Busy())

	txn = NewTransaction(2, 7, []byte("R 0x2000"))
	require.True(a.Submit(txn))
	res = pollUntilDone(t, a)
	require.Equal(Completed, res.Status)
	require.Equal("0x00000005", string(txn.Response))

	m := a.GetMetrics()
	require.Equal(int64(2), m.Submitted.Value())
	require.Equal(int64(2), m.Completed.Value())
	require.Equal(1, m.MaxInFlight())
	require.Equal(0, m.InFlight())
	require.Equal([]string{"W 0x2000 5", "R 0x2000"}, o.last().Received())
}

func TestArbiter_RejectsWhileBusy(t *testing.T) {
	require := require.New(t)

	o := &simOpener{opts: []SimOption{WithSimDelay(20 * time.Millisecond)}}
	a := newTestArbiter(t, o)

	first := NewTransaction(1, 1, []byte("R 0x10"))
	second := NewTransaction(2, 2, []byte("R 0x20"))
	require.True(a.Submit(first))
	require.False(a.Submit(second))
	require.Equal(Queued, second.State)
	require.Same(first, a.InFlight())

	pollUntilDone(t, a)
	require.True(a.Submit(second))
	pollUntilDone(t, a)

	require.Equal(1, o.last().MaxOutstanding())
	require.Equal(1, a.GetMetrics().MaxInFlight())
}

func TestArbiter_TargetError(t *testing.T) {
	require := require.New(t)

	a := newTestArbiter(t, &simOpener{})

	txn := NewTransaction(1, 1, []byte("X 1"))
	require.True(a.Submit(txn))
	res := pollUntilDone(t, a)

	require.Equal(TxnFailed, res.Status)
	require.ErrorIs(res.Err, ErrTargetError)
	require.Contains(res.Err.Error(), "unknown command")
	require.Equal(Failed, txn.State)
}

func TestArbiter_TimeoutThenNextTransaction(t *testing.T) {
	require := require.New(t)

	o := &simOpener{opts: []SimOption{WithSimHandler(func(cmd []byte) SimReply {
		if string(cmd) == "hang" {
			return SimReply{Drop: true}
		}
		if string(cmd) == "slow" {
			return SimReply{Payload: []byte("late"), Delay: 60 * time.Millisecond}
		}

		return SimReply{Payload: cmd}
	})}}
	a := newTestArbiter(t, o, WithTxnTimeout(30*time.Millisecond))

	hang := NewTransaction(1, 1, []byte("hang"))
	require.True(a.Submit(hang))
	res := pollUntilDone(t, a)
	require.Equal(TxnFailed, res.Status)
	require.ErrorIs(res.Err, ErrTimeout)
	require.False(a.Busy())
	require.Equal(Idle, a.Poll().Status)

	// the reply to "slow" arrives after its timeout and must not complete "next"
	slow := NewTransaction(2, 1, []byte("slow"))
	require.True(a.Submit(slow))
	res = pollUntilDone(t, a)
	require.ErrorIs(res.Err, ErrTimeout)

	require.Eventually(func() bool {
		require.Equal(Idle, a.Poll().Status)
		return a.GetMetrics().Discarded.Value() == 1
	}, time.Second, 5*time.Millisecond)

	next := NewTransaction(3, 2, []byte("echo"))
	require.True(a.Submit(next))
	res = pollUntilDone(t, a)
	require.Equal(Completed, res.Status)
	require.Equal("echo", string(next.Response))

	m := a.GetMetrics()
	require.Equal(int64(2), m.TimedOut.Value())
	require.Equal(int64(2), m.Failed.Value())
	require.Equal(int64(1), m.Completed.Value())
}

func TestArbiter_LinkLostAndReconnect(t *testing.T) {
	require := require.New(t)

	o := &simOpener{}
	a := newTestArbiter(t, o, WithReconnectInterval(20*time.Millisecond))

	txn := NewTransaction(1, 1, []byte("R 0x1000"))
	require.True(a.Submit(txn))
	o.setFail(true)
	o.last().Disconnect()

	// the reply may or may not have made it before the disconnect
	res := pollUntilDone(t, a)
	if res.Status == Completed {
		require.Eventually(func() bool {
			a.Poll()
			return !a.Up()
		}, time.Second, 5*time.Millisecond)
	} else {
		require.ErrorIs(res.Err, ErrLinkDown)
	}
	require.False(a.Up())
	require.Equal(-1, a.Fd())
	require.Equal(poller.Events(0), a.Interest())

	// reopen fails: the transaction fails fast with ErrLinkDown
	time.Sleep(30 * time.Millisecond)
	txn = NewTransaction(2, 1, []byte("R 0x1000"))
	require.True(a.Submit(txn))
	res = a.Poll()
	require.Equal(TxnFailed, res.Status)
	require.ErrorIs(res.Err, ErrLinkDown)

	o.setFail(false)
	time.Sleep(30 * time.Millisecond)
	txn = NewTransaction(3, 1, []byte("R 0x1000"))
	require.True(a.Submit(txn))
	require.True(a.Up())
	res = pollUntilDone(t, a)
	require.Equal(Completed, res.Status)
	require.Equal(int64(1), a.GetMetrics().Reconnects.Value())
}

func TestArbiter_OpenFailureIsFatal(t *testing.T) {
	o := &simOpener{fail: true}
	_, err := NewArbiter(o.open, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "adapter unplugged")

	_, err = NewArbiter(nil, nil)
	require.Error(t, err)
}

func TestArbiter_CloseFailsInFlight(t *testing.T) {
	require := require.New(t)

	o := &simOpener{opts: []SimOption{WithSimDelay(50 * time.Millisecond)}}
	cfg, err := NewConfig()
	require.NoError(err)
	a, err := NewArbiter(o.open, cfg)
	require.NoError(err)

	txn := NewTransaction(1, 1, []byte("R 0x0"))
	require.True(a.Submit(txn))
	require.NoError(a.Close())
	require.Equal(Failed, txn.State)
	require.ErrorIs(txn.Err, ErrLinkDown)
	require.NoError(a.Close())
}

func TestStatus_String(t *testing.T) {
	require.Equal(t, "Idle", Idle.String())
	require.Equal(t, "StillRunning", StillRunning.String())
	require.Equal(t, "Completed", Completed.String())
	require.Equal(t, "Failed", TxnFailed.String())
	require.Equal(t, "Status(9)", Status(9).String())
}
