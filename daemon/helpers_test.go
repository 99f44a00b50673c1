package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/arloliu/go-debugd/link"
	"github.com/arloliu/go-debugd/logger"
	"github.com/arloliu/go-debugd/wire"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func TestMain(m *testing.M) {
	// re-executed by Daemonize tests
	if os.Getenv(stageEnv) != "" {
		os.Exit(runDaemonStage())
	}

	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

// testServer runs a Server with an in-process simulated target.
type testServer struct {
	*Server
	target *link.SimTarget
	done   chan error
	cancel context.CancelFunc
}

func startServer(t *testing.T, target *link.SimTarget, opts ...Option) *testServer {
	t.Helper()

	if target == nil {
		var err error
		target, err = link.NewSimTarget()
		require.NoError(t, err)
	}

	opened := false
	opener := func() (link.Link, error) {
		if opened {
			return nil, errors.New("simulated target already in use")
		}
		opened = true

		return target.Link(), nil
	}

	opts = append([]Option{
		WithHost("127.0.0.1"),
		WithLinkOpener(opener),
		WithTxnTimeout(time.Second),
		WithDrainTimeout(2 * time.Second),
	}, opts...)
	cfg, err := NewConfig(0, opts...)
	require.NoError(t, err)

	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{Server: srv, target: target, done: make(chan error, 1), cancel: cancel}
	go func() { ts.done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.State() != StoppedState }, testTimeout, time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.done:
		case <-time.After(testTimeout):
			t.Error("server did not stop")
		}
	})

	return ts
}

// wait returns Run's result.
func (ts *testServer) wait(t *testing.T) error {
	t.Helper()

	select {
	case err := <-ts.done:
		ts.done <- err
		return err
	case <-time.After(testTimeout):
		t.Fatal("server did not stop")
		return nil
	}
}

func (ts *testServer) addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(ts.Port()))
}

// testClient speaks the client record protocol over a plain net.Conn.
type testClient struct {
	t    *testing.T
	conn *net.TCPConn
	dec  *wire.Decoder
	buf  []byte
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testClient{t: t, conn: conn.(*net.TCPConn), dec: wire.NewDecoder(0), buf: make([]byte, 4096)}
}

func (c *testClient) send(kind wire.Kind, payload string) {
	c.t.Helper()

	_, err := c.conn.Write(wire.AppendRecord(nil, kind, []byte(payload)))
	require.NoError(c.t, err)
}

func (c *testClient) command(cmd string) {
	c.t.Helper()
	c.send(wire.KindCommand, cmd)
}

func (c *testClient) recv() wire.Record {
	c.t.Helper()

	for {
		rec, ok, err := c.dec.Next()
		require.NoError(c.t, err)
		if ok {
			return rec
		}

		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(testTimeout)))
		n, err := c.conn.Read(c.buf)
		require.NoError(c.t, err)
		c.dec.Feed(c.buf[:n])
	}
}

func (c *testClient) expectResponse(want string) {
	c.t.Helper()

	rec := c.recv()
	require.Equal(c.t, wire.KindResponse, rec.Kind, string(rec.Payload))
	require.Equal(c.t, want, string(rec.Payload))
}

func (c *testClient) expectError(contains string) {
	c.t.Helper()

	rec := c.recv()
	require.Equal(c.t, wire.KindError, rec.Kind, string(rec.Payload))
	require.Contains(c.t, string(rec.Payload), contains)
}

// expectEOF asserts the daemon closed the connection without sending more records.
func (c *testClient) expectEOF() {
	c.t.Helper()

	require.Zero(c.t, c.dec.Buffered())
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	n, err := c.conn.Read(c.buf)
	require.Zero(c.t, n)
	require.ErrorIs(c.t, err, io.EOF)
}

func countOpenFds(t *testing.T) int {
	t.Helper()

	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)

	return len(entries)
}
