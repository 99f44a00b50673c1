package link

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/arloliu/go-debugd/internal/sockfd"
	"github.com/arloliu/go-debugd/wire"
	"github.com/stretchr/testify/require"
)

func TestNewOpener(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{spec: "sim"},
		{spec: "sim:5ms"},
		{spec: " sim "},
		{spec: "tcp:127.0.0.1:4444"},
		{spec: "serial:/dev/ttyUSB0"},
		{spec: "serial:/dev/ttyUSB0@921600"},
		{spec: "sim:fast", wantErr: true},
		{spec: "sim:-1s", wantErr: true},
		{spec: "tcp:", wantErr: true},
		{spec: "serial:", wantErr: true},
		{spec: "serial:/dev/ttyS0@1234", wantErr: true},
		{spec: "serial:/dev/ttyS0@fast", wantErr: true},
		{spec: "jtag:0", wantErr: true},
		{spec: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			opener, err := NewOpener(tt.spec, time.Second)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidSpec)
				require.Nil(t, opener)

				return
			}
			require.NoError(t, err)
			require.NotNil(t, opener)
		})
	}
}

func TestParseSerialArg(t *testing.T) {
	require := require.New(t)

	path, baud, err := parseSerialArg("/dev/ttyACM1")
	require.NoError(err)
	require.Equal("/dev/ttyACM1", path)
	require.Equal(DefaultBaudRate, baud)

	path, baud, err = parseSerialArg("/dev/ttyACM1@9600")
	require.NoError(err)
	require.Equal("/dev/ttyACM1", path)
	require.Equal(9600, baud)
}

func TestOpenSerial_MissingDevice(t *testing.T) {
	_, err := OpenSerial("/nonexistent/ttyUSB9", DefaultBaudRate)
	require.Error(t, err)

	_, err = OpenSerial("/dev/null", 1234)
	require.ErrorIs(t, err, ErrInvalidSpec)
}

func TestNewOpener_Sim(t *testing.T) {
	require := require.New(t)

	opener, err := NewOpener("sim", 0)
	require.NoError(err)

	l, err := opener()
	require.NoError(err)
	require.Equal("sim", l.String())

	_, err = l.Write(wire.AppendFrame(nil, wire.Frame{ID: 42, Payload: []byte("R 0x1000")}))
	require.NoError(err)

	f := readFrame(t, l)
	require.Equal(uint32(42), f.ID)
	require.True(f.OK())
	require.Equal("0x00000000", string(f.Payload))

	require.NoError(l.Close())
}

func TestDialTCP(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	// a one-shot adapter that echoes a single frame back with status ok
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		hdr := make([]byte, wire.LengthSize)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		body := make([]byte, binary.BigEndian.Uint32(hdr))
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		_, _ = conn.Write(append(hdr, body...))
	}()

	opener, err := NewOpener("tcp:"+ln.Addr().String(), time.Second)
	require.NoError(err)
	l, err := opener()
	require.NoError(err)
	defer l.Close()
	require.Contains(l.String(), ln.Addr().String())

	_, err = l.Write(wire.AppendFrame(nil, wire.Frame{ID: 7, Payload: []byte("ping")}))
	require.NoError(err)

	f := readFrame(t, l)
	require.Equal(uint32(7), f.ID)
	require.Equal("ping", string(f.Payload))
}

func TestDialTCP_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = DialTCP(addr, time.Second)
	require.Error(t, err)
}

func TestSimTarget_Memory(t *testing.T) {
	require := require.New(t)

	target, err := NewSimTarget()
	require.NoError(err)

	tests := []struct {
		cmd    string
		want   string
		target bool
	}{
		{cmd: "R 0x1000", want: "0x00000000"},
		{cmd: "W 0x2000 5", want: "OK"},
		{cmd: "r 0x2000", want: "0x00000005"},
		{cmd: "W 0x10 0xDEADBEEF", want: "OK"},
		{cmd: "R 16", want: "0xDEADBEEF"},
		{cmd: "R", want: "usage: R <addr>", target: true},
		{cmd: "W 0x10", want: "usage: W <addr> <value>", target: true},
		{cmd: "R zz", want: `bad address "zz"`, target: true},
		{cmd: "Q 1", want: `unknown command "Q"`, target: true},
	}

	l := target.Link()
	defer l.Close()
	for i, tt := range tests {
		_, err := l.Write(wire.AppendFrame(nil, wire.Frame{ID: uint32(i), Payload: []byte(tt.cmd)}))
		require.NoError(err)

		f := readFrame(t, l)
		require.Equal(uint32(i), f.ID, tt.cmd)
		require.Equal(!tt.target, f.OK(), tt.cmd)
		require.Equal(tt.want, string(f.Payload), tt.cmd)
	}

	require.Equal(uint64(5), target.Memory(0x2000))
	require.Len(target.Received(), len(tests))
	require.Equal(1, target.MaxOutstanding())
}

func TestTransaction(t *testing.T) {
	require := require.New(t)

	txn := NewTransaction(3, 9, []byte("R 0x0"))
	require.Equal(Queued, txn.State)
	require.False(txn.Done())
	require.Zero(txn.Latency())

	txn.SubmittedAt = time.Now()
	txn.complete([]byte("0x00000000"))
	require.True(txn.Done())
	require.Equal(Complete, txn.State)
	require.GreaterOrEqual(txn.Latency(), time.Duration(0))

	failed := NewFailedTransaction(9, ErrTimeout)
	require.True(failed.Done())
	require.Equal(Failed, failed.State)
	require.ErrorIs(failed.Err, ErrTimeout)

	queued := NewTransaction(4, 9, []byte("R 0x4"))
	require.True(queued.Cancel(ErrLinkDown))
	require.Equal(Failed, queued.State)
	require.False(queued.Cancel(ErrTimeout))
	require.ErrorIs(queued.Err, ErrLinkDown)

	require.Equal("InFlight", InFlight.String())
	require.Equal("TxnState(7)", TxnState(7).String())
}

func TestConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConfig()
	require.NoError(err)
	require.Equal(DefaultTxnTimeout, cfg.TxnTimeout())
	require.Equal(DefaultReconnectInterval, cfg.ReconnectInterval())
	require.Equal(wire.DefaultMaxFrameSize, cfg.MaxFrameSize())
	require.NotNil(cfg.GetLogger())

	cfg, err = NewConfig(
		WithTxnTimeout(500*time.Millisecond),
		WithReconnectInterval(time.Second),
		WithMaxFrameSize(4096),
	)
	require.NoError(err)
	require.Equal(500*time.Millisecond, cfg.TxnTimeout())
	require.Equal(time.Second, cfg.ReconnectInterval())
	require.Equal(4096, cfg.MaxFrameSize())

	invalid := []Option{
		WithTxnTimeout(time.Millisecond),
		WithTxnTimeout(time.Hour),
		WithReconnectInterval(0),
		WithMaxFrameSize(8),
		WithMaxFrameSize(MaxFrameSize + 1),
		WithLogger(nil),
	}
	for _, opt := range invalid {
		_, err := NewConfig(opt)
		require.Error(err)
	}
}

// readFrame blocks until one complete frame arrives on l.
func readFrame(t *testing.T, l Link) wire.Frame {
	t.Helper()

	dec := wire.NewFrameDecoder(0)
	buf := make([]byte, 256)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := l.Read(buf)
		if err != nil && !sockfd.IsWouldBlock(err) {
			t.Fatalf("read frame: %v", err)
		}
		dec.Feed(buf[:n])

		f, ok, err := dec.Next()
		require.NoError(t, err)
		if ok {
			return f
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no frame received")

	return wire.Frame{}
}
