package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arloliu/go-debugd/link"
	"github.com/arloliu/go-debugd/logger"
	"github.com/arloliu/go-debugd/wire"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConfig(4444)
	require.NoError(err)
	require.Equal("", cfg.Host())
	require.Equal(4444, cfg.Port())
	require.Equal(":4444", cfg.Addr())
	require.Equal(DefaultName, cfg.Name())
	require.Equal(os.TempDir(), cfg.StateDir())
	require.Equal(filepath.Join(os.TempDir(), "debugd-p4444.log"), cfg.LogPath())
	require.Equal(DefaultLinkSpec, cfg.LinkSpec())
	require.Equal(link.DefaultTxnTimeout, cfg.TxnTimeout())
	require.Equal(DefaultMaxSessions, cfg.MaxSessions())
	require.Equal(DefaultMaxSessions+reservedFds, cfg.capacity())
	require.Equal(DefaultPollInterval, cfg.PollInterval())
	require.Equal(DefaultDrainTimeout, cfg.DrainTimeout())
	require.Equal(DefaultMaxOutbound, cfg.MaxOutbound())
	require.Equal(wire.DefaultMaxRecordSize, cfg.MaxRecordSize())
	require.Equal(DefaultStartupTimeout, cfg.StartupTimeout())
	require.Zero(cfg.MetricsInterval())
	require.False(cfg.AllowRemoteStop())
	require.NotNil(cfg.GetLogger())
}

func TestNewConfig_Options(t *testing.T) {
	require := require.New(t)

	l := logger.NewSlog(logger.Options{Level: logger.DebugLevel})
	cfg, err := NewConfig(5555,
		WithHost("127.0.0.1"),
		WithName("jtagd"),
		WithStateDir("/var/run"),
		WithLinkSpec("serial:/dev/ttyUSB0@921600"),
		WithDialTimeout(time.Second),
		WithTxnTimeout(300*time.Millisecond),
		WithReconnectInterval(time.Second),
		WithMaxSessions(8),
		WithBacklog(16),
		WithPollInterval(5*time.Millisecond),
		WithDrainTimeout(time.Second),
		WithMaxOutbound(4096),
		WithMaxRecordSize(1024),
		WithRemoteStop(true),
		WithStartupTimeout(time.Second),
		WithMetricsInterval(time.Minute),
		WithLogger(l),
	)
	require.NoError(err)

	require.Equal("127.0.0.1:5555", cfg.Addr())
	require.Equal("/var/run/jtagd-p5555.log", cfg.LogPath())
	require.Equal("serial:/dev/ttyUSB0@921600", cfg.LinkSpec())
	require.Equal(300*time.Millisecond, cfg.TxnTimeout())
	require.Equal(8, cfg.MaxSessions())
	require.Equal(5*time.Millisecond, cfg.PollInterval())
	require.Equal(time.Second, cfg.DrainTimeout())
	require.Equal(4096, cfg.MaxOutbound())
	require.Equal(1024, cfg.MaxRecordSize())
	require.True(cfg.AllowRemoteStop())
	require.Equal(time.Second, cfg.StartupTimeout())
	require.Equal(time.Minute, cfg.MetricsInterval())
	require.Same(l, cfg.GetLogger())

	linkCfg, err := cfg.linkConfig()
	require.NoError(err)
	require.Equal(300*time.Millisecond, linkCfg.TxnTimeout())
	require.Equal(time.Second, linkCfg.ReconnectInterval())
}

func TestNewConfig_Invalid(t *testing.T) {
	tests := []struct {
		desc string
		port int
		opt  Option
	}{
		{desc: "negative port", port: -1},
		{desc: "port too large", port: MaxPort + 1},
		{desc: "bad host", opt: WithHost("not a host")},
		{desc: "empty name", opt: WithName("")},
		{desc: "name with separator", opt: WithName("a/b")},
		{desc: "empty state dir", opt: WithStateDir("")},
		{desc: "bad link spec", opt: WithLinkSpec("usb:0")},
		{desc: "nil opener", opt: WithLinkOpener(nil)},
		{desc: "zero dial timeout", opt: WithDialTimeout(0)},
		{desc: "txn timeout too small", opt: WithTxnTimeout(time.Millisecond)},
		{desc: "reconnect too large", opt: WithReconnectInterval(time.Hour)},
		{desc: "zero sessions", opt: WithMaxSessions(0)},
		{desc: "negative backlog", opt: WithBacklog(-1)},
		{desc: "poll interval too large", opt: WithPollInterval(time.Minute)},
		{desc: "drain timeout too small", opt: WithDrainTimeout(time.Millisecond)},
		{desc: "outbound too small", opt: WithMaxOutbound(10)},
		{desc: "record size too small", opt: WithMaxRecordSize(1)},
		{desc: "startup timeout too small", opt: WithStartupTimeout(time.Millisecond)},
		{desc: "negative metrics interval", opt: WithMetricsInterval(-time.Second)},
		{desc: "nil logger", opt: WithLogger(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			var opts []Option
			if tt.opt != nil {
				opts = append(opts, tt.opt)
			}
			cfg, err := NewConfig(tt.port, opts...)
			require.Error(t, err)
			require.Nil(t, cfg)
		})
	}
}

func TestNewConfig_HostNames(t *testing.T) {
	for _, host := range []string{"localhost", "debug-host.lab", "::1", "10.0.0.5"} {
		_, err := NewConfig(1, WithHost(host))
		require.NoError(t, err, host)
	}
}

func TestSessionState_String(t *testing.T) {
	require.Equal(t, "Connecting", Connecting.String())
	require.Equal(t, "Active", Active.String())
	require.Equal(t, "Draining", Draining.String())
	require.Equal(t, "Closed", Closed.String())
	require.Equal(t, "Unknown", SessionState(42).String())
	require.Equal(t, "Running", RunningState.String())
	require.Equal(t, "Unknown", ServerState(42).String())
}

func TestServerState_Transitions(t *testing.T) {
	require := require.New(t)

	var st atomicServerState
	require.True(st.IsStopped())
	require.False(st.ToRunning())
	require.True(st.ToStarting())
	require.False(st.ToStarting())
	require.True(st.ToRunning())
	require.True(st.IsRunning())
	require.True(st.ToStopping())
	require.False(st.ToStopping())
	require.True(st.ToStopped())
	require.True(st.ToStopped())
}

func TestWithStateDir_RelativeBecomesAbsolute(t *testing.T) {
	require := require.New(t)

	t.Chdir(t.TempDir())
	cfg, err := NewConfig(4444, WithStateDir("state"))
	require.NoError(err)

	// the detached daemon runs from /, so the path must not depend on the cwd
	require.True(filepath.IsAbs(cfg.StateDir()))
	require.Equal("state", filepath.Base(cfg.StateDir()))
	require.True(filepath.IsAbs(cfg.LogPath()))
}
