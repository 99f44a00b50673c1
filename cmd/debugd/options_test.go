package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arloliu/go-debugd/daemon"
	"github.com/arloliu/go-debugd/logger"
	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "debugd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadOptions_Defaults(t *testing.T) {
	require := require.New(t)

	opts, err := loadOptions(nil, envMap(nil))
	require.NoError(err)
	require.Equal(DefaultPort, opts.Port)
	require.Equal(daemon.DefaultLinkSpec, opts.Link)
	require.Equal(daemon.DefaultName, opts.Name)
	require.False(opts.Foreground)
	require.Empty(opts.ConfigFile)
}

func TestLoadOptions_Precedence(t *testing.T) {
	path := writeConfig(t, `
port: 5000
link: tcp:10.0.0.5:4444
name: ${BOARD}-debugd
txn_timeout: 750ms
allow_remote_stop: true
`)

	tests := []struct {
		desc     string
		args     []string
		env      map[string]string
		wantPort int
		wantLink string
		wantName string
	}{
		{
			desc:     "file",
			args:     []string{"--config", path},
			env:      map[string]string{"BOARD": "rev2"},
			wantPort: 5000, wantLink: "tcp:10.0.0.5:4444", wantName: "rev2-debugd",
		},
		{
			desc:     "env over file",
			args:     []string{"-c", path},
			env:      map[string]string{"DEBUGD_PORT": "6000", "DEBUGD_NAME": "envd"},
			wantPort: 6000, wantLink: "tcp:10.0.0.5:4444", wantName: "envd",
		},
		{
			desc:     "flags over env",
			args:     []string{"--config", path, "--port", "7000", "--link", "sim"},
			env:      map[string]string{"DEBUGD_PORT": "6000", "BOARD": "rev3"},
			wantPort: 7000, wantLink: "sim", wantName: "rev3-debugd",
		},
		{
			desc:     "config from env",
			env:      map[string]string{"DEBUGD_CONFIG": path, "BOARD": "x"},
			wantPort: 5000, wantLink: "tcp:10.0.0.5:4444", wantName: "x-debugd",
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			require := require.New(t)

			opts, err := loadOptions(tt.args, envMap(tt.env))
			require.NoError(err)
			require.Equal(tt.wantPort, opts.Port)
			require.Equal(tt.wantLink, opts.Link)
			require.Equal(tt.wantName, opts.Name)
			require.Equal(750*time.Millisecond, opts.TxnTimeout)
			require.True(opts.AllowRemoteStop)
			require.Equal(path, opts.ConfigFile)
		})
	}
}

func TestLoadOptions_Errors(t *testing.T) {
	tests := []struct {
		desc string
		args []string
		env  map[string]string
	}{
		{desc: "unknown flag", args: []string{"--bogus"}},
		{desc: "positional argument", args: []string{"extra"}},
		{desc: "bad env int", env: map[string]string{"DEBUGD_PORT": "http"}},
		{desc: "bad env duration", env: map[string]string{"DEBUGD_TXN_TIMEOUT": "soon"}},
		{desc: "bad env bool", env: map[string]string{"DEBUGD_FOREGROUND": "maybe"}},
		{desc: "missing file", args: []string{"--config", "/nonexistent/debugd.yaml"}},
		{desc: "unknown file key", args: []string{"--config", writeConfig(t, "prot: 1\n")}},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			_, err := loadOptions(tt.args, envMap(tt.env))
			require.Error(t, err)
		})
	}
}

func TestLoadOptions_Help(t *testing.T) {
	_, err := loadOptions([]string{"--help"}, envMap(nil))
	require.ErrorIs(t, err, flag.ErrHelp)
}

func TestLoadOptions_EmptyFile(t *testing.T) {
	opts, err := loadOptions([]string{"--config", writeConfig(t, "")}, envMap(nil))
	require.NoError(t, err)
	require.Equal(t, DefaultPort, opts.Port)
}

func TestOptions_DaemonConfig(t *testing.T) {
	require := require.New(t)

	opts, err := loadOptions([]string{
		"-p", "4555", "--host", "127.0.0.1", "--state-dir", "/var/log",
		"--name", "jtag", "-f", "--log-level", "debug", "--log-format", "json",
		"--max-sessions", "4", "--drain-timeout", "1s", "--allow-remote-stop",
	}, envMap(nil))
	require.NoError(err)
	require.True(opts.Foreground)

	l, err := opts.newLogger()
	require.NoError(err)
	require.Equal(logger.DebugLevel, l.Level())

	cfg, err := opts.daemonConfig(l)
	require.NoError(err)
	require.Equal("127.0.0.1:4555", cfg.Addr())
	require.Equal("/var/log/jtag-p4555.log", cfg.LogPath())
	require.Equal(4, cfg.MaxSessions())
	require.Equal(time.Second, cfg.DrainTimeout())
	require.True(cfg.AllowRemoteStop())

	opts.LogLevel = "loud"
	_, err = opts.newLogger()
	require.Error(err)

	opts.Link = "usb:1"
	_, err = opts.daemonConfig(l)
	require.Error(err)
}
