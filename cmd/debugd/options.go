package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-debugd/daemon"
	"github.com/arloliu/go-debugd/link"
	"github.com/arloliu/go-debugd/logger"
	"github.com/arloliu/go-debugd/wire"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the client port when none is configured.
const DefaultPort = 4444

const envPrefix = "DEBUGD_"

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// options is the merged command line, environment and file configuration.
type options struct {
	ConfigFile string `yaml:"-"`

	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Link     string `yaml:"link"`
	StateDir string `yaml:"state_dir"`
	Name     string `yaml:"name"`

	Foreground bool   `yaml:"foreground"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	TxnTimeout        time.Duration `yaml:"txn_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`

	MaxSessions     int           `yaml:"max_sessions"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	MaxOutbound     int           `yaml:"max_outbound"`
	MaxRecordSize   int           `yaml:"max_record_size"`
	AllowRemoteStop bool          `yaml:"allow_remote_stop"`
	StartupTimeout  time.Duration `yaml:"startup_timeout"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`

	ShowVersion bool `yaml:"-"`
}

func defaultOptions() options {
	return options{
		Port:              DefaultPort,
		Link:              daemon.DefaultLinkSpec,
		StateDir:          os.TempDir(),
		Name:              daemon.DefaultName,
		LogLevel:          "info",
		LogFormat:         string(logger.TextFormat),
		TxnTimeout:        link.DefaultTxnTimeout,
		ReconnectInterval: link.DefaultReconnectInterval,
		DialTimeout:       link.DefaultDialTimeout,
		MaxSessions:       daemon.DefaultMaxSessions,
		PollInterval:      daemon.DefaultPollInterval,
		DrainTimeout:      daemon.DefaultDrainTimeout,
		MaxOutbound:       daemon.DefaultMaxOutbound,
		MaxRecordSize:     wire.DefaultMaxRecordSize,
		StartupTimeout:    daemon.DefaultStartupTimeout,
	}
}

func newFlagSet(o *options) *flag.FlagSet {
	fs := flag.NewFlagSet("debugd", flag.ContinueOnError)

	fs.StringVarP(&o.ConfigFile, "config", "c", o.ConfigFile, "YAML configuration file")

	fs.IntVarP(&o.Port, "port", "p", o.Port, "TCP port for debug clients")
	fs.StringVar(&o.Host, "host", o.Host, "Listen address (empty for all interfaces)")
	fs.StringVarP(&o.Link, "link", "l", o.Link, "Hardware link: serial:DEV[@BAUD], tcp:HOST:PORT or sim[:DELAY]")
	fs.StringVar(&o.StateDir, "state-dir", o.StateDir, "Directory of the daemon log file")
	fs.StringVar(&o.Name, "name", o.Name, "Daemon name used in the log file name")

	fs.BoolVarP(&o.Foreground, "foreground", "f", o.Foreground, "Stay in the foreground and log to stderr")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&o.LogFormat, "log-format", o.LogFormat, "Log format: text, json, console")

	fs.DurationVar(&o.TxnTimeout, "txn-timeout", o.TxnTimeout, "Timeout of one hardware transaction")
	fs.DurationVar(&o.ReconnectInterval, "reconnect-interval", o.ReconnectInterval, "Minimum delay between link reopen attempts")
	fs.DurationVar(&o.DialTimeout, "dial-timeout", o.DialTimeout, "Connect timeout of tcp: links")

	fs.IntVar(&o.MaxSessions, "max-sessions", o.MaxSessions, "Maximum concurrent client sessions")
	fs.DurationVar(&o.PollInterval, "poll-interval", o.PollInterval, "Reactor wait bound while a transaction is in flight")
	fs.DurationVar(&o.DrainTimeout, "drain-timeout", o.DrainTimeout, "Close a draining session after this long without progress")
	fs.IntVar(&o.MaxOutbound, "max-outbound", o.MaxOutbound, "Per-session limit of unsent response bytes")
	fs.IntVar(&o.MaxRecordSize, "max-record-size", o.MaxRecordSize, "Largest accepted client record")
	fs.BoolVar(&o.AllowRemoteStop, "allow-remote-stop", o.AllowRemoteStop, "Let clients stop the daemon")
	fs.DurationVar(&o.StartupTimeout, "startup-timeout", o.StartupTimeout, "Wait this long for the detached daemon to start")
	fs.DurationVar(&o.MetricsInterval, "metrics-interval", o.MetricsInterval, "Log a metrics summary at this period (0 disables)")

	fs.BoolVar(&o.ShowVersion, "version", false, "Print version and exit")

	return fs
}

// loadOptions merges defaults, the YAML file, DEBUGD_* variables and flags,
// each overriding the former.
func loadOptions(args []string, getenv func(string) string) (*options, error) {
	// the first pass only locates the configuration file
	located := defaultOptions()
	if err := newFlagSet(&located).Parse(args); err != nil {
		return nil, err
	}

	opts := defaultOptions()
	path := located.ConfigFile
	if path == "" {
		path = getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &opts, getenv); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&opts, getenv); err != nil {
		return nil, err
	}

	fs := newFlagSet(&opts)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	opts.ConfigFile = path

	return &opts, nil
}

func loadFile(path string, opts *options, getenv func(string) string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	// expand ${VAR} references
	data = envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(getenv(string(m[2 : len(m)-1])))
	})

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(opts); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return nil
}

func applyEnv(opts *options, getenv func(string) string) error {
	setters := map[string]func(string) error{
		"PORT":               intSetter(&opts.Port),
		"HOST":               stringSetter(&opts.Host),
		"LINK":               stringSetter(&opts.Link),
		"STATE_DIR":          stringSetter(&opts.StateDir),
		"NAME":               stringSetter(&opts.Name),
		"FOREGROUND":         boolSetter(&opts.Foreground),
		"LOG_LEVEL":          stringSetter(&opts.LogLevel),
		"LOG_FORMAT":         stringSetter(&opts.LogFormat),
		"TXN_TIMEOUT":        durationSetter(&opts.TxnTimeout),
		"RECONNECT_INTERVAL": durationSetter(&opts.ReconnectInterval),
		"DIAL_TIMEOUT":       durationSetter(&opts.DialTimeout),
		"MAX_SESSIONS":       intSetter(&opts.MaxSessions),
		"POLL_INTERVAL":      durationSetter(&opts.PollInterval),
		"DRAIN_TIMEOUT":      durationSetter(&opts.DrainTimeout),
		"MAX_OUTBOUND":       intSetter(&opts.MaxOutbound),
		"MAX_RECORD_SIZE":    intSetter(&opts.MaxRecordSize),
		"ALLOW_REMOTE_STOP":  boolSetter(&opts.AllowRemoteStop),
		"STARTUP_TIMEOUT":    durationSetter(&opts.StartupTimeout),
		"METRICS_INTERVAL":   durationSetter(&opts.MetricsInterval),
	}

	for name, set := range setters {
		value := getenv(envPrefix + name)
		if value == "" {
			continue
		}
		if err := set(value); err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
	}

	return nil
}

func stringSetter(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func intSetter(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n

		return nil
	}
}

func boolSetter(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b

		return nil
	}
}

func durationSetter(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d

		return nil
	}
}

// newLogger builds the process logger. It writes to stderr, which is the
// daemon log file once detached.
func (o *options) newLogger() (logger.Logger, error) {
	level, err := logger.ParseLevel(o.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logger.ParseFormat(o.LogFormat)
	if err != nil {
		return nil, err
	}

	return logger.NewSlog(logger.Options{Level: level, Format: format, Output: os.Stderr}), nil
}

func (o *options) daemonConfig(l logger.Logger) (*daemon.Config, error) {
	return daemon.NewConfig(o.Port,
		daemon.WithHost(o.Host),
		daemon.WithName(o.Name),
		daemon.WithStateDir(o.StateDir),
		daemon.WithDialTimeout(o.DialTimeout),
		daemon.WithLinkSpec(o.Link),
		daemon.WithTxnTimeout(o.TxnTimeout),
		daemon.WithReconnectInterval(o.ReconnectInterval),
		daemon.WithMaxSessions(o.MaxSessions),
		daemon.WithPollInterval(o.PollInterval),
		daemon.WithDrainTimeout(o.DrainTimeout),
		daemon.WithMaxOutbound(o.MaxOutbound),
		daemon.WithMaxRecordSize(o.MaxRecordSize),
		daemon.WithRemoteStop(o.AllowRemoteStop),
		daemon.WithStartupTimeout(o.StartupTimeout),
		daemon.WithMetricsInterval(o.MetricsInterval),
		daemon.WithLogger(l),
	)
}
