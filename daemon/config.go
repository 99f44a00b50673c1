package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arloliu/go-debugd/link"
	"github.com/arloliu/go-debugd/logger"
	"github.com/arloliu/go-debugd/wire"
)

// Default daemon settings.
const (
	DefaultName            = "debugd"
	DefaultLinkSpec        = "sim"
	DefaultMaxSessions     = 256
	DefaultPollInterval    = 20 * time.Millisecond
	DefaultDrainTimeout    = 5 * time.Second
	DefaultMaxOutbound     = 1024 * 1024
	DefaultStartupTimeout  = 15 * time.Second
	DefaultMetricsInterval = 0 // disabled
)

// Range limits for the daemon settings.
const (
	MaxPort = 65535

	MinSessions = 1
	MaxSessions = 65536

	MinPollInterval = time.Millisecond
	MaxPollInterval = time.Second

	MinDrainTimeout = 10 * time.Millisecond
	MaxDrainTimeout = 10 * time.Minute

	MinOutbound = 1024
	MaxOutbound = 256 * 1024 * 1024

	MinRecordSize = 16
	MaxRecordSize = 16 * 1024 * 1024

	MinStartupTimeout = 100 * time.Millisecond
	MaxStartupTimeout = 10 * time.Minute
)

// reservedFds counts the descriptors the daemon registers besides sessions:
// the listener, the wake pipe and the hardware link.
const reservedFds = 3

// Config holds the daemon configuration.
type Config struct {
	host string
	port int

	// name and stateDir select the log destination of a detached daemon.
	name     string
	stateDir string

	// Hardware link settings.
	linkSpec          string
	opener            link.Opener
	dialTimeout       time.Duration
	txnTimeout        time.Duration
	reconnectInterval time.Duration
	maxFrameSize      int

	// Reactor and session limits.
	maxSessions   int
	backlog       int
	pollInterval  time.Duration
	drainTimeout  time.Duration
	maxOutbound   int
	maxRecordSize int

	allowRemoteStop bool
	startupTimeout  time.Duration
	metricsInterval time.Duration

	logger logger.Logger
}

// NewConfig creates a daemon configuration listening on port.
//
// Port 0 selects an ephemeral port, reported by Server.Port.
// opts are functional options applied in order; see With* functions.
func NewConfig(port int, opts ...Option) (*Config, error) {
	cfg := &Config{
		name:              DefaultName,
		stateDir:          os.TempDir(),
		linkSpec:          DefaultLinkSpec,
		dialTimeout:       link.DefaultDialTimeout,
		txnTimeout:        link.DefaultTxnTimeout,
		reconnectInterval: link.DefaultReconnectInterval,
		maxFrameSize:      wire.DefaultMaxFrameSize,
		maxSessions:       DefaultMaxSessions,
		pollInterval:      DefaultPollInterval,
		drainTimeout:      DefaultDrainTimeout,
		maxOutbound:       DefaultMaxOutbound,
		maxRecordSize:     wire.DefaultMaxRecordSize,
		startupTimeout:    DefaultStartupTimeout,
		metricsInterval:   DefaultMetricsInterval,
		logger:            logger.GetLogger(),
	}

	if port < 0 || port > MaxPort {
		return nil, fmt.Errorf("daemon: port %d out of range [0, %d]", port, MaxPort)
	}
	cfg.port = port

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Host returns the listen address, empty for all interfaces.
func (cfg *Config) Host() string { return cfg.host }

// Port returns the configured listen port.
func (cfg *Config) Port() int { return cfg.port }

// Addr returns host:port.
func (cfg *Config) Addr() string {
	return net.JoinHostPort(cfg.host, fmt.Sprint(cfg.port))
}

// Name returns the daemon name used in the log file name.
func (cfg *Config) Name() string { return cfg.name }

// StateDir returns the directory holding the daemon log file.
func (cfg *Config) StateDir() string { return cfg.stateDir }

// LogPath returns the log file of a detached daemon.
func (cfg *Config) LogPath() string { return LogPath(cfg.stateDir, cfg.name, cfg.port) }

// LinkSpec returns the hardware link spec.
func (cfg *Config) LinkSpec() string { return cfg.linkSpec }

// TxnTimeout returns the bound on one hardware transaction.
func (cfg *Config) TxnTimeout() time.Duration { return cfg.txnTimeout }

// MaxSessions returns the number of concurrently registered sessions.
func (cfg *Config) MaxSessions() int { return cfg.maxSessions }

// PollInterval returns the bounded wait used while work is pending.
func (cfg *Config) PollInterval() time.Duration { return cfg.pollInterval }

// DrainTimeout returns how long a draining session may stall before it is closed.
func (cfg *Config) DrainTimeout() time.Duration { return cfg.drainTimeout }

// MaxOutbound returns the per-session limit of unflushed response bytes.
func (cfg *Config) MaxOutbound() int { return cfg.maxOutbound }

// MaxRecordSize returns the largest accepted client record.
func (cfg *Config) MaxRecordSize() int { return cfg.maxRecordSize }

// AllowRemoteStop reports whether clients may stop the daemon.
func (cfg *Config) AllowRemoteStop() bool { return cfg.allowRemoteStop }

// StartupTimeout returns how long the invoking process waits for the
// detached daemon's readiness report.
func (cfg *Config) StartupTimeout() time.Duration { return cfg.startupTimeout }

// MetricsInterval returns the period of the metrics summary log, 0 when disabled.
func (cfg *Config) MetricsInterval() time.Duration { return cfg.metricsInterval }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// capacity is the descriptor capacity of the multiplexer.
func (cfg *Config) capacity() int {
	return cfg.maxSessions + reservedFds
}

func (cfg *Config) linkOpener() (link.Opener, error) {
	if cfg.opener != nil {
		return cfg.opener, nil
	}

	return link.NewOpener(cfg.linkSpec, cfg.dialTimeout)
}

func (cfg *Config) linkConfig() (*link.Config, error) {
	return link.NewConfig(
		link.WithTxnTimeout(cfg.txnTimeout),
		link.WithReconnectInterval(cfg.reconnectInterval),
		link.WithMaxFrameSize(cfg.maxFrameSize),
		link.WithLogger(cfg.logger.With("component", "link")),
	)
}

// Option is a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithHost sets the listen address. Empty listens on all interfaces.
func WithHost(host string) Option {
	return optFunc(func(cfg *Config) error {
		host = strings.TrimSpace(host)
		if host != "" && net.ParseIP(host) == nil && !isHostname(host) {
			return fmt.Errorf("daemon: invalid host %q", host)
		}
		cfg.host = host

		return nil
	})
}

// WithName sets the daemon name used in the log file name.
func WithName(name string) Option {
	return optFunc(func(cfg *Config) error {
		if name == "" || strings.ContainsRune(name, filepath.Separator) {
			return fmt.Errorf("daemon: invalid name %q", name)
		}
		cfg.name = name

		return nil
	})
}

// WithStateDir sets the directory of the daemon log file.
func WithStateDir(dir string) Option {
	return optFunc(func(cfg *Config) error {
		if dir == "" {
			return errors.New("daemon: state dir is empty")
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("daemon: state dir %q: %w", dir, err)
		}
		cfg.stateDir = abs

		return nil
	})
}

// WithLinkSpec selects the hardware link, e.g. "serial:/dev/ttyUSB0@115200",
// "tcp:10.0.0.5:4444" or "sim".
func WithLinkSpec(spec string) Option {
	return optFunc(func(cfg *Config) error {
		if _, err := link.NewOpener(spec, cfg.dialTimeout); err != nil {
			return err
		}
		cfg.linkSpec = spec

		return nil
	})
}

// WithLinkOpener replaces the link spec with a custom opener.
func WithLinkOpener(opener link.Opener) Option {
	return optFunc(func(cfg *Config) error {
		if opener == nil {
			return errors.New("daemon: link opener is nil")
		}
		cfg.opener = opener

		return nil
	})
}

// WithDialTimeout bounds the connect of a "tcp:" link.
func WithDialTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("daemon: dial timeout %v must be positive", d)
		}
		cfg.dialTimeout = d

		return nil
	})
}

// WithTxnTimeout sets how long a hardware transaction may wait for its reply.
func WithTxnTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < link.MinTxnTimeout || d > link.MaxTxnTimeout {
			return fmt.Errorf("daemon: transaction timeout %v out of range [%v, %v]", d, link.MinTxnTimeout, link.MaxTxnTimeout)
		}
		cfg.txnTimeout = d

		return nil
	})
}

// WithReconnectInterval sets the minimum delay between attempts to reopen a lost link.
func WithReconnectInterval(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < link.MinReconnectInterval || d > link.MaxReconnectInterval {
			return fmt.Errorf("daemon: reconnect interval %v out of range [%v, %v]", d, link.MinReconnectInterval, link.MaxReconnectInterval)
		}
		cfg.reconnectInterval = d

		return nil
	})
}

// WithMaxSessions sets how many client sessions may be registered at once.
// Further connections wait in the listen backlog until a session closes.
func WithMaxSessions(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < MinSessions || n > MaxSessions {
			return fmt.Errorf("daemon: max sessions %d out of range [%d, %d]", n, MinSessions, MaxSessions)
		}
		cfg.maxSessions = n

		return nil
	})
}

// WithBacklog sets the listen backlog.
func WithBacklog(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 0 {
			return fmt.Errorf("daemon: backlog %d is negative", n)
		}
		cfg.backlog = n

		return nil
	})
}

// WithPollInterval sets the bounded wait used while a transaction is in flight.
func WithPollInterval(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinPollInterval || d > MaxPollInterval {
			return fmt.Errorf("daemon: poll interval %v out of range [%v, %v]", d, MinPollInterval, MaxPollInterval)
		}
		cfg.pollInterval = d

		return nil
	})
}

// WithDrainTimeout sets how long a draining session may make no progress before it is closed.
func WithDrainTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinDrainTimeout || d > MaxDrainTimeout {
			return fmt.Errorf("daemon: drain timeout %v out of range [%v, %v]", d, MinDrainTimeout, MaxDrainTimeout)
		}
		cfg.drainTimeout = d

		return nil
	})
}

// WithMaxOutbound sets the per-session limit of unflushed response bytes.
func WithMaxOutbound(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < MinOutbound || n > MaxOutbound {
			return fmt.Errorf("daemon: max outbound %d out of range [%d, %d]", n, MinOutbound, MaxOutbound)
		}
		cfg.maxOutbound = n

		return nil
	})
}

// WithMaxRecordSize sets the largest accepted client record.
func WithMaxRecordSize(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < MinRecordSize || n > MaxRecordSize {
			return fmt.Errorf("daemon: max record size %d out of range [%d, %d]", n, MinRecordSize, MaxRecordSize)
		}
		cfg.maxRecordSize = n

		return nil
	})
}

// WithRemoteStop allows clients to stop the daemon with a Shutdown record.
func WithRemoteStop(allow bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.allowRemoteStop = allow
		return nil
	})
}

// WithStartupTimeout bounds the wait for the detached daemon's readiness report.
func WithStartupTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinStartupTimeout || d > MaxStartupTimeout {
			return fmt.Errorf("daemon: startup timeout %v out of range [%v, %v]", d, MinStartupTimeout, MaxStartupTimeout)
		}
		cfg.startupTimeout = d

		return nil
	})
}

// WithMetricsInterval logs a metrics summary every d. Zero disables it.
func WithMetricsInterval(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 {
			return fmt.Errorf("daemon: metrics interval %v is negative", d)
		}
		cfg.metricsInterval = d

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("daemon: logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

func isHostname(host string) bool {
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, c := range label {
			if !(c == '-' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
				return false
			}
		}
	}

	return true
}
