package link

import (
	"fmt"
	"time"

	"github.com/arloliu/go-debugd/logger"
	"github.com/arloliu/go-debugd/wire"
)

// Default arbiter settings.
const (
	DefaultTxnTimeout        = 2 * time.Second
	DefaultReconnectInterval = 3 * time.Second
	DefaultDialTimeout       = 3 * time.Second
)

// Range limits for the arbiter settings.
const (
	MinTxnTimeout = 10 * time.Millisecond
	MaxTxnTimeout = 10 * time.Minute

	MinReconnectInterval = 10 * time.Millisecond
	MaxReconnectInterval = 10 * time.Minute

	MinFrameSize = 64
	MaxFrameSize = 16 * 1024 * 1024
)

// Config holds the arbiter configuration.
type Config struct {
	txnTimeout        time.Duration
	reconnectInterval time.Duration
	maxFrameSize      int
	logger            logger.Logger
}

// NewConfig creates an arbiter configuration.
//
// opts are functional options applied in order; see With* functions.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		txnTimeout:        DefaultTxnTimeout,
		reconnectInterval: DefaultReconnectInterval,
		maxFrameSize:      wire.DefaultMaxFrameSize,
		logger:            logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// TxnTimeout returns the bound on one hardware transaction.
func (cfg *Config) TxnTimeout() time.Duration { return cfg.txnTimeout }

// ReconnectInterval returns the minimum delay between attempts to reopen a lost link.
func (cfg *Config) ReconnectInterval() time.Duration { return cfg.reconnectInterval }

// MaxFrameSize returns the largest accepted reply frame.
func (cfg *Config) MaxFrameSize() int { return cfg.maxFrameSize }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// Option is a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithTxnTimeout sets how long a transaction may wait for its reply.
func WithTxnTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinTxnTimeout || d > MaxTxnTimeout {
			return fmt.Errorf("link: transaction timeout %v out of range [%v, %v]", d, MinTxnTimeout, MaxTxnTimeout)
		}
		cfg.txnTimeout = d

		return nil
	})
}

// WithReconnectInterval sets the minimum delay between link reopen attempts.
func WithReconnectInterval(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinReconnectInterval || d > MaxReconnectInterval {
			return fmt.Errorf("link: reconnect interval %v out of range [%v, %v]", d, MinReconnectInterval, MaxReconnectInterval)
		}
		cfg.reconnectInterval = d

		return nil
	})
}

// WithMaxFrameSize sets the largest accepted reply frame.
func WithMaxFrameSize(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < MinFrameSize || n > MaxFrameSize {
			return fmt.Errorf("link: max frame size %d out of range [%d, %d]", n, MinFrameSize, MaxFrameSize)
		}
		cfg.maxFrameSize = n

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return fmt.Errorf("link: logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
