package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/phsym/console-slog"
)

// SlogLogger implements Logger on top of log/slog.
type SlogLogger struct {
	mu     *sync.Mutex
	logger *slog.Logger
	level  *slog.LevelVar
}

var _ Logger = (*SlogLogger)(nil)

// Options configures NewSlog.
type Options struct {
	// Level is the minimum enabled level.
	Level LogLevel
	// Format selects the handler. ConsoleFormat is also chosen when the ENV
	// environment variable is "development".
	Format Format
	// AddSource adds the caller position to each record.
	AddSource bool
	// Output defaults to os.Stderr, which is the log file once detached.
	Output io.Writer
}

// NewSlog creates a slog backed Logger.
func NewSlog(opts Options) Logger {
	inst := &SlogLogger{mu: &sync.Mutex{}, level: &slog.LevelVar{}}
	inst.level.Set(toSlogLevel(opts.Level))

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	format := opts.Format
	if os.Getenv("ENV") == "development" {
		format = ConsoleFormat
	}

	var handler slog.Handler
	switch format {
	case ConsoleFormat:
		handler = console.NewHandler(output, &console.HandlerOptions{
			AddSource: opts.AddSource,
			Level:     inst.level,
		})
	case JSONFormat:
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{
			AddSource:   opts.AddSource,
			Level:       inst.level,
			ReplaceAttr: replaceTimeKey,
		})
	default:
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{
			AddSource:   opts.AddSource,
			Level:       inst.level,
			ReplaceAttr: replaceTimeKey,
		})
	}
	inst.logger = slog.New(handler)

	return inst
}

func replaceTimeKey(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "ts"
	}

	return a
}

func (l *SlogLogger) Debug(msg string, keysAndValues ...any) {
	l.log(context.Background(), slog.LevelDebug, msg, keysAndValues...)
}

func (l *SlogLogger) Info(msg string, keysAndValues ...any) {
	l.log(context.Background(), slog.LevelInfo, msg, keysAndValues...)
}

func (l *SlogLogger) Warn(msg string, keysAndValues ...any) {
	l.log(context.Background(), slog.LevelWarn, msg, keysAndValues...)
}

func (l *SlogLogger) Error(msg string, keysAndValues ...any) {
	l.log(context.Background(), slog.LevelError, msg, keysAndValues...)
}

func (l *SlogLogger) Fatal(msg string, keysAndValues ...any) {
	l.log(context.Background(), slog.LevelError, msg, keysAndValues...)
	os.Exit(1)
}

// With returns a child logger sharing the level of its parent.
func (l *SlogLogger) With(keyValues ...any) Logger {
	return &SlogLogger{
		mu:     l.mu,
		logger: l.logger.With(keyValues...),
		level:  l.level,
	}
}

func (l *SlogLogger) Level() LogLevel {
	switch l.level.Level() {
	case slog.LevelDebug:
		return DebugLevel
	case slog.LevelInfo:
		return InfoLevel
	case slog.LevelWarn:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

func (l *SlogLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.level.Set(toSlogLevel(level))
}

// log is the low-level logging method for methods that take ...any.
// It must always be called directly by an exported logging method
// or function, because it uses a fixed call depth to obtain the pc.
func (l *SlogLogger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if !l.logger.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	// skip [runtime.Callers, this function, this function's caller]
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = l.logger.Handler().Handle(ctx, r)
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
