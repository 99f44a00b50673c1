// Command debugd shares one hardware debug link among many TCP debug clients.
//
// By default debugd detaches from the terminal and logs to
// <state-dir>/<name>-p<port>.log; the invoking command exits 0 once the
// daemon is listening and 1 if it failed to start. Use --foreground to keep
// it attached and log to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arloliu/go-debugd/daemon"
	"github.com/arloliu/go-debugd/logger"
	flag "github.com/spf13/pflag"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=1.1.0"
var version = "dev" //nolint:gochecknoglobals

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	cancel()

	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	opts, err := loadOptions(args, os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "debugd: %v\n", err)
		return 1
	}
	if opts.ShowVersion {
		fmt.Printf("debugd %s\n", version)
		return 0
	}

	log, err := opts.newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "debugd: %v\n", err)
		return 1
	}
	logger.SetDefault(log)

	cfg, err := opts.daemonConfig(log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "debugd: %v\n", err)
		return 1
	}

	var detached *daemon.Detached
	if !opts.Foreground {
		// returns only in the detached daemon
		detached, err = daemon.Daemonize(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "debugd: %v\n", err)
			return 1
		}
		log.Info("daemon detached", "pid", os.Getpid(), "log", detached.LogPath(), "version", version)
	}

	srv, err := daemon.NewServer(cfg)
	if detached != nil {
		detached.Ready(err)
	}
	if err != nil {
		log.Error("startup failed", "error", err)
		return 1
	}

	if err := srv.Run(ctx); err != nil {
		log.Error("daemon failed", "error", err)
		return 1
	}

	return 0
}
