package daemon

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// stageEnv tells a re-executed process which daemonization stage it runs.
const stageEnv = "DEBUGD_DAEMON_STAGE"

const (
	stageIntermediate = "1"
	stageDaemon       = "2"
)

// Descriptors handed down to the re-executed stages.
const (
	reportFd = 3
	logFd    = 4
)

// LogMode is the permission of the daemon log file.
const LogMode os.FileMode = 0o666

const (
	readyReport = "ok"
	errorPrefix = "error: "
)

// LogPath returns <stateDir>/<name>-p<port>.log.
func LogPath(stateDir string, name string, port int) string {
	return filepath.Join(stateDir, fmt.Sprintf("%s-p%d.log", name, port))
}

// Detached is the daemon's handle on its detached process state.
type Detached struct {
	report  *os.File
	logFile *os.File
	logPath string
}

// LogFile returns the log file that stdout and stderr are redirected to.
func (d *Detached) LogFile() *os.File { return d.logFile }

// LogPath returns the path of the log file.
func (d *Detached) LogPath() string { return d.logPath }

// Ready reports the startup outcome to the invoking process, which exits
// 0 for a nil err and 1 otherwise. Only the first call has an effect.
func (d *Detached) Ready(err error) {
	if d.report == nil {
		return
	}

	msg := readyReport
	if err != nil {
		msg = errorPrefix + strings.ReplaceAll(err.Error(), "\n", " ")
	}
	_, _ = fmt.Fprintln(d.report, msg)
	_ = d.report.Close()
	d.report = nil
}

// IsDetached reports whether the process is the detached daemon.
func IsDetached() bool {
	return os.Getenv(stageEnv) == stageDaemon
}

// Daemonize detaches the daemon from the invoking terminal.
//
// The program re-executes itself twice with the same arguments. The invoking
// process starts the intermediate process and waits for the daemon's
// readiness report; it exits 0 when the daemon reports ready and 1 when it
// reports an error or exits early. The intermediate process becomes a
// session leader, ignores SIGHUP, starts the daemon and exits, so the
// daemon can never reacquire a controlling terminal.
//
// Daemonize returns only in the daemon, after it changed to the root
// directory, cleared the umask and redirected stdin to /dev/null and
// stdout and stderr to cfg.LogPath(). The caller must report its startup
// outcome with Detached.Ready. A failed step in the invoking process is
// returned as an error; a failed step in a later stage is reported back
// and makes that stage exit non-zero.
func Daemonize(cfg *Config) (*Detached, error) {
	switch os.Getenv(stageEnv) {
	case "":
		err := startDaemon(cfg)
		if err != nil {
			return nil, err
		}
		os.Exit(0)

	case stageIntermediate:
		if err := intermediate(); err != nil {
			reportAndExit(os.NewFile(reportFd, "report"), err)
		}
		os.Exit(0)

	case stageDaemon:
		return detach(cfg)
	}

	return nil, fmt.Errorf("daemon: unknown stage %q in %s", os.Getenv(stageEnv), stageEnv)
}

// startDaemon runs in the invoking process.
func startDaemon(cfg *Config) error {
	logFile, err := openLog(cfg.LogPath())
	if err != nil {
		return err
	}
	defer logFile.Close()

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("daemon: readiness pipe: %w", err)
	}
	defer r.Close()

	cmd, err := reexec(stageIntermediate, w, logFile)
	if err != nil {
		_ = w.Close()
		return err
	}
	if err := cmd.Start(); err != nil {
		_ = w.Close()
		return fmt.Errorf("daemon: start intermediate process: %w", err)
	}
	// only the daemon keeps a write end, so EOF means it is gone
	_ = w.Close()
	go func() { _ = cmd.Wait() }()

	return waitReady(r, cfg.startupTimeout)
}

// intermediate runs in the first child.
func intermediate() error {
	if _, err := unix.Setsid(); err != nil {
		return fmt.Errorf("daemon: setsid: %w", err)
	}
	signal.Ignore(syscall.SIGHUP)

	report := os.NewFile(reportFd, "report")
	logFile := os.NewFile(logFd, "log")

	cmd, err := reexec(stageDaemon, report, logFile)
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemon: start daemon process: %w", err)
	}

	return nil
}

// detach runs in the daemon.
func detach(cfg *Config) (*Detached, error) {
	signal.Ignore(syscall.SIGHUP)

	d := &Detached{
		report:  os.NewFile(reportFd, "report"),
		logFile: os.NewFile(logFd, "log"),
		logPath: cfg.LogPath(),
	}
	_ = os.Unsetenv(stageEnv)

	if err := os.Chdir("/"); err != nil {
		return nil, d.fail(fmt.Errorf("daemon: chdir /: %w", err))
	}
	unix.Umask(0)

	if err := redirectStdio(d.logFile); err != nil {
		return nil, d.fail(err)
	}

	return d, nil
}

func (d *Detached) fail(err error) error {
	d.Ready(err)
	return err
}

func redirectStdio(logFile *os.File) error {
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemon: open %s: %w", os.DevNull, err)
	}
	defer null.Close()

	if err := unix.Dup3(int(null.Fd()), int(os.Stdin.Fd()), 0); err != nil {
		return fmt.Errorf("daemon: redirect stdin: %w", err)
	}
	if err := unix.Dup3(int(logFile.Fd()), int(os.Stdout.Fd()), 0); err != nil {
		return fmt.Errorf("daemon: redirect stdout: %w", err)
	}
	if err := unix.Dup3(int(logFile.Fd()), int(os.Stderr.Fd()), 0); err != nil {
		return fmt.Errorf("daemon: redirect stderr: %w", err)
	}

	return nil
}

// reexec prepares the next stage. report and logFile become descriptors 3 and 4.
func reexec(stage string, report *os.File, logFile *os.File) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("daemon: locate executable: %w", err)
	}

	null, err := os.Open(os.DevNull)
	if err != nil {
		return nil, fmt.Errorf("daemon: open %s: %w", os.DevNull, err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), stageEnv+"="+stage)
	cmd.Stdin = null
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.ExtraFiles = []*os.File{report, logFile}

	return cmd, nil
}

// openLog creates or appends to the log file with LogMode regardless of umask.
func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, LogMode)
	if err != nil {
		return nil, fmt.Errorf("daemon: open log %s: %w", path, err)
	}
	if err := f.Chmod(LogMode); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("daemon: chmod log %s: %w", path, err)
	}

	return f, nil
}

// waitReady reads the daemon's readiness report from r.
func waitReady(r io.Reader, timeout time.Duration) error {
	result := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		line = strings.TrimSpace(line)
		switch {
		case line == readyReport:
			result <- nil
		case strings.HasPrefix(line, errorPrefix):
			result <- fmt.Errorf("%w: %s", ErrStartup, strings.TrimPrefix(line, errorPrefix))
		case errors.Is(err, io.EOF):
			result <- fmt.Errorf("%w: daemon exited before reporting readiness", ErrStartup)
		case err == nil:
			result <- fmt.Errorf("%w: unexpected readiness report %q", ErrStartup, line)
		default:
			result <- fmt.Errorf("%w: read readiness report: %w", ErrStartup, err)
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return err
	case <-timer.C:
		return fmt.Errorf("%w: no readiness report within %v", ErrStartup, timeout)
	}
}

func reportAndExit(report *os.File, err error) {
	_, _ = fmt.Fprintln(report, errorPrefix+err.Error())
	os.Exit(1)
}
