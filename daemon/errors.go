package daemon

import "errors"

var (
	// ErrEmptyCommand is answered to a command record without payload.
	ErrEmptyCommand = errors.New("daemon: empty command")

	// ErrUnexpectedRecord indicates a client sent a record kind only the daemon may send.
	ErrUnexpectedRecord = errors.New("daemon: unexpected record kind")

	// ErrOutboundOverflow indicates a client stopped reading its responses.
	ErrOutboundOverflow = errors.New("daemon: outbound buffer limit exceeded")

	// ErrDrainTimeout indicates a draining session made no progress in time.
	ErrDrainTimeout = errors.New("daemon: drain timeout")

	// ErrHangup indicates the multiplexer reported a hangup on a session socket.
	ErrHangup = errors.New("daemon: connection hangup")

	// ErrSessionClosed fails queued commands of a session that has gone away.
	ErrSessionClosed = errors.New("daemon: session closed")

	// ErrShuttingDown fails commands still queued when the daemon stops.
	ErrShuttingDown = errors.New("daemon: shutting down")

	// ErrRemoteStopDisabled is answered to a Shutdown record when remote stop is not allowed.
	ErrRemoteStopDisabled = errors.New("daemon: remote stop is disabled")

	// ErrServerClosed is returned by Run on a server that already ran.
	ErrServerClosed = errors.New("daemon: server closed")

	// ErrStartup indicates the detached daemon failed to start.
	ErrStartup = errors.New("daemon: startup failed")
)
