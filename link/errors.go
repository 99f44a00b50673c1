package link

import "errors"

var (
	// ErrTimeout indicates the link produced no reply within the transaction timeout.
	ErrTimeout = errors.New("link: transaction timeout")

	// ErrLinkDown indicates the hardware link is closed and could not be reopened.
	ErrLinkDown = errors.New("link: hardware link is down")

	// ErrMalformedReply indicates the adapter sent bytes that do not form a valid frame.
	ErrMalformedReply = errors.New("link: malformed reply")

	// ErrTargetError indicates the adapter answered with a non-zero status.
	ErrTargetError = errors.New("link: target reported an error")

	// ErrInvalidSpec indicates an unparsable link spec.
	ErrInvalidSpec = errors.New("link: invalid link spec")
)
