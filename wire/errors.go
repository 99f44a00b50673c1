package wire

import "errors"

var (
	// ErrZeroLength indicates a length header of zero.
	ErrZeroLength = errors.New("wire: record length is zero")

	// ErrTooLarge indicates a length header exceeding the configured maximum.
	ErrTooLarge = errors.New("wire: record length exceeds maximum")

	// ErrTooShort indicates a length header smaller than the fixed header of the frame.
	ErrTooShort = errors.New("wire: record shorter than its header")

	// ErrUnknownKind indicates a client record with an undefined kind byte.
	ErrUnknownKind = errors.New("wire: unknown record kind")
)
