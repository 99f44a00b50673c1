package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// LengthSize is the size of the big-endian length header.
	LengthSize = 4

	// DefaultMaxRecordSize bounds the length header of a client record.
	DefaultMaxRecordSize = 64 * 1024
)

// Kind identifies the type of a client record.
type Kind byte

const (
	// KindCommand carries a debug command from a client.
	KindCommand Kind = 0x01
	// KindResponse carries the hardware response to a command.
	KindResponse Kind = 0x02
	// KindError carries an error message in place of a response.
	KindError Kind = 0x03
	// KindShutdown asks the daemon to stop.
	KindShutdown Kind = 0x04
	// KindShutdownAck acknowledges a shutdown request.
	KindShutdownAck Kind = 0x05
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "Command"
	case KindResponse:
		return "Response"
	case KindError:
		return "Error"
	case KindShutdown:
		return "Shutdown"
	case KindShutdownAck:
		return "ShutdownAck"
	default:
		return fmt.Sprintf("Kind(0x%02X)", byte(k))
	}
}

// Valid reports whether k is a defined record kind.
func (k Kind) Valid() bool {
	return k >= KindCommand && k <= KindShutdownAck
}

// Record is one decoded client record.
type Record struct {
	Kind    Kind
	Payload []byte
}

// AppendRecord appends the encoding of a record to dst and returns the extended slice.
func AppendRecord(dst []byte, kind Kind, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(1+len(payload))) //nolint:gosec
	dst = append(dst, byte(kind))

	return append(dst, payload...)
}

// Decoder assembles client records from a byte stream.
//
// Decoder is NOT goroutine-safe.
type Decoder struct {
	maxSize int
	in      stream
	err     error
}

// NewDecoder creates a Decoder rejecting records whose length exceeds maxSize.
// A non-positive maxSize selects DefaultMaxRecordSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxRecordSize
	}

	return &Decoder{maxSize: maxSize}
}

// Feed appends freshly read bytes to the decoder buffer.
func (d *Decoder) Feed(p []byte) {
	if d.err != nil {
		return
	}
	d.in.feed(p)
}

// Next returns the next complete record.
//
// ok is false when more bytes are needed. After a framing error the stream
// cannot be resynchronized, so every later call returns the same error.
// The returned payload is a copy and stays valid after further Feed calls.
func (d *Decoder) Next() (rec Record, ok bool, err error) {
	if d.err != nil {
		return Record{}, false, d.err
	}

	body, n, err := splitFrame(d.in.pending(), 1, d.maxSize)
	if err != nil {
		d.fail(err)
		return Record{}, false, d.err
	}
	if n == 0 {
		return Record{}, false, nil
	}

	kind := Kind(body[0])
	if !kind.Valid() {
		d.fail(fmt.Errorf("%w: 0x%02X", ErrUnknownKind, body[0]))
		return Record{}, false, d.err
	}

	rec = Record{Kind: kind, Payload: append([]byte(nil), body[1:]...)}
	d.in.consume(n)

	return rec, true, nil
}

// Buffered returns the number of bytes waiting for a complete record.
func (d *Decoder) Buffered() int {
	return d.in.buffered()
}

// Err returns the sticky framing error, if any.
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) fail(err error) {
	d.err = err
	d.in = stream{}
}

// splitFrame extracts one length-prefixed body from buf.
//
// It returns the body, the total number of bytes it occupies including the
// length header, or n == 0 when buf does not yet hold a complete frame.
func splitFrame(buf []byte, minBody int, maxBody int) (body []byte, n int, err error) {
	if len(buf) < LengthSize {
		return nil, 0, nil
	}

	size := binary.BigEndian.Uint32(buf[:LengthSize])
	switch {
	case size == 0:
		return nil, 0, ErrZeroLength
	case uint64(size) > uint64(maxBody):
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, maxBody)
	case int(size) < minBody:
		return nil, 0, fmt.Errorf("%w: %d < %d", ErrTooShort, size, minBody)
	}

	total := LengthSize + int(size)
	if len(buf) < total {
		return nil, 0, nil
	}

	return buf[LengthSize:total], total, nil
}
