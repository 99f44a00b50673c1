package wire

import "encoding/binary"

const (
	// frameHeaderSize is the transaction id plus the status byte.
	frameHeaderSize = 5

	// DefaultMaxFrameSize bounds the length header of a link frame.
	DefaultMaxFrameSize = 1024 * 1024
)

// Link frame status codes.
const (
	StatusOK    byte = 0x00
	StatusError byte = 0x01
)

// Frame is one link frame exchanged with the hardware adapter.
type Frame struct {
	ID      uint32
	Status  byte
	Payload []byte
}

// OK reports whether the adapter completed the command successfully.
func (f Frame) OK() bool {
	return f.Status == StatusOK
}

// AppendFrame appends the encoding of f to dst and returns the extended slice.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(frameHeaderSize+len(f.Payload))) //nolint:gosec
	dst = binary.BigEndian.AppendUint32(dst, f.ID)
	dst = append(dst, f.Status)

	return append(dst, f.Payload...)
}

// FrameDecoder assembles link frames from a byte stream.
//
// Unlike Decoder, a framing error is not sticky: the hardware link outlives
// individual transactions, so the caller resets the decoder and carries on.
type FrameDecoder struct {
	maxSize int
	in      stream
}

// NewFrameDecoder creates a FrameDecoder. A non-positive maxSize selects DefaultMaxFrameSize.
func NewFrameDecoder(maxSize int) *FrameDecoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	return &FrameDecoder{maxSize: maxSize}
}

// Feed appends freshly read bytes.
func (d *FrameDecoder) Feed(p []byte) {
	d.in.feed(p)
}

// Next returns the next complete frame, or ok == false when more bytes are needed.
func (d *FrameDecoder) Next() (f Frame, ok bool, err error) {
	body, n, err := splitFrame(d.in.pending(), frameHeaderSize, d.maxSize)
	if err != nil || n == 0 {
		return Frame{}, false, err
	}

	f = Frame{
		ID:      binary.BigEndian.Uint32(body[:4]),
		Status:  body[4],
		Payload: append([]byte(nil), body[frameHeaderSize:]...),
	}
	d.in.consume(n)

	return f, true, nil
}

// Reset discards any partially received bytes.
func (d *FrameDecoder) Reset() {
	d.in.reset()
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *FrameDecoder) Buffered() int {
	return d.in.buffered()
}
