package wire

// stream buffers received bytes behind a read offset.
//
// Decoding only advances the offset; consumed bytes are reclaimed once per
// feed, so a burst of records costs one copy rather than one per record.
type stream struct {
	buf []byte
	off int
}

func (s *stream) feed(p []byte) {
	if s.off > 0 {
		n := copy(s.buf, s.buf[s.off:])
		s.buf = s.buf[:n]
		s.off = 0
	}
	s.buf = append(s.buf, p...)
}

func (s *stream) pending() []byte {
	return s.buf[s.off:]
}

func (s *stream) consume(n int) {
	s.off += n
	if s.off == len(s.buf) {
		s.reset()
	}
}

func (s *stream) reset() {
	s.buf = s.buf[:0]
	s.off = 0
}

func (s *stream) buffered() int {
	return len(s.buf) - s.off
}
