package dbgtest

import (
	"bytes"
)

// lineSplitter accumulates chunks of output, emitting each complete line
// (without its terminator) in arrival order. A trailing partial line is
// retained until a later chunk completes it.
type lineSplitter struct {
	emit func(line string)
	buf  []byte
}

func (s *lineSplitter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	var off int
	for {
		i := bytes.IndexByte(s.buf[off:], '\n')
		if i < 0 {
			break
		}
		line := s.buf[off : off+i]
		off += i + 1
		s.emit(string(bytes.TrimSuffix(line, []byte{'\r'})))
	}
	if off != 0 {
		n := copy(s.buf, s.buf[off:])
		s.buf = s.buf[:n]
	}
	return len(p), nil
}

// Flush emits any retained partial line.
func (s *lineSplitter) Flush() {
	if len(s.buf) == 0 {
		return
	}
	line := string(bytes.TrimSuffix(s.buf, []byte{'\r'}))
	s.buf = s.buf[:0]
	s.emit(line)
}

// Buffered returns the number of bytes of the retained partial line.
func (s *lineSplitter) Buffered() int {
	return len(s.buf)
}
