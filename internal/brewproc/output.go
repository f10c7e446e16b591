package brewproc

import "bytes"

// lineSplitter accumulates stream data and returns complete lines. Both \n
// and \r end a line so carriage-return progress bars yield one line per
// redraw.
type lineSplitter struct {
	partial []byte
}

func (s *lineSplitter) feed(data []byte) []string {
	var lines []string
	for len(data) > 0 {
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			s.partial = append(s.partial, data...)
			break
		}
		line := append(s.partial, data[:i]...)
		s.partial = nil
		if len(line) > 0 {
			lines = append(lines, string(line))
		}
		data = data[i+1:]
	}
	return lines
}

// flush returns any unterminated trailing line.
func (s *lineSplitter) flush() string {
	line := string(s.partial)
	s.partial = nil
	return line
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
