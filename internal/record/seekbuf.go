package record

import (
	"bytes"
	"fmt"
	"io"
)

// seekableBuffer adapts bytes.Buffer to io.WriteSeeker for the mp4
// marshalers, which rewrite box sizes in place.
type seekableBuffer struct {
	*bytes.Buffer
	pos int64
}

func (s *seekableBuffer) Write(p []byte) (int, error) {
	if int(s.pos) > s.Buffer.Len() {
		s.Buffer.Write(make([]byte, int(s.pos)-s.Buffer.Len()))
	}
	var n int
	if int(s.pos) == s.Buffer.Len() {
		var err error
		n, err = s.Buffer.Write(p)
		if err != nil {
			return n, err
		}
	} else {
		b := s.Buffer.Bytes()
		n = copy(b[s.pos:], p)
		if n < len(p) {
			extra, err := s.Buffer.Write(p[n:])
			if err != nil {
				return n, err
			}
			n += extra
		}
	}
	s.pos += int64(n)
	return n, nil
}

func (s *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.pos + offset
	case io.SeekEnd:
		pos = int64(s.Buffer.Len()) + offset
	default:
		return 0, fmt.Errorf("invalid whence")
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative position")
	}
	s.pos = pos
	return pos, nil
}
