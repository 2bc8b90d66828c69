package baresip

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// maxFrame bounds a single ctrl_tcp message
const maxFrame = 1 << 20

var errFrame = errors.New("malformed netstring")

// writeFrame writes data as a netstring: <length>:<data>,
func writeFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 0, len(data)+12)
	buf = strconv.AppendInt(buf, int64(len(data)), 10)
	buf = append(buf, ':')
	buf = append(buf, data...)
	buf = append(buf, ',')
	_, err := w.Write(buf)
	return err
}

// frameReader reads netstrings from a stream
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

// next returns the payload of the next netstring
func (f *frameReader) next() ([]byte, error) {
	length := 0
	digits := 0
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return nil, fmt.Errorf("%w: unexpected byte %q in length", errFrame, b)
		}
		digits++
		length = length*10 + int(b-'0')
		if length > maxFrame {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", errFrame, maxFrame)
		}
	}
	if digits == 0 {
		return nil, fmt.Errorf("%w: empty length", errFrame)
	}

	payload := make([]byte, length+1)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return nil, err
	}
	if payload[length] != ',' {
		return nil, fmt.Errorf("%w: missing trailing comma", errFrame)
	}
	return payload[:length], nil
}
