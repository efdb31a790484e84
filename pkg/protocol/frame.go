package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
)

// ErrFrameTooLarge a line exceeded the configured maximum frame size
var ErrFrameTooLarge = errors.New("frame too large")

// ReadFrame reads one newline-terminated frame of at most maxBytes bytes
// (excluding the terminator). The returned slice has the trailing "\r\n"
// or "\n" removed and is only valid until the next call.
func ReadFrame(r *bufio.Reader, maxBytes int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(buf)+len(chunk) > maxBytes+2 {
			// Drop the rest of the oversized line.
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = r.ReadSlice('\n')
			}
			return nil, fmt.Errorf("%w (limit %d bytes)", ErrFrameTooLarge, maxBytes)
		}
		switch {
		case err == nil:
			if buf == nil {
				buf = chunk
			} else {
				buf = append(buf, chunk...)
			}
			line := bytes.TrimRight(buf, "\r\n")
			if len(line) > maxBytes {
				return nil, fmt.Errorf("%w (limit %d bytes)", ErrFrameTooLarge, maxBytes)
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			buf = append(buf, chunk...)
		default:
			return nil, err
		}
	}
}
