package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var crlf = []byte("\r\n")

// decodeChunked decodes a chunked transfer-encoded body. done reports whether
// the zero-size chunk and the blank line after any trailer fields were seen;
// a body cut off inside the trailer is still returned without error.
func decodeChunked(b []byte) (body []byte, done bool, err error) {
	body = []byte{}
	for {
		i := bytes.Index(b, crlf)
		if i < 0 {
			return nil, false, fmt.Errorf("%w: incomplete chunk size line", ErrTruncatedChunk)
		}
		line := b[:i]
		b = b[i+len(crlf):]

		if j := bytes.IndexByte(line, ';'); j >= 0 {
			line = line[:j]
		}
		size, err := strconv.ParseUint(string(bytes.TrimSpace(line)), 16, 63)
		if err != nil {
			return nil, false, fmt.Errorf("%w: bad chunk size %q", ErrMalformedResponse, line)
		}

		if size == 0 {
			for {
				k := bytes.Index(b, crlf)
				if k < 0 {
					return body, false, nil
				}
				if k == 0 {
					return body, true, nil
				}
				b = b[k+len(crlf):]
			}
		}

		if uint64(len(b)) < size {
			return nil, false, fmt.Errorf("%w: want %d bytes, have %d", ErrTruncatedChunk, size, len(b))
		}
		body = append(body, b[:size]...)
		b = b[size:]

		switch {
		case bytes.HasPrefix(b, crlf):
			b = b[len(crlf):]
		case len(b) < len(crlf) && bytes.HasPrefix(crlf, b):
			return nil, false, fmt.Errorf("%w: chunk terminator cut off", ErrTruncatedChunk)
		default:
			return nil, false, ErrMissingChunkTerminator
		}
	}
}

// truncated reports whether err only means more input is needed.
func truncated(err error) bool {
	return errors.Is(err, ErrTruncatedChunk)
}
