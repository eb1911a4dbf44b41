package wire

import "errors"

// Decode errors. They are distinct from transport I/O errors so callers can
// tell a broken peer from a broken connection.
var (
	// ErrMalformedResponse is returned when the status line or framing headers
	// of a response cannot be parsed.
	ErrMalformedResponse = errors.New("wire: malformed response")

	// ErrMalformedRequest is returned when a request cannot be built or parsed.
	ErrMalformedRequest = errors.New("wire: malformed request")

	// ErrTruncatedChunk is returned when a chunked body ends before a chunk
	// size line or chunk payload is complete.
	ErrTruncatedChunk = errors.New("wire: truncated chunk")

	// ErrMissingChunkTerminator is returned when chunk payload bytes are not
	// followed by CRLF.
	ErrMissingChunkTerminator = errors.New("wire: missing chunk terminator")

	// ErrInvalidEncoding is returned when a response body is not valid UTF-8.
	ErrInvalidEncoding = errors.New("wire: body is not valid UTF-8")
)
