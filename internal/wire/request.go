package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Proto is the only protocol version spoken on the API socket.
const Proto = "HTTP/1.1"

// Header names the codec manages itself.
const (
	HeaderContentLength    = "Content-Length"
	HeaderContentType      = "Content-Type"
	HeaderTransferEncoding = "Transfer-Encoding"
)

var requestLineRE = regexp.MustCompile(`^([A-Za-z]+) (\S+) HTTP/(\d+\.\d+)$`)

// Request is a serialized-ready API request. Build one with NewRequest.
type Request struct {
	Method string
	Target string
	Header Header
	Body   []byte
}

// Bytes returns the request in wire format: request line, header fields in
// insertion order, a blank line, then the body.
func (r *Request) Bytes() []byte {
	var b bytes.Buffer
	b.Grow(len(r.Method) + len(r.Target) + 64*r.Header.Len() + len(r.Body))
	b.WriteString(r.Method)
	b.WriteByte(' ')
	b.WriteString(r.Target)
	b.WriteByte(' ')
	b.WriteString(Proto)
	b.WriteString("\r\n")
	for _, name := range r.Header.names {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(r.Header.values[name])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(r.Body)
	return b.Bytes()
}

// WriteTo writes the serialized request to w.
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes())
	return int64(n), err
}

// RequestBuilder accumulates the parts of a Request. The first error
// encountered is reported by Build.
type RequestBuilder struct {
	method string
	target string
	header Header
	body   []byte
	err    error
}

// NewRequest starts a request for method and target (e.g. "PUT", "/boot-source").
func NewRequest(method, target string) *RequestBuilder {
	return &RequestBuilder{method: method, target: target}
}

// Header sets a header field. Values are written verbatim, so they may not
// contain line breaks or start or end with whitespace, which a parser strips.
func (b *RequestBuilder) Header(name, value string) *RequestBuilder {
	switch {
	case b.err != nil:
	case !validFieldName(name):
		b.err = fmt.Errorf("%w: invalid header name %q", ErrMalformedRequest, name)
	case strings.ContainsAny(value, "\r\n"):
		b.err = fmt.Errorf("%w: header %q value contains a line break", ErrMalformedRequest, name)
	case strings.Trim(value, " \t") != value:
		b.err = fmt.Errorf("%w: header %q value has surrounding whitespace", ErrMalformedRequest, name)
	}
	b.header.Set(name, value)
	return b
}

// Body sets the raw request body.
func (b *RequestBuilder) Body(body []byte) *RequestBuilder {
	b.body = body
	return b
}

// JSON marshals v as the request body and sets the JSON content type.
func (b *RequestBuilder) JSON(v any) *RequestBuilder {
	data, err := json.Marshal(v)
	if err != nil {
		if b.err == nil {
			b.err = fmt.Errorf("marshal request body: %w", err)
		}
		return b
	}
	b.body = data
	return b.Header(HeaderContentType, "application/json")
}

// Build validates the accumulated parts and returns the Request. The
// Content-Length field always reflects the final body length.
func (b *RequestBuilder) Build() (*Request, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.method == "" || strings.ContainsAny(b.method, " \r\n") {
		return nil, fmt.Errorf("%w: invalid method %q", ErrMalformedRequest, b.method)
	}
	if !strings.HasPrefix(b.target, "/") || strings.ContainsAny(b.target, " \r\n") {
		return nil, fmt.Errorf("%w: invalid target %q", ErrMalformedRequest, b.target)
	}

	header := b.header.clone()
	header.Del(HeaderContentLength)
	header.Set(HeaderContentLength, strconv.Itoa(len(b.body)))

	return &Request{
		Method: b.method,
		Target: b.target,
		Header: header,
		Body:   bytes.Clone(b.body),
	}, nil
}

// ParseRequest decodes a request in wire format. Header names keep their
// case. The body is taken by Content-Length, clamped to the bytes available.
func ParseRequest(raw []byte) (*Request, error) {
	head, rest := splitHead(raw)
	lines := splitLines(head)
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrMalformedRequest)
	}

	m := requestLineRE.FindStringSubmatch(lines[0])
	if m == nil {
		return nil, fmt.Errorf("%w: bad request line %q", ErrMalformedRequest, lines[0])
	}

	req := &Request{Method: m[1], Target: m[2]}
	parseFields(&req.Header, lines[1:], false)

	body := rest
	if cl, ok := req.Header.lookupFold(HeaderContentLength); ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad content-length %q", ErrMalformedRequest, cl)
		}
		body = rest[:min(n, len(rest))]
	}
	if len(body) > 0 {
		req.Body = bytes.Clone(body)
	}
	return req, nil
}

func validFieldName(name string) bool {
	return name != "" && !strings.ContainsAny(name, ": \t\r\n")
}
