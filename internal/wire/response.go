package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	headSeparator = []byte("\r\n\r\n")

	statusLineRE  = regexp.MustCompile(`^HTTP/(\d+\.\d+)\s+(\d{3})(?:\s+(.*))?$`)
	headerFieldRE = regexp.MustCompile(`^([^:\r\n]+):\s*(.*)$`)
)

// Response is a decoded API response. Header names are lowercase.
type Response struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     Header
	Body       string
}

// Get returns the header value for name, matched case-insensitively.
func (r *Response) Get(name string) string {
	return r.Header.Get(strings.ToLower(name))
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Fault returns the fault_message of a Firecracker error body, or the raw
// body when it is not in that shape.
func (r *Response) Fault() string {
	var body struct {
		FaultMessage string `json:"fault_message"`
	}
	if err := json.Unmarshal([]byte(r.Body), &body); err == nil && body.FaultMessage != "" {
		return body.FaultMessage
	}
	return strings.TrimSpace(r.Body)
}

func (r *Response) String() string {
	return fmt.Sprintf("%s %d %s", r.Proto, r.StatusCode, r.Reason)
}

// ParseResponse decodes raw response bytes.
//
// The body is framed by chunked transfer-encoding when announced, otherwise by
// Content-Length clamped to the bytes present, otherwise it is the whole
// remainder. A body shorter than its Content-Length is returned as-is.
func ParseResponse(raw []byte) (*Response, error) {
	head, rest := splitHead(raw)
	lines := splitLines(head)
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}

	m := statusLineRE.FindStringSubmatch(lines[0])
	if m == nil {
		return nil, fmt.Errorf("%w: bad status line %q", ErrMalformedResponse, lines[0])
	}
	code, _ := strconv.Atoi(m[2])
	if code < 100 {
		return nil, fmt.Errorf("%w: invalid status code %d", ErrMalformedResponse, code)
	}

	resp := &Response{
		Proto:      "HTTP/" + m[1],
		StatusCode: code,
		Reason:     strings.TrimSpace(m[3]),
	}
	parseFields(&resp.Header, lines[1:], true)

	body, err := responseBody(&resp.Header, rest)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(body) {
		return nil, ErrInvalidEncoding
	}
	resp.Body = string(body)
	return resp, nil
}

// Complete reports whether raw holds a whole response, so a reader
// accumulating socket reads knows when to stop. Framing that can never
// become valid counts as complete and is left for ParseResponse to reject.
func Complete(raw []byte) bool {
	idx := bytes.Index(raw, headSeparator)
	if idx < 0 {
		return false
	}
	var h Header
	parseFields(&h, splitLines(raw[:idx]), true)
	rest := raw[idx+len(headSeparator):]

	if isChunked(&h) {
		_, done, err := decodeChunked(rest)
		if err != nil {
			return !truncated(err)
		}
		return done
	}
	if cl, ok := h.Lookup("content-length"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil {
			return true
		}
		return len(rest) >= n
	}
	return true
}

func responseBody(h *Header, rest []byte) ([]byte, error) {
	if isChunked(h) {
		body, _, err := decodeChunked(rest)
		return body, err
	}
	if cl, ok := h.Lookup("content-length"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad content-length %q", ErrMalformedResponse, cl)
		}
		return rest[:min(n, len(rest))], nil
	}
	return rest, nil
}

func isChunked(h *Header) bool {
	te, ok := h.Lookup("transfer-encoding")
	return ok && strings.Contains(strings.ToLower(te), "chunked")
}

// splitHead splits raw at the first blank line. Without one the whole buffer
// is treated as the header block and the remainder is empty.
func splitHead(raw []byte) (head, rest []byte) {
	idx := bytes.Index(raw, headSeparator)
	if idx < 0 {
		return raw, nil
	}
	return raw[:idx], raw[idx+len(headSeparator):]
}

func splitLines(head []byte) []string {
	if len(head) == 0 {
		return nil
	}
	lines := strings.Split(string(head), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// parseFields adds every "Name: Value" line to h, folding repeated names.
// Lines that are not header fields are skipped.
func parseFields(h *Header, lines []string, lower bool) {
	for _, line := range lines {
		m := headerFieldRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		if lower {
			name = strings.ToLower(name)
		}
		h.fold(name, strings.TrimRight(m[2], " \t"))
	}
}
