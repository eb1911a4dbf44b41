package wire

import (
	"errors"
	"strconv"
	"strings"
	"testing"
)

func TestParseResponseContentLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 13\r\nContent-Type: text/plain\r\n\r\nHello, world!"

	resp, err := ParseResponse([]byte(raw))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if resp.Reason != "OK" {
		t.Errorf("Reason = %q, want %q", resp.Reason, "OK")
	}
	if got := resp.Header.Get("content-type"); got != "text/plain" {
		t.Errorf("content-type = %q, want %q", got, "text/plain")
	}
	if resp.Body != "Hello, world!" {
		t.Errorf("Body = %q, want %q", resp.Body, "Hello, world!")
	}
	if !resp.OK() {
		t.Error("OK() = false, want true")
	}
}

func TestParseResponseChunked(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nHello\r\n6\r\n, worl\r\n2\r\nd!\r\n0\r\n\r\n"

	resp, err := ParseResponse([]byte(raw))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Body != "Hello, world!" {
		t.Errorf("Body = %q, want %q", resp.Body, "Hello, world!")
	}
}

func TestParseResponseChunkBoundariesTransparent(t *testing.T) {
	want := `{"state":"Running","id":"vm-1"}`
	splits := [][]int{
		{len(want)},
		{1, len(want) - 1},
		{5, 5, 5, len(want) - 15},
	}

	for _, sizes := range splits {
		var b strings.Builder
		b.WriteString("HTTP/1.1 200 OK\r\ntransfer-encoding: gzip, Chunked\r\n\r\n")
		off := 0
		for _, n := range sizes {
			b.WriteString(strings.ToUpper(strconv.FormatInt(int64(n), 16)))
			b.WriteString(";ext=1\r\n")
			b.WriteString(want[off : off+n])
			b.WriteString("\r\n")
			off += n
		}
		b.WriteString("0\r\n\r\n")

		resp, err := ParseResponse([]byte(b.String()))
		if err != nil {
			t.Fatalf("sizes %v: ParseResponse: %v", sizes, err)
		}
		if resp.Body != want {
			t.Errorf("sizes %v: Body = %q, want %q", sizes, resp.Body, want)
		}
	}
}

func TestParseResponseZeroChunk(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n"

	resp, err := ParseResponse([]byte(raw))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Body != "" {
		t.Errorf("Body = %q, want empty", resp.Body)
	}
}

func TestParseResponseChunkErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"payload short", "a\r\nHello", ErrTruncatedChunk},
		{"size line cut", "5", ErrTruncatedChunk},
		{"terminator cut", "5\r\nHello\r", ErrTruncatedChunk},
		{"terminator missing", "5\r\nHelloXX0\r\n\r\n", ErrMissingChunkTerminator},
		{"bad size", "zz\r\nHello\r\n0\r\n\r\n", ErrMalformedResponse},
	}
	for _, tt := range tests {
		raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" + tt.body
		_, err := ParseResponse([]byte(raw))
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestParseResponseContentLengthClamped(t *testing.T) {
	tests := []struct {
		name   string
		length string
		body   string
		want   string
	}{
		{"exact", "5", "Hello", "Hello"},
		{"shorter than remainder", "3", "Hello", "Hel"},
		{"longer than remainder", "50", "Hello", "Hello"},
		{"zero", "0", "Hello", ""},
	}
	for _, tt := range tests {
		raw := "HTTP/1.1 200 OK\r\nContent-Length: " + tt.length + "\r\n\r\n" + tt.body
		resp, err := ParseResponse([]byte(raw))
		if err != nil {
			t.Fatalf("%s: ParseResponse: %v", tt.name, err)
		}
		if resp.Body != tt.want {
			t.Errorf("%s: Body = %q, want %q", tt.name, resp.Body, tt.want)
		}
	}
}

func TestParseResponseChunkedWinsOverContentLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n"

	resp, err := ParseResponse([]byte(raw))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Body != "abc" {
		t.Errorf("Body = %q, want %q", resp.Body, "abc")
	}
}

func TestParseResponseNoFramingHeaders(t *testing.T) {
	resp, err := ParseResponse([]byte("HTTP/1.1 204 \r\nServer: Firecracker API\r\nConnection: keep-alive\r\n\r\n"))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.StatusCode != 204 {
		t.Errorf("StatusCode = %d, want 204", resp.StatusCode)
	}
	if resp.Reason != "" {
		t.Errorf("Reason = %q, want empty", resp.Reason)
	}
	if resp.Body != "" {
		t.Errorf("Body = %q, want empty", resp.Body)
	}
	if got := resp.Get("Server"); got != "Firecracker API" {
		t.Errorf("Get(Server) = %q, want %q", got, "Firecracker API")
	}
}

func TestParseResponseRemainderIsBody(t *testing.T) {
	resp, err := ParseResponse([]byte("HTTP/1.0 200 OK\r\n\r\nrest of stream"))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Proto != "HTTP/1.0" {
		t.Errorf("Proto = %q, want %q", resp.Proto, "HTTP/1.0")
	}
	if resp.Body != "rest of stream" {
		t.Errorf("Body = %q, want %q", resp.Body, "rest of stream")
	}
}

func TestParseResponseMissingSeparator(t *testing.T) {
	resp, err := ParseResponse([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 10"))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("StatusCode = %d, want 400", resp.StatusCode)
	}
	if resp.Body != "" {
		t.Errorf("Body = %q, want empty", resp.Body)
	}
}

func TestParseResponseDuplicateHeadersFolded(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nX-Trace: a\r\nContent-Length: 0\r\nx-trace: b\r\nX-TRACE: c\r\n\r\n"

	resp, err := ParseResponse([]byte(raw))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if got := resp.Header.Get("x-trace"); got != "a, b, c" {
		t.Errorf("x-trace = %q, want %q", got, "a, b, c")
	}
	if got := resp.Header.Names(); len(got) != 2 || got[0] != "x-trace" || got[1] != "content-length" {
		t.Errorf("Names() = %v, want [x-trace content-length]", got)
	}
}

func TestParseResponseMalformedStatus(t *testing.T) {
	inputs := []string{
		"",
		"garbage\r\n\r\n",
		"HTTP/1.1 OK\r\n\r\n",
		"HTTP/1.1 20 OK\r\n\r\n",
		"HTTP/1.1 2000 OK\r\n\r\n",
		"HTTP/1.1 042 Odd\r\n\r\n",
		"HTTP/x 200 OK\r\n\r\n",
	}
	for _, in := range inputs {
		_, err := ParseResponse([]byte(in))
		if !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("ParseResponse(%q) err = %v, want ErrMalformedResponse", in, err)
		}
	}
}

func TestParseResponseUnknownStatusCode(t *testing.T) {
	resp, err := ParseResponse([]byte("HTTP/1.1 599 Whatever\r\n\r\n"))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.StatusCode != 599 {
		t.Errorf("StatusCode = %d, want 599", resp.StatusCode)
	}
	if resp.OK() {
		t.Error("OK() = true, want false")
	}
}

func TestParseResponseBadContentLength(t *testing.T) {
	_, err := ParseResponse([]byte("HTTP/1.1 200 OK\r\nContent-Length: ten\r\n\r\nabc"))
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("err = %v, want ErrMalformedResponse", err)
	}
}

func TestParseResponseInvalidUTF8(t *testing.T) {
	raw := append([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n"), 0xff, 0xfe)
	_, err := ParseResponse(raw)
	if !errors.Is(err, ErrInvalidEncoding) {
		t.Errorf("err = %v, want ErrInvalidEncoding", err)
	}
}

func TestResponseFault(t *testing.T) {
	raw := "HTTP/1.1 400 Bad Request\r\nContent-Type: application/json\r\nContent-Length: 46\r\n\r\n" +
		`{"fault_message":"Invalid kernel image path."}`

	resp, err := ParseResponse([]byte(raw))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if got := resp.Fault(); got != "Invalid kernel image path." {
		t.Errorf("Fault() = %q, want %q", got, "Invalid kernel image path.")
	}

	plain := &Response{StatusCode: 500, Body: "  boom \n"}
	if got := plain.Fault(); got != "boom" {
		t.Errorf("Fault() = %q, want %q", got, "boom")
	}
}

func TestComplete(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"no separator", "HTTP/1.1 204 \r\nServer: x\r\n", false},
		{"no framing", "HTTP/1.1 204 \r\nServer: x\r\n\r\n", true},
		{"content-length short", "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nHel", false},
		{"content-length met", "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nHello", true},
		{"content-length garbage", "HTTP/1.1 200 OK\r\nContent-Length: x\r\n\r\n", true},
		{"chunked partial", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nHel", false},
		{"chunked no final line", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nHello\r\n0\r\n", false},
		{"chunked done", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nHello\r\n0\r\n\r\n", true},
		{"chunked broken", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nHelloXX", true},
	}
	for _, tt := range tests {
		if got := Complete([]byte(tt.raw)); got != tt.want {
			t.Errorf("%s: Complete() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
