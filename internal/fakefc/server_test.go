package fakefc

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/firelink/internal/transport"
	"github.com/seantiz/firelink/internal/wire"
)

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	srv, err := Listen(filepath.Join(t.TempDir(), "fc.sock"), opts...)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return srv
}

// exchange sends one request and reads until the response is complete.
func exchange(t *testing.T, c *transport.Conn, req *wire.Request) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Send(ctx, req.Bytes()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var raw []byte
	for !wire.Complete(raw) {
		b, err := c.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		raw = append(raw, b...)
	}
	return raw
}

func roundTrip(t *testing.T, c *transport.Conn, req *wire.Request) *wire.Response {
	t.Helper()
	resp, err := wire.ParseResponse(exchange(t, c, req))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	return resp
}

// request starts a builder carrying the Host header net/http requires.
func request(method, target string) *wire.RequestBuilder {
	return wire.NewRequest(method, target).Header("Host", "localhost")
}

func dial(t *testing.T, srv *Server) *transport.Conn {
	t.Helper()
	c, err := transport.Dial(context.Background(), srv.Path())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func mustBuild(t *testing.T, b *wire.RequestBuilder) *wire.Request {
	t.Helper()
	req, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return req
}

func TestPutAnswersNoContent(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv)

	resp := roundTrip(t, c, mustBuild(t, request("PUT", "/boot-source").
		JSON(map[string]string{"kernel_image_path": "/k"})))
	if resp.StatusCode != 204 {
		t.Errorf("StatusCode = %d, want 204", resp.StatusCode)
	}
	if resp.Body != "" {
		t.Errorf("Body = %q, want empty", resp.Body)
	}

	entries := srv.Entries()
	if len(entries) != 1 {
		t.Fatalf("Entries() = %d, want 1", len(entries))
	}
	if entries[0].Target != "/boot-source" {
		t.Errorf("Target = %q, want %q", entries[0].Target, "/boot-source")
	}
	if entries[0].Body != `{"kernel_image_path":"/k"}` {
		t.Errorf("Body = %q", entries[0].Body)
	}
}

func TestSequentialRequestsOnOneConnection(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv)

	for _, target := range []string{"/boot-source", "/drives/rootfs", "/actions"} {
		b := request("PUT", target).JSON(map[string]string{"action_type": "InstanceStart"})
		if resp := roundTrip(t, c, mustBuild(t, b)); !resp.OK() {
			t.Errorf("%s: StatusCode = %d", target, resp.StatusCode)
		}
	}
	if got := len(srv.Entries()); got != 3 {
		t.Errorf("Entries() = %d, want 3", got)
	}
}

func TestFault(t *testing.T) {
	srv := startServer(t, WithFault("/drives/rootfs", "Invalid drive path."))
	c := dial(t, srv)

	resp := roundTrip(t, c, mustBuild(t, request("PUT", "/drives/rootfs").JSON(struct{}{})))
	if resp.StatusCode != 400 {
		t.Errorf("StatusCode = %d, want 400", resp.StatusCode)
	}
	if got := resp.Fault(); got != "Invalid drive path." {
		t.Errorf("Fault() = %q, want %q", got, "Invalid drive path.")
	}
}

func TestInstanceInfoIsChunked(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv)

	raw := exchange(t, c, mustBuild(t, request("GET", "/")))
	if !bytes.HasSuffix(raw, []byte("\r\n0\r\n\r\n")) {
		t.Errorf("response %q does not end with the last-chunk marker", raw)
	}
	resp, err := wire.ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Get("Content-Length") != "" {
		t.Errorf("content-length = %q, want none", resp.Get("Content-Length"))
	}
	if resp.Get("Transfer-Encoding") != "chunked" {
		t.Errorf("transfer-encoding = %q, want chunked", resp.Get("Transfer-Encoding"))
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(resp.Body), &info); err != nil {
		t.Fatalf("decode body %q: %v", resp.Body, err)
	}
	if info["state"] != "Not started" {
		t.Errorf("state = %q, want %q", info["state"], "Not started")
	}

	roundTrip(t, c, mustBuild(t, request("PUT", "/actions").
		JSON(map[string]string{"action_type": "InstanceStart"})))
	resp = roundTrip(t, c, mustBuild(t, request("GET", "/")))
	if !strings.Contains(resp.Body, `"state":"Running"`) {
		t.Errorf("body = %q, want Running state", resp.Body)
	}
}

func TestUnsupportedRequestsAreFaults(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv)

	resp := roundTrip(t, c, mustBuild(t, request("DELETE", "/drives/rootfs")))
	if resp.StatusCode != 400 {
		t.Errorf("StatusCode = %d, want 400", resp.StatusCode)
	}
	if got := resp.Fault(); got != "unsupported DELETE /drives/rootfs" {
		t.Errorf("Fault() = %q", got)
	}

	resp = roundTrip(t, c, mustBuild(t, request("PUT", "/actions").Header("Content-Type", "application/json").Body([]byte("{"))))
	if got := resp.Fault(); got != "invalid action body" {
		t.Errorf("Fault() = %q, want %q", got, "invalid action body")
	}

	if got := len(srv.Entries()); got != 2 {
		t.Errorf("Entries() = %d, want 2", got)
	}
}

func TestJournal(t *testing.T) {
	var journal bytes.Buffer
	srv := startServer(t, WithJournal(&journal))
	c := dial(t, srv)

	roundTrip(t, c, mustBuild(t, request("PUT", "/vsock").Header("X-Trace", "a  b").JSON(struct{}{})))

	var e Entry
	if err := json.Unmarshal(bytes.TrimSpace(journal.Bytes()), &e); err != nil {
		t.Fatalf("decode journal %q: %v", journal.String(), err)
	}
	if e.Method != "PUT" || e.Target != "/vsock" {
		t.Errorf("entry = %s %s, want PUT /vsock", e.Method, e.Target)
	}
	if e.Header["Host"] != "localhost" {
		t.Errorf("Host header = %q, want localhost", e.Header["Host"])
	}
	if e.Header["X-Trace"] != "a  b" {
		t.Errorf("X-Trace header = %q, want %q", e.Header["X-Trace"], "a  b")
	}
}

func TestMainExitCode(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := Main([]string{"--exit-code", "3", "--id", "vm"}, &stdout, &stderr); code != 3 {
		t.Errorf("Main() = %d, want 3 (stderr %q)", code, stderr.String())
	}
}

func TestMainRequiresSocket(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := Main(nil, &stdout, &stderr); code != 2 {
		t.Errorf("Main() = %d, want 2", code)
	}
}
