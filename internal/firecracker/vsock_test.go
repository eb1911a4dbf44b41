package firecracker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// bridge mimics the hypervisor's host-side vsock socket: it answers the
// CONNECT handshake with reply and then echoes one line.
func bridge(t *testing.T, path, reply string) <-chan string {
	t.Helper()
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	got := make(chan string, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, _ := r.ReadString('\n')
		got <- line
		conn.Write([]byte(reply))
		if echo, err := r.ReadString('\n'); err == nil {
			conn.Write([]byte(echo))
		}
	}()
	return got
}

func TestDialVsockHandshake(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.sock")
	got := bridge(t, path, "OK 1073741824\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	vc, err := DialVsock(ctx, path, 3, 1024)
	if err != nil {
		t.Fatalf("DialVsock: %v", err)
	}
	defer vc.Close()

	if line := <-got; line != "CONNECT 1024\n" {
		t.Errorf("handshake = %q, want %q", line, "CONNECT 1024\n")
	}
	if a := vc.RemoteAddr(); a.ContextID != 3 || a.Port != 1024 {
		t.Errorf("RemoteAddr() = %+v, want cid 3 port 1024", a)
	}

	if _, err := io.WriteString(vc, "ping\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	echo, err := bufio.NewReader(vc).ReadString('\n')
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if echo != "ping\n" {
		t.Errorf("echo = %q, want %q", echo, "ping\n")
	}
}

func TestDialVsockRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.sock")
	bridge(t, path, "ERR no listener\n")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := DialVsock(ctx, path, 3, 52)
	if err == nil {
		t.Fatal("DialVsock succeeded, want handshake failure")
	}
}

func TestDialVsockContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DialVsock(ctx, "/nonexistent.sock", 3, 1024)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("DialVsock error = %v, want context.Canceled", err)
	}
}

func TestDialVsockRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.sock")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(250 * time.Millisecond)
		l, err := net.Listen("unix", path)
		if err != nil {
			t.Errorf("listen: %v", err)
			return
		}
		defer l.Close()
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		conn.Read(buf)
		conn.Write([]byte("OK 1024\n"))
		time.Sleep(100 * time.Millisecond)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	vc, err := DialVsock(ctx, path, 3, 1024)
	if err != nil {
		t.Fatalf("DialVsock: %v", err)
	}
	vc.Close()
	wg.Wait()
}

func TestVsockDeviceValidate(t *testing.T) {
	tests := []struct {
		dev     VsockDevice
		wantErr string
	}{
		{VsockDevice{ID: "v", GuestCID: 3, UDSPath: "/v.sock"}, ""},
		{VsockDevice{ID: "v", GuestCID: 2, UDSPath: "/v.sock"}, "reserved"},
		{VsockDevice{ID: "v", GuestCID: 0, UDSPath: "/v.sock"}, "reserved"},
		{VsockDevice{ID: "v", GuestCID: 9}, "uds_path"},
	}
	for _, tt := range tests {
		err := tt.dev.validate()
		if tt.wantErr == "" {
			if err != nil {
				t.Errorf("validate(%+v) = %v, want nil", tt.dev, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("validate(%+v) = %v, want error containing %q", tt.dev, err, tt.wantErr)
		}
	}
}
