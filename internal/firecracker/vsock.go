package firecracker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for vsock connection establishment.
const (
	vsockDialMaxRetries  = 5
	vsockDialBaseBackoff = 100 * time.Millisecond
)

// VsockDevice is the body of PUT /vsock. The hypervisor bridges guest vsock
// ports to connections on the host-side Unix socket at UDSPath.
type VsockDevice struct {
	ID       string `json:"vsock_id"`
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

// validate rejects context IDs reserved for the hypervisor and host.
func (v *VsockDevice) validate() error {
	if v.GuestCID <= vsock.Host {
		return fmt.Errorf("vsock guest_cid %d is reserved, must be greater than %d", v.GuestCID, vsock.Host)
	}
	if v.UDSPath == "" {
		return fmt.Errorf("vsock uds_path is required")
	}
	return nil
}

// VsockConn is a host-side connection to a guest vsock port, carried over
// the hypervisor's Unix socket bridge.
type VsockConn struct {
	conn   net.Conn
	reader *bufio.Reader // keeps bytes read ahead during the handshake
	addr   *vsock.Addr
}

// DialVsock connects to port inside the guest through the bridge socket at
// udsPath. Connection failures are retried with exponential backoff.
func DialVsock(ctx context.Context, udsPath string, cid, port uint32) (*VsockConn, error) {
	var lastErr error
	backoff := vsockDialBaseBackoff

	for attempt := range vsockDialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial vsock: %w", ctx.Err())
		default:
		}

		vc, err := dialVsockUDS(ctx, udsPath, port)
		if err != nil {
			lastErr = err
			if attempt < vsockDialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial vsock: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}
		vc.addr = &vsock.Addr{ContextID: cid, Port: port}

		if deadline, ok := ctx.Deadline(); ok {
			if err := vc.conn.SetDeadline(deadline); err != nil {
				vc.conn.Close()
				return nil, fmt.Errorf("set deadline: %w", err)
			}
		}
		return vc, nil
	}

	return nil, fmt.Errorf("dial vsock after %d attempts: %w", vsockDialMaxRetries, lastErr)
}

// dialVsockUDS performs the bridge handshake: send "CONNECT <port>\n" and
// expect "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*VsockConn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}
	// Unblock the handshake read if ctx ends first.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &VsockConn{conn: conn, reader: reader}, nil
}

var _ io.ReadWriteCloser = (*VsockConn)(nil)

// Read reads from the guest.
func (vc *VsockConn) Read(p []byte) (int, error) {
	return vc.reader.Read(p)
}

// Write writes to the guest.
func (vc *VsockConn) Write(p []byte) (int, error) {
	return vc.conn.Write(p)
}

// Close closes the bridge connection.
func (vc *VsockConn) Close() error {
	return vc.conn.Close()
}

// RemoteAddr returns the guest address this connection reaches.
func (vc *VsockConn) RemoteAddr() *vsock.Addr {
	return vc.addr
}
