// Package transport owns the Unix domain socket connection to a hypervisor's
// API socket. It moves raw bytes only; message framing belongs to package wire.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Connect errors. Dial wraps the underlying error with one of these.
var (
	ErrSocketNotFound    = errors.New("transport: socket not found")
	ErrPermissionDenied  = errors.New("transport: permission denied")
	ErrConnectionRefused = errors.New("transport: connection refused")
	ErrClosed            = errors.New("transport: connection closed")
)

// Retry defaults for connection establishment. The hypervisor creates its
// socket some time after exec, so Dial polls instead of sleeping a fixed time.
const (
	DefaultDialTimeout = 3 * time.Second
	dialBaseBackoff    = 5 * time.Millisecond
	dialMaxBackoff     = 100 * time.Millisecond

	receiveBufferSize = 4096
)

// Option configures Dial.
type Option func(*options)

type options struct {
	timeout       time.Duration
	removeOnClose bool
	baseBackoff   time.Duration
	maxBackoff    time.Duration
}

// WithTimeout bounds how long Dial keeps retrying. It applies in addition to
// any deadline on the context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRemoveOnClose makes Close delete the socket file. Use it when the
// caller chose the socket path and owns its lifetime.
func WithRemoveOnClose() Option {
	return func(o *options) { o.removeOnClose = true }
}

// Conn is a client connection to one Unix socket path. It carries one
// request/response exchange at a time and is not safe for concurrent
// Send/Receive from multiple goroutines.
type Conn struct {
	conn          *net.UnixConn
	path          string
	removeOnClose bool

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the Unix socket at path. Missing sockets and refused
// connections are retried with exponential backoff until the timeout or the
// context expires; permission errors fail at once.
func Dial(ctx context.Context, path string, opts ...Option) (*Conn, error) {
	o := options{
		timeout:     DefaultDialTimeout,
		baseBackoff: dialBaseBackoff,
		maxBackoff:  dialMaxBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	var lastErr error
	backoff := o.baseBackoff
	for attempt := 1; ; attempt++ {
		conn, err := dialOnce(ctx, path)
		if err == nil {
			return &Conn{conn: conn, path: path, removeOnClose: o.removeOnClose}, nil
		}
		if ctx.Err() != nil && lastErr != nil {
			return nil, fmt.Errorf("dial %s after %d attempts: %w", path, attempt, lastErr)
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s after %d attempts: %w", path, attempt, lastErr)
		}
		backoff = min(backoff*2, o.maxBackoff)
	}
}

func dialOnce(ctx context.Context, path string) (*net.UnixConn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, classify(err)
	}
	return c.(*net.UnixConn), nil
}

// classify tags a dial error with the matching sentinel.
func classify(err error) error {
	switch {
	case errors.Is(err, unix.ENOENT):
		return fmt.Errorf("%w: %w", ErrSocketNotFound, err)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case errors.Is(err, unix.ECONNREFUSED):
		return fmt.Errorf("%w: %w", ErrConnectionRefused, err)
	default:
		return err
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrSocketNotFound) || errors.Is(err, ErrConnectionRefused)
}

// Path returns the socket path the connection is bound to.
func (c *Conn) Path() string {
	return c.path
}

// Send writes all of b, looping over partial writes.
func (c *Conn) Send(ctx context.Context, b []byte) error {
	if err := c.applyDeadline(ctx, c.conn.SetWriteDeadline); err != nil {
		return err
	}
	for len(b) > 0 {
		n, err := c.conn.Write(b)
		if err != nil {
			return c.wrapIOErr(ctx, "send", err)
		}
		b = b[n:]
	}
	return nil
}

// Receive performs a single read and returns whatever arrived. It returns
// io.EOF once the peer has closed its end.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if err := c.applyDeadline(ctx, c.conn.SetReadDeadline); err != nil {
		return nil, err
	}
	buf := make([]byte, receiveBufferSize)
	n, err := c.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, c.wrapIOErr(ctx, "receive", err)
	}
	return nil, nil
}

// Close shuts down both directions, closes the socket and, when requested at
// Dial time, removes the socket file. Calls after the first return nil.
func (c *Conn) Close() error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		// Shutdown errors on an already reset peer are expected.
		_ = c.conn.CloseRead()
		_ = c.conn.CloseWrite()
		err := c.conn.Close()
		if err != nil {
			err = fmt.Errorf("close %s: %w", c.path, err)
		}
		if c.removeOnClose {
			if rmErr := os.Remove(c.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				err = errors.Join(err, fmt.Errorf("remove socket: %w", rmErr))
			}
		}
		c.closeErr = err
	})
	if !first {
		return nil
	}
	return c.closeErr
}

func (c *Conn) applyDeadline(ctx context.Context, set func(time.Time) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := set(deadline); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("set deadline: %w", err)
	}
	return nil
}

func (c *Conn) wrapIOErr(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%s: %w", op, ErrClosed)
	case errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil:
		return fmt.Errorf("%s: %w: %w", op, ctx.Err(), err)
	default:
		return fmt.Errorf("%s %s: %w", op, c.path, err)
	}
}
