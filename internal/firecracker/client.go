package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/seantiz/firelink/internal/transport"
	"github.com/seantiz/firelink/internal/wire"
)

// apiClient issues requests over one API socket connection. Calls are
// strictly sequential: each request is fully answered before the next is
// sent.
type apiClient struct {
	conn *transport.Conn
}

// put sends a JSON body to target and returns the decoded response. A
// non-2xx status is not an error at this level.
func (c *apiClient) put(ctx context.Context, target string, body any) (*wire.Response, error) {
	req, err := wire.NewRequest(http.MethodPut, target).
		Header("Host", "localhost").
		Header("Accept", "application/json").
		JSON(body).
		Build()
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req)
}

func (c *apiClient) do(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, apiCallTimeout)
	defer cancel()

	if err := c.conn.Send(ctx, req.Bytes()); err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Target, err)
	}

	var raw []byte
	for !wire.Complete(raw) {
		chunk, err := c.conn.Receive(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.Target, err)
		}
		raw = append(raw, chunk...)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Target, io.ErrUnexpectedEOF)
	}

	resp, err := wire.ParseResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Target, err)
	}
	apiCallsTotal.WithLabelValues(callLabel(req.Target), strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

// callLabel collapses per-device targets so metric cardinality stays bounded.
func callLabel(target string) string {
	switch {
	case strings.HasPrefix(target, pathDrives):
		return pathDrives + "{id}"
	case strings.HasPrefix(target, pathNetworkInterfaces):
		return pathNetworkInterfaces + "{id}"
	default:
		return target
	}
}
