// Package fakefc is a stand-in for the Firecracker API socket. It accepts
// the same configuration calls, journals each request and answers the way
// the real hypervisor does. Tests spawn it in place of the real binary.
package fakefc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	shutdownTimeout   = 2 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Entry is one journaled request.
type Entry struct {
	Method string            `json:"method"`
	Target string            `json:"target"`
	Header map[string]string `json:"header"`
	Body   string            `json:"body"`
}

// Server answers API calls on one Unix socket.
type Server struct {
	path     string
	listener *net.UnixListener
	http     *http.Server
	router   *chi.Mux
	faults   map[string]string
	journal  io.Writer
	logger   *slog.Logger

	mu      sync.Mutex
	entries []Entry
	started bool
}

// Option configures a Server.
type Option func(*Server)

// WithFault makes target answer 400 with message as fault_message.
func WithFault(target, message string) Option {
	return func(s *Server) { s.faults[target] = message }
}

// WithJournal appends every request to w as a JSON line.
func WithJournal(w io.Writer) Option {
	return func(s *Server) { s.journal = w }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Listen binds the API socket at path.
func Listen(path string, opts ...Option) (*Server, error) {
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	s := &Server{
		path:     path,
		listener: l,
		router:   chi.NewRouter(),
		faults:   make(map[string]string),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.journalMiddleware)
	s.router.Use(s.faultMiddleware)
	s.routes()

	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

// routes registers the subset of the Firecracker API the launcher drives.
// Any other PUT is accepted as a configuration call.
func (s *Server) routes() {
	s.router.Get("/", s.handleInstanceInfo)
	s.router.Put("/actions", s.handleAction)
	s.router.Put("/*", handleConfigure)

	unsupported := func(w http.ResponseWriter, r *http.Request) {
		writeFault(w, http.StatusBadRequest, fmt.Sprintf("unsupported %s %s", r.Method, r.RequestURI))
	}
	s.router.NotFound(unsupported)
	s.router.MethodNotAllowed(unsupported)
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Serve answers requests until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(s.listener) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Debug("shutdown", "error", err)
		return s.http.Close()
	}
	return nil
}

// Close stops the server and removes the socket file.
func (s *Server) Close() error {
	herr := s.http.Close()
	lerr := s.listener.Close()
	if errors.Is(lerr, net.ErrClosed) {
		lerr = nil
	}
	return errors.Join(herr, lerr)
}

// Entries returns the requests received so far.
func (s *Server) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"target", r.RequestURI,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// journalMiddleware records the request and hands the handler a fresh copy
// of the body.
func (s *Server) journalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeFault(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		header := make(map[string]string, len(r.Header)+1)
		for name, values := range r.Header {
			header[name] = strings.Join(values, ", ")
		}
		if r.Host != "" {
			header["Host"] = r.Host
		}
		s.record(Entry{
			Method: r.Method,
			Target: r.RequestURI,
			Header: header,
			Body:   string(body),
		})

		next.ServeHTTP(w, r)
	})
}

func (s *Server) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if msg, ok := s.faults[r.RequestURI]; ok {
			writeFault(w, http.StatusBadRequest, msg)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) record(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	if s.journal != nil {
		line, _ := json.Marshal(e)
		s.journal.Write(append(line, '\n'))
	}
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var action struct {
		ActionType string `json:"action_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		writeFault(w, http.StatusBadRequest, "invalid action body")
		return
	}
	if action.ActionType == "InstanceStart" {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleConfigure(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// handleInstanceInfo answers GET / in two flushed writes, so the body goes
// out with chunked framing.
func (s *Server) handleInstanceInfo(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	state := "Not started"
	if s.started {
		state = "Running"
	}
	s.mu.Unlock()

	body, _ := json.Marshal(map[string]string{
		"id":          "anonymous-instance",
		"state":       state,
		"vmm_version": "1.10.1",
		"app_name":    "Firecracker",
	})
	half := len(body) / 2

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Server", "Firecracker API")
	w.WriteHeader(http.StatusOK)
	w.Write(body[:half])
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	w.Write(body[half:])
}

func writeFault(w http.ResponseWriter, code int, message string) {
	body, _ := json.Marshal(map[string]string{"fault_message": message})
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Server", "Firecracker API")
	w.WriteHeader(code)
	w.Write(body)
}

// removeSocket deletes a socket file left by a previous run.
func removeSocket(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
