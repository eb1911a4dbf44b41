// Package process supervises a hypervisor child process: it spawns the
// binary against an API socket path, captures stdout on request and kills the
// process on demand.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"golang.org/x/sys/unix"

	"github.com/seantiz/firelink/internal/model"
)

// DefaultBinary is the hypervisor executable looked up on PATH when Options
// does not name one.
const DefaultBinary = "firecracker"

// ErrSpawn is returned when the hypervisor binary cannot be started.
var ErrSpawn = errors.New("process: spawn failed")

// Options describes how to launch the hypervisor.
type Options struct {
	// Binary is the executable name or path. Defaults to DefaultBinary.
	Binary string

	// SocketPath is passed to the binary as --api-sock.
	SocketPath string

	// Args are appended after the socket flag.
	Args []string

	// CaptureStdout keeps stdout for CaptureOutput and Subscribe.
	// When false stdout is discarded.
	CaptureStdout bool

	// Stderr receives the child's stderr. Nil discards it.
	Stderr io.Writer

	// NetNS runs the binary inside the named network namespace.
	NetNS string

	Logger *slog.Logger
}

// Process is a running (or exited) hypervisor child.
type Process struct {
	cmd    *exec.Cmd
	output *Output
	logger *slog.Logger

	done    chan struct{}
	waitErr error

	mu         sync.Mutex
	state      model.State
	terminated bool
}

// Spawn starts the hypervisor. Failures are returned immediately wrapped in
// ErrSpawn and are never retried.
func Spawn(ctx context.Context, opts Options) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	p := &Process{
		logger: logger,
		done:   make(chan struct{}),
		state:  model.StateNotStarted,
	}
	if opts.CaptureStdout {
		p.output = newOutput()
	}

	p.cmd = buildCommand(opts, p.output)
	if err := p.cmd.Start(); err != nil {
		p.transition(model.StateFailed)
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, opts.Binary, err)
	}
	p.transition(model.StateSpawned)

	logger.Debug("hypervisor spawned",
		"pid", p.cmd.Process.Pid,
		"binary", opts.Binary,
		"api_sock", opts.SocketPath,
		"netns", opts.NetNS,
	)

	go p.wait()
	return p, nil
}

// buildCommand assembles the exec.Cmd. Inside a network namespace the binary
// is run through "ip netns exec", which execs in place and keeps the PID.
func buildCommand(opts Options, stdout *Output) *exec.Cmd {
	b := fcsdk.VMCommandBuilder{}.
		WithBin(opts.Binary).
		WithSocketPath(opts.SocketPath).
		WithArgs(opts.Args)

	if opts.NetNS != "" {
		args := []string{"netns", "exec", opts.NetNS, opts.Binary, "--api-sock", opts.SocketPath}
		b = fcsdk.VMCommandBuilder{}.
			WithBin("ip").
			WithArgs(append(args, opts.Args...))
	}
	if stdout != nil {
		b = b.WithStdout(stdout)
	}
	if opts.Stderr != nil {
		b = b.WithStderr(opts.Stderr)
	}

	// The child must outlive the caller's context; Terminate ends it.
	cmd := b.Build(context.Background())
	// Own process group so a terminal Ctrl-C reaches the supervisor only.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func (p *Process) wait() {
	p.waitErr = p.cmd.Wait()
	if p.output != nil {
		p.output.close()
	}
	close(p.done)
	p.logger.Debug("hypervisor exited", "pid", p.cmd.Process.Pid, "status", p.cmd.ProcessState.String())
}

// PID returns the child's process ID.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// State returns the current lifecycle state.
func (p *Process) State() model.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// MarkReady records that the API socket accepted a connection.
func (p *Process) MarkReady() bool {
	return p.transition(model.StateReady)
}

// MarkFailed records that bring-up failed after spawn.
func (p *Process) MarkFailed() bool {
	return p.transition(model.StateFailed)
}

func (p *Process) transition(to model.State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !model.ValidTransition(p.state, to) {
		return false
	}
	p.state = to
	return true
}

// Exited is closed once the child has exited and been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.done
}

// ExitErr returns the result of waiting on the child. It is only meaningful
// after Exited is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// CaptureOutput returns stdout written since the previous call. It never
// blocks and returns "" when capture is disabled.
func (p *Process) CaptureOutput() string {
	if p.output == nil {
		return ""
	}
	return p.output.Drain()
}

// Subscribe streams stdout lines. With capture disabled the channel is
// returned closed.
func (p *Process) Subscribe() (<-chan string, func()) {
	if p.output == nil {
		ch := make(chan string)
		close(ch)
		return ch, func() {}
	}
	return p.output.Subscribe()
}

// Follow returns the complete stdout lines not yet drained and a stream of
// every later line, with nothing lost or repeated between the two. With
// capture disabled the backlog is empty and the channel closed.
func (p *Process) Follow() (string, <-chan string, func()) {
	if p.output == nil {
		ch := make(chan string)
		close(ch)
		return "", ch, func() {}
	}
	return p.output.Follow()
}

// Terminate kills the child and waits for it to be reaped. Calls after the
// first return nil immediately.
func (p *Process) Terminate() error {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil
	}
	p.terminated = true
	p.mu.Unlock()

	if err := p.cmd.Process.Signal(unix.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.PID(), err)
	}
	<-p.done
	p.transition(model.StateStopped)
	return nil
}
