package firecracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/seantiz/firelink/internal/model"
	"github.com/seantiz/firelink/internal/process"
	"github.com/seantiz/firelink/internal/transport"
)

// Machine is a started hypervisor instance. Its methods are safe for
// concurrent use. A nil *Machine is valid and Stop on it does nothing.
type Machine struct {
	id         string
	cfg        Configuration
	socketPath string
	proc       *process.Process
	conn       *transport.Conn
	network    *NetworkManager
	netCfg     *NetworkConfig
	workDir    string
	recorder   Recorder
	logger     *slog.Logger
	active     bool

	stopped atomic.Bool
}

// ID returns the machine's ULID.
func (m *Machine) ID() string { return m.id }

// SocketPath returns the API socket path.
func (m *Machine) SocketPath() string { return m.socketPath }

// PID returns the hypervisor's process ID.
func (m *Machine) PID() int { return m.proc.PID() }

// State returns the supervisor state of the hypervisor process.
func (m *Machine) State() model.State { return m.proc.State() }

// Configuration returns the configuration the machine was started with,
// including any resolved asset paths and network interfaces.
func (m *Machine) Configuration() Configuration { return m.cfg }

// Network returns the CNI attachment, or nil when networking is off.
func (m *Machine) Network() *NetworkConfig { return m.netCfg }

// CaptureOutput returns hypervisor stdout written since the last call.
func (m *Machine) CaptureOutput() string { return m.proc.CaptureOutput() }

// Console streams hypervisor stdout line by line.
func (m *Machine) Console() (<-chan string, func()) { return m.proc.Subscribe() }

// FollowConsole returns stdout not yet captured and a stream of every later
// line. Nothing is lost or repeated between the two.
func (m *Machine) FollowConsole() (string, <-chan string, func()) { return m.proc.Follow() }

// Done is closed when the hypervisor process exits.
func (m *Machine) Done() <-chan struct{} { return m.proc.Exited() }

// DialVsock connects to port inside the guest over the vsock bridge.
func (m *Machine) DialVsock(ctx context.Context, port uint32) (*VsockConn, error) {
	v := m.cfg.Vsock()
	if v == nil {
		return nil, ErrNoVsock
	}
	return DialVsock(ctx, v.UDSPath, v.GuestCID, port)
}

// Stop closes the API connection and kills the hypervisor. Both steps always
// run; if both fail the transport error is returned. Calls after the first
// return nil immediately.
func (m *Machine) Stop(ctx context.Context) error {
	if m == nil || !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	start := time.Now()

	extra, err := m.teardown(ctx)
	for _, e := range extra {
		m.logger.Warn("machine cleanup", "error", e)
	}
	machineStopDuration.Observe(time.Since(start).Seconds())
	m.record(ctx, model.StateStopped, "")

	m.logger.Info("machine stopped", "duration", time.Since(start))
	return err
}

// abort releases a machine whose start failed. Cleanup failures are joined
// onto cause.
func (m *Machine) abort(ctx context.Context, cause error) error {
	m.stopped.Store(true)
	if m.proc != nil {
		m.proc.MarkFailed()
	}
	m.record(ctx, model.StateFailed, cause.Error())

	extra, err := m.teardown(ctx)
	if m.proc != nil {
		m.record(ctx, model.StateStopped, "")
	}
	m.logger.Error("machine start failed", "error", cause)

	if err == nil && len(extra) == 0 {
		return cause
	}
	return errors.Join(append([]error{cause, err}, extra...)...)
}

// teardown releases everything the machine holds. The primary error comes
// from the transport and process; the rest are side resources.
func (m *Machine) teardown(ctx context.Context) ([]error, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	var connErr, procErr error
	if m.conn != nil {
		connErr = m.conn.Close()
	}
	if m.proc != nil {
		procErr = m.proc.Terminate()
	}
	if m.active {
		activeMachines.Dec()
		m.active = false
	}

	var extra []error
	if m.socketPath != "" {
		if err := removeIfExists(m.socketPath); err != nil {
			extra = append(extra, fmt.Errorf("remove api socket: %w", err))
		}
	}
	if v := m.cfg.Vsock(); v != nil {
		if err := removeIfExists(v.UDSPath); err != nil {
			extra = append(extra, fmt.Errorf("remove vsock socket: %w", err))
		}
	}
	if m.netCfg != nil {
		if err := m.network.Teardown(ctx, m.id); err != nil {
			extra = append(extra, fmt.Errorf("network teardown: %w", err))
		}
	}
	if m.workDir != "" {
		if err := os.RemoveAll(m.workDir); err != nil {
			extra = append(extra, fmt.Errorf("remove work dir: %w", err))
		}
	}

	if connErr != nil {
		return extra, connErr
	}
	return extra, procErr
}

func (m *Machine) createRecord(ctx context.Context) {
	if m.recorder == nil {
		return
	}
	rec := &model.Machine{
		ID:         m.id,
		State:      model.StateSpawned,
		SocketPath: m.socketPath,
		PID:        m.proc.PID(),
		KernelPath: m.cfg.KernelImagePath(),
		RootfsPath: m.cfg.RootDrivePath(),
	}
	if err := m.recorder.CreateMachine(ctx, rec); err != nil {
		m.logger.Warn("record machine", "error", err)
	}
}

func (m *Machine) record(ctx context.Context, state model.State, errMsg string) {
	if m.recorder == nil || m.proc == nil {
		return
	}
	if err := m.recorder.UpdateMachineState(context.WithoutCancel(ctx), m.id, state, errMsg); err != nil {
		m.logger.Warn("record machine state", "state", state, "error", err)
	}
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
