// Package firecracker drives a Firecracker hypervisor through its API socket:
// it spawns the process, sends the configuration calls in order, starts the
// instance and tears everything down again.
package firecracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/firelink/internal/model"
	"github.com/seantiz/firelink/internal/process"
	"github.com/seantiz/firelink/internal/transport"
	"github.com/seantiz/firelink/internal/wire"
)

// AssetResolver supplies kernel and rootfs paths the Configuration leaves
// empty. With download set, the newest published image may be fetched.
type AssetResolver interface {
	ResolveKernelPath(ctx context.Context, download bool) (string, error)
	ResolveRootfsPath(ctx context.Context, download bool) (string, error)
}

// Recorder persists machine lifecycle records.
type Recorder interface {
	CreateMachine(ctx context.Context, m *model.Machine) error
	UpdateMachineState(ctx context.Context, id string, state model.State, errMsg string) error
}

// Launcher starts machines. A Launcher may be shared; each Start produces an
// independent Machine.
type Launcher struct {
	cfg      Config
	logger   *slog.Logger
	assets   AssetResolver
	recorder Recorder
	network  *NetworkManager
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithAssets resolves missing kernel and rootfs paths through r.
func WithAssets(r AssetResolver) LauncherOption {
	return func(l *Launcher) { l.assets = r }
}

// WithRecorder records each machine's lifecycle in r.
func WithRecorder(r Recorder) LauncherOption {
	return func(l *Launcher) { l.recorder = r }
}

// WithNetwork attaches every machine to the CNI bridge managed by nm.
func WithNetwork(nm *NetworkManager) LauncherOption {
	return func(l *Launcher) { l.network = nm }
}

// NewLauncher returns a Launcher. Unset fields of cfg are filled by
// ResolveConfig.
func NewLauncher(cfg Config, logger *slog.Logger, opts ...LauncherOption) *Launcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	l := &Launcher{cfg: ResolveConfig(cfg), logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the resolved launcher configuration.
func (l *Launcher) Config() Config {
	return l.cfg
}

// Start brings up a machine described by cfg and returns it together with
// the InstanceStart response. On failure everything already acquired is
// released and the returned Machine is nil.
func (l *Launcher) Start(ctx context.Context, cfg Configuration) (*Machine, *wire.Response, error) {
	start := time.Now()
	id := model.NewID()
	m := &Machine{
		id:       id,
		recorder: l.recorder,
		network:  l.network,
		logger:   l.logger.With("machine_id", id),
	}

	resp, err := l.start(ctx, m, cfg)
	if err != nil {
		machineStartsTotal.WithLabelValues(resultFailed).Inc()
		return nil, nil, m.abort(ctx, err)
	}

	m.active = true
	activeMachines.Inc()
	machineStartsTotal.WithLabelValues(resultOK).Inc()
	machineStartDuration.Observe(time.Since(start).Seconds())
	m.record(ctx, model.StateReady, "")

	m.logger.Info("machine started",
		"pid", m.proc.PID(),
		"socket", m.socketPath,
		"kernel", m.cfg.KernelImagePath(),
		"rootfs", m.cfg.RootDrivePath(),
		"duration", time.Since(start),
	)
	return m, resp, nil
}

func (l *Launcher) start(ctx context.Context, m *Machine, cfg Configuration) (*wire.Response, error) {
	// 1. Control socket path. A leftover file would make the bind fail.
	m.socketPath = l.cfg.SocketPath
	if m.socketPath == "" {
		m.socketPath = filepath.Join(l.cfg.SocketDir, socketPrefix+m.id+socketSuffix)
	}
	if err := os.Remove(m.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &StageError{Stage: StageSpawn, Err: fmt.Errorf("remove stale socket: %w", err)}
	}

	// 2. Fill in assets, per-machine rootfs and networking, then validate.
	cfg, err := l.resolveAssets(ctx, cfg)
	if err != nil {
		return nil, &StageError{Stage: StageResolveAssets, Err: err}
	}
	if l.cfg.CopyRootfs && cfg.RootDrivePath() != "" {
		if cfg, err = m.copyRootfs(ctx, l.cfg.SocketDir, cfg); err != nil {
			return nil, &StageError{Stage: StageResolveAssets, Err: err}
		}
	}
	if l.network != nil {
		if cfg, err = m.attachNetwork(ctx, cfg); err != nil {
			return nil, &StageError{Stage: StageResolveAssets, Err: err}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &StageError{Stage: StageValidate, Err: err}
	}
	m.cfg = cfg

	// 3. Spawn.
	opts := process.Options{
		Binary:        l.cfg.FirecrackerBin,
		SocketPath:    m.socketPath,
		Args:          l.cfg.ExtraArgs,
		CaptureStdout: l.cfg.CaptureStdout,
		Logger:        m.logger,
	}
	if m.netCfg != nil {
		opts.NetNS = m.netCfg.NetNS
	}
	m.proc, err = process.Spawn(ctx, opts)
	if err != nil {
		return nil, &StageError{Stage: StageSpawn, Err: err}
	}
	m.createRecord(ctx)

	// 4. Connect.
	m.conn, err = l.connect(ctx, m.proc, m.socketPath)
	if err != nil {
		return nil, &StageError{Stage: StageConnect, Err: err}
	}
	m.proc.MarkReady()

	// 5. Configuration calls, strictly in order.
	client := &apiClient{conn: m.conn}
	for _, c := range configurationCalls(cfg) {
		resp, err := client.put(ctx, c.target, c.body)
		if err != nil {
			return nil, &StageError{Stage: c.stage, Err: err}
		}
		if !resp.OK() {
			m.logger.Warn("configuration call rejected",
				"call", c.stage,
				"status", resp.StatusCode,
				"fault", resp.Fault(),
			)
		}
	}

	// 6. Let devices settle, then boot.
	if d := l.cfg.DeviceSettle; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, &StageError{Stage: StageInstanceStart, Err: ctx.Err()}
		}
	}
	resp, err := client.put(ctx, pathActions, &models.InstanceActionInfo{
		ActionType: fcsdk.String(actionInstanceStart),
	})
	if err != nil {
		return nil, &StageError{Stage: StageInstanceStart, Err: err}
	}
	if !resp.OK() {
		return nil, &StageError{Stage: StageInstanceStart, Err: &APIError{Call: "PUT " + pathActions, Response: resp}}
	}
	return resp, nil
}

type apiCall struct {
	stage  string
	target string
	body   any
}

// configurationCalls lists the device calls that precede InstanceStart.
func configurationCalls(cfg Configuration) []apiCall {
	boot := cfg.BootSource()
	calls := []apiCall{{StageBootSource, pathBootSource, &boot}}
	for _, d := range cfg.Drives() {
		id := fcsdk.StringValue(d.DriveID)
		calls = append(calls, apiCall{stageDrive(id), pathDrives + id, &d})
	}
	if mc := cfg.MachineConfig(); mc != nil {
		calls = append(calls, apiCall{StageMachineConfig, pathMachineConfig, mc})
	}
	for _, n := range cfg.NetworkInterfaces() {
		id := fcsdk.StringValue(n.IfaceID)
		calls = append(calls, apiCall{stageNetworkInterface(id), pathNetworkInterfaces + id, &n})
	}
	if v := cfg.Vsock(); v != nil {
		calls = append(calls, apiCall{StageVsock, pathVsock, v})
	}
	return calls
}

// resolveAssets fills an empty kernel path and a missing root drive. Both
// lookups run concurrently.
func (l *Launcher) resolveAssets(ctx context.Context, cfg Configuration) (Configuration, error) {
	kernel, rootfs := cfg.KernelImagePath(), cfg.RootDrivePath()
	if kernel != "" && rootfs != "" {
		return cfg, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if kernel == "" {
		g.Go(func() error {
			var err error
			kernel, err = l.kernelPath(gctx)
			return err
		})
	}
	if rootfs == "" {
		g.Go(func() error {
			var err error
			rootfs, err = l.rootfsPath(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return cfg, err
	}
	return cfg.WithKernel(kernel).withRootDrivePath(rootfs), nil
}

func (l *Launcher) kernelPath(ctx context.Context) (string, error) {
	if l.assets == nil {
		return l.cfg.KernelPath, nil
	}
	p, err := l.assets.ResolveKernelPath(ctx, l.cfg.DownloadKernel)
	if err != nil {
		return "", fmt.Errorf("kernel: %w", err)
	}
	return p, nil
}

func (l *Launcher) rootfsPath(ctx context.Context) (string, error) {
	if l.assets == nil {
		return l.cfg.RootfsPath, nil
	}
	p, err := l.assets.ResolveRootfsPath(ctx, l.cfg.DownloadRootfs)
	if err != nil {
		return "", fmt.Errorf("rootfs: %w", err)
	}
	return p, nil
}

// connect dials the API socket, giving up early if the process exits.
func (l *Launcher) connect(ctx context.Context, proc *process.Process, socketPath string) (*transport.Conn, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-proc.Exited():
			cancel(ErrProcessExited)
		case <-ctx.Done():
		}
	}()

	conn, err := transport.Dial(ctx, socketPath,
		transport.WithTimeout(l.cfg.DialTimeout),
		transport.WithRemoveOnClose(),
	)
	if err == nil {
		return conn, nil
	}
	if errors.Is(context.Cause(ctx), ErrProcessExited) {
		if exitErr := proc.ExitErr(); exitErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrProcessExited, exitErr)
		}
		return nil, ErrProcessExited
	}
	return nil, err
}

// copyRootfs gives the machine a private copy of its root drive, sharing
// blocks with the source where the filesystem allows.
func (m *Machine) copyRootfs(ctx context.Context, dir string, cfg Configuration) (Configuration, error) {
	workDir, err := os.MkdirTemp(dir, socketPrefix+m.id+"-")
	if err != nil {
		return cfg, fmt.Errorf("create work dir: %w", err)
	}
	m.workDir = workDir

	src := cfg.RootDrivePath()
	dst := filepath.Join(workDir, filepath.Base(src))
	out, err := exec.CommandContext(ctx, "cp", "--reflink=auto", src, dst).CombinedOutput()
	if err != nil {
		return cfg, fmt.Errorf("cp %s %s: %s: %w", src, dst, string(out), err)
	}
	return cfg.withRootDrivePath(dst), nil
}

// attachNetwork provisions a tap device and adds it as the default
// interface, with a matching ip= boot argument.
func (m *Machine) attachNetwork(ctx context.Context, cfg Configuration) (Configuration, error) {
	netCfg, err := m.network.Setup(ctx, m.id)
	if err != nil {
		return cfg, err
	}
	m.netCfg = netCfg

	cfg = cfg.WithNetworkInterface(DefaultIfaceID, netCfg.TAPDevice, GenerateMAC(m.id).String())
	if arg := netCfg.KernelIPArg(); arg != "" {
		cfg = cfg.appendBootArg(arg)
	}
	return cfg, nil
}
