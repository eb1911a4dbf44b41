package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/seantiz/firelink/internal/firecracker"
	"github.com/seantiz/firelink/internal/model"
)

const stopTimeout = 5 * time.Second

type runOptions struct {
	fc firecracker.Config

	kernel   string
	rootfs   string
	bootArgs string
	vcpus    int64
	memMiB   int64
	smt      bool
	download bool
	network  bool
	vsockCID uint32
	vsockUDS string
	duration time.Duration

	// machineConfig is set when any sizing flag was given.
	machineConfig bool
}

func newRunCmd(a *app) *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot a microVM and stream its console until interrupted",
		Long: `run spawns the hypervisor, sends the boot source, drives and optional
devices, starts the instance and streams the console. The machine is stopped
on SIGINT or SIGTERM, after --duration, or when the hypervisor exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.fc.DownloadKernel = o.download
			o.fc.DownloadRootfs = o.download
			o.fc.CaptureStdout = true
			f := cmd.Flags()
			o.machineConfig = f.Changed("vcpus") || f.Changed("memory") || f.Changed("smt")
			if o.machineConfig && (o.vcpus <= 0 || o.memMiB <= 0) {
				return fmt.Errorf("--vcpus and --memory must be positive")
			}
			return a.run(cmd, &o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.fc.FirecrackerBin, "firecracker", "", "hypervisor binary (default $FIRECRACKER or firecracker)")
	f.StringVar(&o.fc.SocketPath, "socket", "", "API socket path (default a fresh path under --socket-dir)")
	f.StringVar(&o.fc.SocketDir, "socket-dir", "", "directory for API sockets and machine work files")
	f.StringArrayVar(&o.fc.ExtraArgs, "extra-arg", nil, "extra hypervisor argument (repeatable)")
	f.BoolVar(&o.fc.CopyRootfs, "copy-rootfs", false, "boot from a private copy of the rootfs")
	f.StringVar(&o.kernel, "kernel", "", "kernel image (default the resolved latest image)")
	f.StringVar(&o.rootfs, "rootfs", "", "root filesystem image (default the resolved latest image)")
	f.StringVar(&o.bootArgs, "boot-args", firecracker.DefaultBootArgs, "kernel command line")
	f.Int64Var(&o.vcpus, "vcpus", 1, "number of vCPUs")
	f.Int64Var(&o.memMiB, "memory", 128, "guest memory in MiB")
	f.BoolVar(&o.smt, "smt", false, "enable simultaneous multithreading")
	f.BoolVar(&o.download, "download", false, "download the newest kernel and rootfs when not given")
	f.BoolVar(&o.network, "network", false, "attach the guest to the CNI bridge (requires root)")
	f.Uint32Var(&o.vsockCID, "vsock-cid", 0, "guest vsock context ID (0 disables vsock)")
	f.StringVar(&o.vsockUDS, "vsock-uds", "", "host side vsock socket (default under --socket-dir)")
	f.DurationVar(&o.duration, "duration", 0, "stop the machine after this long (0 runs until interrupted)")
	return cmd
}

func (a *app) run(cmd *cobra.Command, o *runOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	if o.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	fc := firecracker.ResolveConfig(o.fc)
	opts := []firecracker.LauncherOption{
		firecracker.WithAssets(a.newResolver(fc)),
		firecracker.WithRecorder(st),
	}
	if o.network {
		nm, err := a.setupNetwork(fc)
		if err != nil {
			return err
		}
		defer nm.TeardownAll(context.WithoutCancel(ctx))
		opts = append(opts, firecracker.WithNetwork(nm))
	}
	launcher := firecracker.NewLauncher(fc, a.logger, opts...)

	m, _, err := launcher.Start(ctx, o.payload(fc))
	if err != nil {
		return fmt.Errorf("start machine: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "machine %s started (pid %d, socket %s)\n", m.ID(), m.PID(), m.SocketPath())
	if n := m.Network(); n != nil {
		fmt.Fprintf(out, "guest address %s via %s\n", n.GuestIP, n.TAPDevice)
	}

	backlog, lines, unsubscribe := m.FollowConsole()
	fmt.Fprint(out, backlog)
	streamed := make(chan struct{})
	go func() {
		defer close(streamed)
		for line := range lines {
			fmt.Fprintln(out, line)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("stopping machine", "machine_id", m.ID(), "reason", context.Cause(ctx))
	case <-m.Done():
		a.logger.Warn("hypervisor exited", "machine_id", m.ID())
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	stopErr := m.Stop(stopCtx)
	unsubscribe()
	<-streamed

	if stopErr != nil {
		return fmt.Errorf("stop machine %s: %w", m.ID(), stopErr)
	}
	fmt.Fprintf(out, "machine %s stopped\n", m.ID())
	return nil
}

// payload builds the machine configuration from the command flags. Empty
// kernel and rootfs paths are left for the launcher to resolve.
func (o *runOptions) payload(fc firecracker.Config) firecracker.Configuration {
	cfg := firecracker.NewConfiguration(o.kernel).WithBootArgs(o.bootArgs)
	if o.rootfs != "" {
		cfg = cfg.WithRootDrive(o.rootfs)
	}
	if o.machineConfig {
		cfg = cfg.WithMachineConfig(o.vcpus, o.memMiB, o.smt)
	}
	if o.vsockCID != 0 {
		uds := o.vsockUDS
		if uds == "" {
			uds = filepath.Join(fc.SocketDir, "firelink-vsock-"+model.NewID()+".sock")
		}
		cfg = cfg.WithVsock(o.vsockCID, uds)
	}
	return cfg
}

func (a *app) setupNetwork(fc firecracker.Config) (*firecracker.NetworkManager, error) {
	nm, err := firecracker.NewNetworkManager(fc, a.logger)
	if err != nil {
		return nil, err
	}
	if err := nm.Verify(); err != nil {
		return nil, err
	}
	if err := nm.WriteConfList(); err != nil {
		return nil, err
	}
	if err := firecracker.EnsureIPForwarding(); err != nil {
		return nil, err
	}
	return nm, nil
}
