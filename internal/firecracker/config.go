package firecracker

import (
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/firelink/internal/process"
	"github.com/seantiz/firelink/internal/transport"
)

// Environment variable names for hypervisor configuration.
const (
	envBin               = "FIRECRACKER"
	envKernelPath        = "FIRECRACKER_KERNEL"
	envKernelDownloadDir = "FIRECRACKER_KERNEL_DOWNLOAD"
	envRootfsPath        = "FIRECRACKER_ROOTFS"
	envRootfsDownloadDir = "FIRECRACKER_ROOTFS_DOWNLOAD"
	envSocketDir         = "FIRELINK_SOCKET_DIR"
	envDialTimeout       = "FIRELINK_DIAL_TIMEOUT"
	envDeviceSettle      = "FIRELINK_DEVICE_SETTLE"
	envCNIConfigDir      = "FIRELINK_CNI_CONFIG_DIR"
	envCNIBinDir         = "FIRELINK_CNI_BIN_DIR"
)

// Default asset locations, relative to the user's home directory.
const (
	kernelHomeDir  = ".firecracker_kernel"
	rootfsHomeDir  = ".firecracker_rootfs"
	latestDir      = "latest"
	downloadDir    = "download"
	kernelFileName = "vmlinux.bin"
	rootfsFileName = "rootfs.ext4"

	defaultCNIBinDir    = "/opt/cni/bin"
	defaultCNIConfigDir = "/etc/cni/conf.d"
)

// Config holds settings for launching hypervisor processes.
type Config struct {
	// FirecrackerBin is the hypervisor binary name or path.
	FirecrackerBin string

	// SocketPath pins the API socket path. When empty each machine gets a
	// fresh path under SocketDir.
	SocketPath string

	// SocketDir is where generated API sockets and work directories live.
	SocketDir string

	// KernelPath is the stable location of the kernel image.
	KernelPath string

	// KernelDownloadDir stages downloaded kernel versions.
	KernelDownloadDir string

	// RootfsPath is the stable location of the root filesystem image.
	RootfsPath string

	// RootfsDownloadDir stages downloaded rootfs versions.
	RootfsDownloadDir string

	// DownloadKernel and DownloadRootfs fetch the newest published image
	// when the Configuration leaves the path empty.
	DownloadKernel bool
	DownloadRootfs bool

	// CopyRootfs gives each machine a private copy of its root drive.
	CopyRootfs bool

	// CaptureStdout keeps hypervisor stdout for CaptureOutput.
	CaptureStdout bool

	// ExtraArgs are passed to the binary after --api-sock.
	ExtraArgs []string

	// DialTimeout bounds the wait for the API socket after spawn.
	DialTimeout time.Duration

	// DeviceSettle is the pause before InstanceStart. Negative disables it.
	DeviceSettle time.Duration

	// CNIConfigDir is the path to the CNI configuration directory.
	CNIConfigDir string

	// CNIBinDir is the path to CNI plugin binaries.
	CNIBinDir string
}

// ResolveConfig fills every unset field of explicit. Each field takes the
// explicit value first, then its environment override, then the computed
// default.
func ResolveConfig(explicit Config) Config {
	home := homeDir()
	cfg := explicit

	cfg.FirecrackerBin = resolve(explicit.FirecrackerBin, envBin, process.DefaultBinary)
	cfg.SocketDir = resolve(explicit.SocketDir, envSocketDir, os.TempDir())
	cfg.KernelPath = resolve(explicit.KernelPath, envKernelPath,
		filepath.Join(home, kernelHomeDir, latestDir, kernelFileName))
	cfg.KernelDownloadDir = resolve(explicit.KernelDownloadDir, envKernelDownloadDir,
		filepath.Join(home, kernelHomeDir, downloadDir))
	cfg.RootfsPath = resolve(explicit.RootfsPath, envRootfsPath,
		filepath.Join(home, rootfsHomeDir, latestDir, rootfsFileName))
	cfg.RootfsDownloadDir = resolve(explicit.RootfsDownloadDir, envRootfsDownloadDir,
		filepath.Join(home, rootfsHomeDir, downloadDir))
	cfg.CNIConfigDir = resolve(explicit.CNIConfigDir, envCNIConfigDir, defaultCNIConfigDir)
	cfg.CNIBinDir = resolve(explicit.CNIBinDir, envCNIBinDir, defaultCNIBinDir)

	cfg.DialTimeout = resolveDuration(explicit.DialTimeout, envDialTimeout, transport.DefaultDialTimeout)
	cfg.DeviceSettle = resolveDuration(explicit.DeviceSettle, envDeviceSettle, DefaultDeviceSettle)

	return cfg
}

// LoadConfig resolves a Config from the environment and defaults alone.
func LoadConfig() Config {
	return ResolveConfig(Config{})
}

func resolve(explicit, env, def string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func resolveDuration(explicit time.Duration, env string, def time.Duration) time.Duration {
	if explicit != 0 {
		return explicit
	}
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// homeDir falls back to the executable's directory when there is no home.
func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Dir(exe)
	}
	return "."
}
