package firecracker

import (
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
)

// DefaultBootArgs are the kernel boot arguments used when a Configuration
// does not set its own.
const DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off"

// Drive and device identifiers.
const (
	// RootfsDriveID is the drive_id of the root filesystem drive.
	RootfsDriveID = "rootfs"

	// DefaultIfaceID is the iface_id used for a CNI-provisioned interface.
	DefaultIfaceID = "eth0"

	// DefaultVsockID is the vsock_id used when none is given.
	DefaultVsockID = "vsock0"
)

// Socket naming.
const (
	socketPrefix = "firelink-"
	socketSuffix = ".sock"
)

// Timing defaults.
const (
	// DefaultDeviceSettle is the pause between the last device call and
	// InstanceStart.
	DefaultDeviceSettle = 15 * time.Millisecond

	// apiCallTimeout bounds a single request/response exchange.
	apiCallTimeout = 10 * time.Second

	// cleanupTimeout bounds teardown work that runs on a fresh context.
	cleanupTimeout = 3 * time.Second
)

// API endpoints.
const (
	pathBootSource        = "/boot-source"
	pathDrives            = "/drives/"
	pathMachineConfig     = "/machine-config"
	pathNetworkInterfaces = "/network-interfaces/"
	pathVsock             = "/vsock"
	pathActions           = "/actions"
)

// actionInstanceStart is the action_type that boots a configured instance.
const actionInstanceStart = models.InstanceActionInfoActionTypeInstanceStart
