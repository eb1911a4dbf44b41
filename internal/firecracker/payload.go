package firecracker

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/go-openapi/strfmt"
)

// Configuration is the set of API calls that bring a machine up. It is
// immutable: every With method returns a modified copy and leaves the
// receiver untouched.
type Configuration struct {
	bootSource    models.BootSource
	drives        []models.Drive
	machineConfig *models.MachineConfiguration
	ifaces        []models.NetworkInterface
	vsock         *VsockDevice
}

// NewConfiguration returns a Configuration booting kernelPath with
// DefaultBootArgs. An empty kernelPath is filled in by the Launcher.
func NewConfiguration(kernelPath string) Configuration {
	return Configuration{
		bootSource: models.BootSource{
			KernelImagePath: fcsdk.String(kernelPath),
			BootArgs:        DefaultBootArgs,
		},
	}
}

// WithKernel replaces the kernel image path.
func (c Configuration) WithKernel(path string) Configuration {
	c = c.clone()
	c.bootSource.KernelImagePath = fcsdk.String(path)
	return c
}

// WithBootArgs replaces the kernel command line.
func (c Configuration) WithBootArgs(args string) Configuration {
	c = c.clone()
	c.bootSource.BootArgs = args
	return c
}

// appendBootArg adds arg to the command line unless an argument with the
// same key is already present.
func (c Configuration) appendBootArg(arg string) Configuration {
	key, _, _ := strings.Cut(arg, "=")
	for _, f := range strings.Fields(c.bootSource.BootArgs) {
		if k, _, _ := strings.Cut(f, "="); k == key {
			return c
		}
	}
	return c.WithBootArgs(strings.TrimSpace(c.bootSource.BootArgs + " " + arg))
}

// WithDrive adds a block device, replacing any drive with the same id.
func (c Configuration) WithDrive(id, path string, root, readOnly bool) Configuration {
	c = c.clone()
	d := models.Drive{
		DriveID:      fcsdk.String(id),
		PathOnHost:   fcsdk.String(path),
		IsRootDevice: fcsdk.Bool(root),
		IsReadOnly:   fcsdk.Bool(readOnly),
	}
	if i := c.driveIndex(id); i >= 0 {
		c.drives[i] = d
	} else {
		c.drives = append(c.drives, d)
	}
	return c
}

// WithRootDrive sets the writable root filesystem drive.
func (c Configuration) WithRootDrive(path string) Configuration {
	return c.WithDrive(RootfsDriveID, path, true, false)
}

// withRootDrivePath points the existing root drive at path, keeping its id,
// or adds a root drive when there is none.
func (c Configuration) withRootDrivePath(path string) Configuration {
	i := slices.IndexFunc(c.drives, func(d models.Drive) bool {
		return fcsdk.BoolValue(d.IsRootDevice)
	})
	if i < 0 {
		return c.WithRootDrive(path)
	}
	c = c.clone()
	d := c.drives[i]
	d.PathOnHost = fcsdk.String(path)
	c.drives[i] = d
	return c
}

// WithMachineConfig sets vCPU count and memory size.
func (c Configuration) WithMachineConfig(vcpus, memMiB int64, smt bool) Configuration {
	c = c.clone()
	c.machineConfig = &models.MachineConfiguration{
		VcpuCount:  fcsdk.Int64(vcpus),
		MemSizeMib: fcsdk.Int64(memMiB),
		Smt:        fcsdk.Bool(smt),
	}
	return c
}

// WithNetworkInterface attaches a host tap device, replacing any interface
// with the same id.
func (c Configuration) WithNetworkInterface(id, hostDev, guestMAC string) Configuration {
	c = c.clone()
	n := models.NetworkInterface{
		IfaceID:     fcsdk.String(id),
		HostDevName: fcsdk.String(hostDev),
		GuestMac:    guestMAC,
	}
	i := slices.IndexFunc(c.ifaces, func(n models.NetworkInterface) bool {
		return fcsdk.StringValue(n.IfaceID) == id
	})
	if i >= 0 {
		c.ifaces[i] = n
	} else {
		c.ifaces = append(c.ifaces, n)
	}
	return c
}

// WithVsock attaches a vsock device bridged to udsPath on the host.
func (c Configuration) WithVsock(cid uint32, udsPath string) Configuration {
	c = c.clone()
	c.vsock = &VsockDevice{ID: DefaultVsockID, GuestCID: cid, UDSPath: udsPath}
	return c
}

// KernelImagePath returns the configured kernel path.
func (c Configuration) KernelImagePath() string {
	return fcsdk.StringValue(c.bootSource.KernelImagePath)
}

// BootArgs returns the kernel command line.
func (c Configuration) BootArgs() string {
	return c.bootSource.BootArgs
}

// RootDrivePath returns the host path of the root drive, or "" if none.
func (c Configuration) RootDrivePath() string {
	for _, d := range c.drives {
		if fcsdk.BoolValue(d.IsRootDevice) {
			return fcsdk.StringValue(d.PathOnHost)
		}
	}
	return ""
}

// BootSource returns a copy of the boot-source body.
func (c Configuration) BootSource() models.BootSource {
	return c.bootSource
}

// Drives returns a copy of the drives in call order.
func (c Configuration) Drives() []models.Drive {
	return slices.Clone(c.drives)
}

// NetworkInterfaces returns a copy of the interfaces in call order.
func (c Configuration) NetworkInterfaces() []models.NetworkInterface {
	return slices.Clone(c.ifaces)
}

// MachineConfig returns the machine-config body, or nil when unset.
func (c Configuration) MachineConfig() *models.MachineConfiguration {
	if c.machineConfig == nil {
		return nil
	}
	mc := *c.machineConfig
	return &mc
}

// Vsock returns the vsock device, or nil when unset.
func (c Configuration) Vsock() *VsockDevice {
	if c.vsock == nil {
		return nil
	}
	v := *c.vsock
	return &v
}

// Validate checks every section and reports all problems at once, wrapped in
// ErrInvalidConfiguration.
func (c Configuration) Validate() error {
	var errs []error

	if err := c.bootSource.Validate(strfmt.Default); err != nil {
		errs = append(errs, fmt.Errorf("boot-source: %w", err))
	} else if err := readable(c.KernelImagePath()); err != nil {
		errs = append(errs, fmt.Errorf("boot-source: kernel image: %w", err))
	}

	roots := 0
	for _, d := range c.drives {
		id := fcsdk.StringValue(d.DriveID)
		if err := d.Validate(strfmt.Default); err != nil {
			errs = append(errs, fmt.Errorf("drive %q: %w", id, err))
			continue
		}
		if fcsdk.BoolValue(d.IsRootDevice) {
			roots++
		}
		if err := readable(fcsdk.StringValue(d.PathOnHost)); err != nil {
			errs = append(errs, fmt.Errorf("drive %q: %w", id, err))
		}
	}
	switch {
	case roots == 0:
		errs = append(errs, errors.New("no root drive"))
	case roots > 1:
		errs = append(errs, fmt.Errorf("%d root drives, want exactly one", roots))
	}

	if c.machineConfig != nil {
		if err := c.machineConfig.Validate(strfmt.Default); err != nil {
			errs = append(errs, fmt.Errorf("machine-config: %w", err))
		}
	}
	for _, n := range c.ifaces {
		if err := n.Validate(strfmt.Default); err != nil {
			errs = append(errs, fmt.Errorf("network-interface %q: %w", fcsdk.StringValue(n.IfaceID), err))
		}
	}
	if c.vsock != nil {
		if err := c.vsock.validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, errors.Join(errs...))
	}
	return nil
}

func (c Configuration) driveIndex(id string) int {
	return slices.IndexFunc(c.drives, func(d models.Drive) bool {
		return fcsdk.StringValue(d.DriveID) == id
	})
}

func (c Configuration) clone() Configuration {
	c.drives = slices.Clone(c.drives)
	c.ifaces = slices.Clone(c.ifaces)
	return c
}

func readable(path string) error {
	if path == "" {
		return errors.New("path is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
