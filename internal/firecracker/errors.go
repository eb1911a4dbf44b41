package firecracker

import (
	"errors"
	"fmt"

	"github.com/seantiz/firelink/internal/wire"
)

var (
	// ErrInvalidConfiguration is wrapped by every Configuration validation error.
	ErrInvalidConfiguration = errors.New("firecracker: invalid configuration")

	// ErrProcessExited is returned when the hypervisor exits before its API
	// socket accepts a connection.
	ErrProcessExited = errors.New("firecracker: process exited")

	// ErrNoVsock is returned by DialVsock on a machine without a vsock device.
	ErrNoVsock = errors.New("firecracker: no vsock device configured")
)

// Start stage names reported by StageError.
const (
	StageResolveAssets = "resolve-assets"
	StageValidate      = "validate"
	StageSpawn         = "spawn"
	StageConnect       = "connect"
	StageBootSource    = "boot-source"
	StageMachineConfig = "machine-config"
	StageVsock         = "vsock"
	StageInstanceStart = "instance-start"
)

func stageDrive(id string) string { return "drive:" + id }

func stageNetworkInterface(id string) string { return "network-interface:" + id }

// StageError reports which step of Start failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("start machine: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// APIError is returned when the API answers InstanceStart with a non-2xx
// status. Response carries the full decoded reply.
type APIError struct {
	Call     string
	Response *wire.Response
}

func (e *APIError) Error() string {
	if fault := e.Response.Fault(); fault != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Call, e.Response.StatusCode, fault)
	}
	return fmt.Sprintf("%s: status %d", e.Call, e.Response.StatusCode)
}
