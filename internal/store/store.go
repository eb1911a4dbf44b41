// Package store keeps a ledger of launched machines.
package store

import (
	"context"
	"errors"

	"github.com/seantiz/firelink/internal/model"
)

var (
	// ErrNotFound is returned when no machine has the given ID.
	ErrNotFound = errors.New("machine not found")

	// ErrInvalidTransition is returned when a state change is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Store defines the persistence operations for machine records.
type Store interface {
	CreateMachine(ctx context.Context, m *model.Machine) error
	GetMachine(ctx context.Context, id string) (*model.Machine, error)
	ListMachines(ctx context.Context, limit, offset int) ([]*model.Machine, int, error)
	UpdateMachineState(ctx context.Context, id string, state model.State, errMsg string) error
	Close() error
}
