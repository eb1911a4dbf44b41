package model

import "time"

// State is the lifecycle state of a hypervisor process.
type State string

// Machine lifecycle states.
const (
	StateNotStarted State = "not_started"
	StateSpawned    State = "spawned"
	StateReady      State = "ready"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

// validTransitions maps each state to the set of states it may transition to.
var validTransitions = map[State]map[State]bool{
	StateNotStarted: {
		StateSpawned: true,
		StateFailed:  true,
	},
	StateSpawned: {
		StateReady:   true,
		StateFailed:  true,
		StateStopped: true,
	},
	StateReady: {
		StateStopped: true,
	},
	StateFailed: {
		StateStopped: true,
	},
}

// ValidTransition reports whether moving from one state to another is allowed.
func ValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateStopped
}

// Machine is the ledger record of one launched microVM.
type Machine struct {
	ID         string     `json:"id"`
	State      State      `json:"state"`
	SocketPath string     `json:"socket_path"`
	PID        int        `json:"pid,omitempty"`
	KernelPath string     `json:"kernel_path"`
	RootfsPath string     `json:"rootfs_path"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ReadyAt    *time.Time `json:"ready_at,omitempty"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
}
