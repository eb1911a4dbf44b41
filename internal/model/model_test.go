package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestStateConstants(t *testing.T) {
	states := []struct {
		constant State
		expected string
	}{
		{StateNotStarted, "not_started"},
		{StateSpawned, "spawned"},
		{StateReady, "ready"},
		{StateFailed, "failed"},
		{StateStopped, "stopped"},
	}
	for _, s := range states {
		if string(s.constant) != s.expected {
			t.Errorf("state constant = %q, want %q", s.constant, s.expected)
		}
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateNotStarted, StateSpawned, true},
		{StateNotStarted, StateFailed, true},
		{StateNotStarted, StateReady, false},
		{StateSpawned, StateReady, true},
		{StateSpawned, StateFailed, true},
		{StateSpawned, StateStopped, true},
		{StateReady, StateStopped, true},
		{StateReady, StateFailed, false},
		{StateFailed, StateStopped, true},
		{StateFailed, StateReady, false},
		{StateStopped, StateSpawned, false},
		{StateStopped, StateStopped, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	if !StateStopped.Terminal() {
		t.Error("StateStopped.Terminal() = false, want true")
	}
	for _, s := range []State{StateNotStarted, StateSpawned, StateReady, StateFailed} {
		if s.Terminal() {
			t.Errorf("%q.Terminal() = true, want false", s)
		}
	}
}
