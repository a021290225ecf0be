// Package health classifies runtime state into health states and keeps the
// per-service snapshot history.
package health

import (
	"time"

	"github.com/nholik/compose-medic/internal/topology"
)

// State is the classified health of one service.
type State string

const (
	StateRunningHealthy   State = "running-healthy"
	StateRunningUnhealthy State = "running-unhealthy"
	StateRunningUnknown   State = "running-unknown"
	StateExitedOK         State = "exited-ok"
	StateExitedFailed     State = "exited-failed"
	StateRestarting       State = "restarting"
	StateNotDeployed      State = "not-deployed"
)

// States lists every state in a stable order.
var States = []State{
	StateRunningHealthy,
	StateRunningUnhealthy,
	StateRunningUnknown,
	StateExitedOK,
	StateExitedFailed,
	StateRestarting,
	StateNotDeployed,
}

// Exited reports whether the state carries an exit code.
func (s State) Exited() bool {
	return s == StateExitedOK || s == StateExitedFailed
}

// Failing reports whether the state requires recovery for the given service.
// not-deployed only counts for services that are expected to be running.
func (s State) Failing(desc topology.ServiceDescriptor) bool {
	switch s {
	case StateRunningUnhealthy, StateExitedFailed:
		return true
	case StateNotDeployed:
		return !desc.OneOff
	}
	return false
}

// Acceptable reports whether the state counts as healthy for one-shot checks.
func (s State) Acceptable() bool {
	return s == StateRunningHealthy || s == StateRunningUnknown || s == StateExitedOK
}

// Snapshot is one immutable classification of one service.
type Snapshot struct {
	Service string `json:"service"`
	State   State  `json:"state"`
	// ExitCode is set iff State is exited-ok or exited-failed.
	ExitCode  *int      `json:"exit_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Detail carries extra context such as the error that produced a not-deployed snapshot.
	Detail string `json:"detail,omitempty"`
	// Health is the runtime's raw healthcheck status, empty when the service has none.
	Health string `json:"health,omitempty"`
}

// NewSnapshot builds a snapshot, dropping the exit code for non-exited states
// and defaulting it to -1 when an exited state has none.
func NewSnapshot(service string, state State, exitCode *int, at time.Time, detail string) Snapshot {
	snap := Snapshot{
		Service:   service,
		State:     state,
		Timestamp: at,
		Detail:    detail,
	}
	if state.Exited() {
		code := -1
		if exitCode != nil {
			code = *exitCode
		}
		snap.ExitCode = &code
	}
	return snap
}
