package health

import (
	"strings"

	"github.com/nholik/compose-medic/internal/driver"
	"github.com/nholik/compose-medic/internal/topology"
)

// Classify maps a raw runtime state to a health state. It is total and pure:
// unknown or garbled statuses map to not-deployed.
func Classify(desc topology.ServiceDescriptor, raw driver.RawState) State {
	switch strings.ToLower(strings.TrimSpace(raw.Status)) {
	case "restarting":
		return StateRestarting
	case "running":
		return classifyRunning(raw.Health)
	case "exited":
		return classifyExit(desc, raw.ExitCode)
	case "dead":
		return StateExitedFailed
	default:
		// created, paused, removing and anything unrecognized.
		return StateNotDeployed
	}
}

func classifyRunning(health string) State {
	switch strings.ToLower(strings.TrimSpace(health)) {
	case "healthy":
		return StateRunningHealthy
	case "unhealthy":
		return StateRunningUnhealthy
	default:
		// No healthcheck, or still inside the start period.
		return StateRunningUnknown
	}
}

func classifyExit(desc topology.ServiceDescriptor, exitCode *int) State {
	if !desc.OneOff {
		return StateExitedFailed
	}
	if exitCode != nil && *exitCode == 0 {
		return StateExitedOK
	}
	return StateExitedFailed
}
