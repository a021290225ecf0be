package health

import (
	"sort"

	"github.com/nholik/compose-medic/internal/topology"
)

// Status is the overall verdict over a set of snapshots.
type Status string

const (
	StatusOK       Status = "OK"
	StatusDegraded Status = "DEGRADED"
	StatusFailed   Status = "FAILED"
)

// Summary aggregates one poll cycle.
type Summary struct {
	Status  Status
	Counts  map[State]int
	Failing []string
}

// Summarize computes the overall status: FAILED when any service is failing,
// DEGRADED when any is in a transient state, OK otherwise.
func Summarize(graph *topology.Graph, snapshots map[string]Snapshot) Summary {
	summary := Summary{Status: StatusOK, Counts: make(map[State]int, len(States))}
	for name, snap := range snapshots {
		summary.Counts[snap.State]++
		desc, ok := graph.Descriptor(name)
		if !ok {
			desc = topology.ServiceDescriptor{Name: name}
		}
		switch {
		case snap.State.Failing(desc):
			summary.Failing = append(summary.Failing, name)
			summary.Status = worsenStatus(summary.Status, StatusFailed)
		case !snap.State.Acceptable() && !(desc.OneOff && snap.State == StateNotDeployed):
			summary.Status = worsenStatus(summary.Status, StatusDegraded)
		}
	}
	sort.Strings(summary.Failing)
	return summary
}

func worsenStatus(current, next Status) Status {
	if severity(next) > severity(current) {
		return next
	}
	return current
}

func severity(status Status) int {
	switch status {
	case StatusFailed:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}
