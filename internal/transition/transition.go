// Package transition turns health observations into failure events.
package transition

import (
	"sort"
	"sync"
	"time"

	"github.com/nholik/compose-medic/internal/health"
	"github.com/nholik/compose-medic/internal/topology"
)

// DefaultDebounce is the minimum time between two failure events for a
// service that stays failing.
const DefaultDebounce = time.Minute

// TriggerSource names what produced the observation behind a FailureEvent.
type TriggerSource string

const (
	SourcePoller      TriggerSource = "poller"
	SourceEventStream TriggerSource = "event-stream"
	SourceOperator    TriggerSource = "operator"
)

// FailureEvent is a detected health degradation requiring action.
type FailureEvent struct {
	Service       string        `json:"service"`
	DetectedAt    time.Time     `json:"detected_at"`
	PreviousState health.State  `json:"previous_state,omitempty"`
	CurrentState  health.State  `json:"current_state"`
	TriggerSource TriggerSource `json:"trigger_source"`
	ExitCode      *int          `json:"exit_code,omitempty"`
	Detail        string        `json:"detail,omitempty"`
}

type record struct {
	state     health.State
	failing   bool
	lastFired time.Time
}

// Detector tracks the last observed state per service. It is safe for
// concurrent use by the poller and the event listener.
type Detector struct {
	mu       sync.Mutex
	debounce time.Duration
	records  map[string]record
}

// NewDetector returns a detector with the given debounce window.
func NewDetector(debounce time.Duration) *Detector {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Detector{debounce: debounce, records: map[string]record{}}
}

// Observe records one snapshot and returns a FailureEvent when the service
// moved from non-failing to failing, or when it is still failing and the
// debounce window has elapsed since the last event. Non-failing observations
// clear the service's record.
func (d *Detector) Observe(desc topology.ServiceDescriptor, snap health.Snapshot, source TriggerSource) *FailureEvent {
	failing := snap.State.Failing(desc)

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, seen := d.records[snap.Service]
	if !failing {
		d.records[snap.Service] = record{state: snap.State}
		return nil
	}

	if seen && prev.failing && snap.Timestamp.Sub(prev.lastFired) < d.debounce {
		prev.state = snap.State
		d.records[snap.Service] = prev
		return nil
	}

	d.records[snap.Service] = record{state: snap.State, failing: true, lastFired: snap.Timestamp}
	event := &FailureEvent{
		Service:       snap.Service,
		DetectedAt:    snap.Timestamp,
		CurrentState:  snap.State,
		TriggerSource: source,
		ExitCode:      snap.ExitCode,
		Detail:        snap.Detail,
	}
	if seen {
		event.PreviousState = prev.state
	}
	return event
}

// ObserveAll observes a full poll cycle and returns the resulting events
// sorted by service name. Snapshots for services outside the graph's watch
// set are ignored.
func (d *Detector) ObserveAll(graph *topology.Graph, snapshots map[string]health.Snapshot, source TriggerSource) []FailureEvent {
	events := make([]FailureEvent, 0)
	for _, desc := range graph.Watched() {
		snap, ok := snapshots[desc.Name]
		if !ok {
			continue
		}
		if event := d.Observe(desc, snap, source); event != nil {
			events = append(events, *event)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Service < events[j].Service
	})
	return events
}

// Reset clears the record of service so that the next failing observation fires immediately.
func (d *Detector) Reset(service string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, service)
}

// Forget drops services that are no longer in the topology.
func (d *Detector) Forget(keep []string) {
	allowed := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		allowed[name] = struct{}{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for name := range d.records {
		if _, ok := allowed[name]; !ok {
			delete(d.records, name)
		}
	}
}
