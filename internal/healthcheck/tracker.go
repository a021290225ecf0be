// Package healthcheck reports the supervisor's own liveness: whether poll
// cycles keep completing and whether the runtime event stream is attached.
package healthcheck

import (
	"sync"
	"time"
)

// Event stream states reported in Snapshot.EventStream.
const (
	StreamUnknown      = "unknown"
	StreamConnected    = "connected"
	StreamDisconnected = "disconnected"
)

// Snapshot is the body shared by /healthz and /readyz.
type Snapshot struct {
	LastCycleTime       *time.Time `json:"last_cycle_time"`
	CycleDurationMS     int64      `json:"cycle_duration_ms"`
	ServicesPolled      int        `json:"services_polled"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	EventStream         string     `json:"event_stream"`
	StreamReconnects    int        `json:"stream_reconnects"`
	StreamError         string     `json:"stream_error,omitempty"`
}

type cycleState struct {
	at       time.Time
	duration time.Duration
	polled   int
	failures int
	lastErr  string
}

type streamState struct {
	status     string
	reconnects int
	lastErr    string
}

// Tracker records poll cycles and event stream transitions. A nil Tracker
// ignores every call.
type Tracker struct {
	mu     sync.RWMutex
	now    func() time.Time
	cycle  cycleState
	stream streamState
}

// NewTracker constructs a Tracker with no completed cycle.
func NewTracker() *Tracker {
	return &Tracker{
		now:    func() time.Time { return time.Now().UTC() },
		stream: streamState{status: StreamUnknown},
	}
}

// RecordCycle marks a poll cycle that reached the runtime.
func (t *Tracker) RecordCycle(duration time.Duration, servicesPolled int) {
	if t == nil {
		return
	}
	at := t.now()
	t.mu.Lock()
	t.cycle = cycleState{at: at, duration: duration, polled: servicesPolled}
	t.mu.Unlock()
}

// RecordFailure marks a poll cycle dropped because the runtime was unreachable.
// The time of the last good cycle is kept.
func (t *Tracker) RecordFailure(err error) {
	if t == nil || err == nil {
		return
	}
	t.mu.Lock()
	t.cycle.failures++
	t.cycle.lastErr = err.Error()
	t.mu.Unlock()
}

// StreamUp records a successful event subscription.
func (t *Tracker) StreamUp() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.stream.status == StreamDisconnected {
		t.stream.reconnects++
	}
	t.stream.status = StreamConnected
	t.stream.lastErr = ""
	t.mu.Unlock()
}

// StreamDown records an interrupted event subscription.
func (t *Tracker) StreamDown(err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.stream.status = StreamDisconnected
	if err != nil {
		t.stream.lastErr = err.Error()
	}
	t.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{EventStream: StreamUnknown}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{
		CycleDurationMS:     t.cycle.duration.Milliseconds(),
		ServicesPolled:      t.cycle.polled,
		ConsecutiveFailures: t.cycle.failures,
		LastError:           t.cycle.lastErr,
		EventStream:         t.stream.status,
		StreamReconnects:    t.stream.reconnects,
		StreamError:         t.stream.lastErr,
	}
	if !t.cycle.at.IsZero() {
		at := t.cycle.at
		snap.LastCycleTime = &at
	}
	return snap
}

// Ready reports whether a poll cycle has ever reached the runtime.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.cycle.at.IsZero()
}

// Healthy reports whether the last good cycle is at most two poll intervals old.
func (t *Tracker) Healthy(now time.Time, pollInterval time.Duration) bool {
	if t == nil || pollInterval <= 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cycle.at.IsZero() {
		return false
	}
	return now.Sub(t.cycle.at) <= 2*pollInterval
}
