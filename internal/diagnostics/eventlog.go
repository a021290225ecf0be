package diagnostics

import (
	"sync"
	"time"

	"github.com/nholik/compose-medic/internal/driver"
)

// DefaultEventHistory is the number of events kept per service.
const DefaultEventHistory = 200

// EventLog is a bounded per-service history of runtime events. It is safe for
// concurrent use.
type EventLog struct {
	mu       sync.RWMutex
	capacity int
	events   map[string][]driver.Event
}

// NewEventLog keeps at most capacity events per service.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultEventHistory
	}
	return &EventLog{capacity: capacity, events: map[string][]driver.Event{}}
}

// Record appends an event, dropping the oldest one when the service is at capacity.
func (l *EventLog) Record(event driver.Event) {
	if l == nil || event.Service == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	events := append(l.events[event.Service], event)
	if len(events) > l.capacity {
		events = append([]driver.Event(nil), events[len(events)-l.capacity:]...)
	}
	l.events[event.Service] = events
}

// Since returns the events of service at or after t, oldest first.
func (l *EventLog) Since(service string, t time.Time) []driver.Event {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []driver.Event
	for _, event := range l.events[service] {
		if !event.Timestamp.Before(t) {
			out = append(out, event)
		}
	}
	return out
}

// Len returns the number of events held for service.
func (l *EventLog) Len(service string) int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events[service])
}
