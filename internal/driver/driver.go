// Package driver is the boundary between the supervisor and the container runtime.
// All runtime-specific parsing stays inside this package; callers only see the
// structured values defined here.
package driver

import (
	"context"
	"iter"
	"time"

	"github.com/nholik/compose-medic/internal/topology"
)

// RawState is the runtime-reported state of a service's container.
type RawState struct {
	// Status is the runtime status string (running, exited, restarting, ...). Empty when unknown.
	Status string
	// Health is the healthcheck status (healthy, unhealthy, starting). Empty when no healthcheck is declared.
	Health string
	// ExitCode is set only when the container has exited.
	ExitCode     *int
	StartedAt    time.Time
	FinishedAt   time.Time
	RestartCount int
	OOMKilled    bool
	Error        string
}

// Mount is a volume or bind mount attached to a container.
type Mount struct {
	Type        string `json:"type"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	ReadOnly    bool   `json:"read_only"`
}

// Metadata is the inspect view of a service's container.
type Metadata struct {
	ContainerID   string            `json:"container_id"`
	ContainerName string            `json:"container_name"`
	Image         string            `json:"image"`
	Env           []string          `json:"env"`
	Mounts        []Mount           `json:"mounts"`
	Command       []string          `json:"command"`
	Entrypoint    []string          `json:"entrypoint"`
	WorkingDir    string            `json:"working_dir,omitempty"`
	Labels        map[string]string `json:"labels"`
	RestartPolicy string            `json:"restart_policy,omitempty"`
	TTY           bool              `json:"tty"`
}

// EntrypointPath returns the first element of the entrypoint, falling back to the command.
func (m Metadata) EntrypointPath() string {
	if len(m.Entrypoint) > 0 {
		return m.Entrypoint[0]
	}
	if len(m.Command) > 0 {
		return m.Command[0]
	}
	return ""
}

// EventType is a lifecycle event kind reported by the runtime.
type EventType string

const (
	EventDie          EventType = "die"
	EventOOM          EventType = "oom"
	EventHealthStatus EventType = "health_status"
)

// Event is one lifecycle event for a service. Delivery is at-least-once.
type Event struct {
	Service     string    `json:"service"`
	Type        EventType `json:"type"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Health      string    `json:"health,omitempty"`
	ContainerID string    `json:"container_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Driver is the runtime contract consumed by the poller, recovery engine,
// diagnostic collector and event listener.
type Driver interface {
	// Ping validates connectivity to the runtime.
	Ping(ctx context.Context) error

	// ListServices returns the declared services. Fails with ErrDriverUnavailable
	// when the runtime cannot be reached.
	ListServices(ctx context.Context) ([]topology.ServiceDescriptor, error)

	// RawState returns the current state of a service. Fails with ErrServiceNotFound
	// when the service was never deployed.
	RawState(ctx context.Context, service string) (RawState, error)

	// Start, Stop and Restart are idempotent with respect to the desired state.
	// Failures are reported as *ActionError.
	Start(ctx context.Context, service string) error
	Stop(ctx context.Context, service string) error
	Restart(ctx context.Context, service string) error

	// TailLogs returns the last maxLines log lines. The sequence is lazy, finite
	// and restartable: every range fetches a fresh tail. Errors are yielded once
	// and end the sequence.
	TailLogs(ctx context.Context, service string, maxLines int) iter.Seq2[string, error]

	// Inspect returns structured metadata for a service.
	Inspect(ctx context.Context, service string) (Metadata, error)

	// ReadFile returns the content of a file inside the service's container.
	ReadFile(ctx context.Context, service, path string) ([]byte, error)

	// SubscribeEvents streams lifecycle events until ctx is cancelled. A
	// non-zero since replays events from that instant on, so a resubscription
	// does not miss events raised while the stream was down.
	// The error channel receives at most one error, after which both channels close.
	SubscribeEvents(ctx context.Context, since time.Time) (<-chan Event, <-chan error)

	// Close releases resources held by the driver.
	Close() error
}
