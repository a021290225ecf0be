package driver

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/nholik/compose-medic/internal/topology"
)

// BreakerSettings tunes the circuit around a driver.
type BreakerSettings struct {
	// ConsecutiveFailures opens the circuit after this many unavailable errors in a row.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open before a probe is allowed.
	OpenTimeout time.Duration
	// OnStateChange is called with the new state name (closed, half-open, open).
	OnStateChange func(state string)
}

// Breaker wraps a Driver with a circuit breaker. Only ErrDriverUnavailable
// counts as a failure; a failed restart or a missing service says nothing
// about the daemon's reachability. While open, calls fail fast with
// ErrDriverUnavailable.
type Breaker struct {
	next Driver
	cb   *gobreaker.CircuitBreaker[any]
}

var _ Driver = (*Breaker)(nil)

// NewBreaker wraps next.
func NewBreaker(next Driver, settings BreakerSettings, logger zerolog.Logger) *Breaker {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "workload-driver",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrDriverUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("driver circuit state changed")
			if settings.OnStateChange != nil {
				settings.OnStateChange(to.String())
			}
		},
	})
	return &Breaker{next: next, cb: cb}
}

// State returns the circuit state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (any, error) {
		v, err := fn()
		return v, err
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, unavailable(err)
		}
		if typed, ok := result.(T); ok {
			return typed, err
		}
		return zero, err
	}
	typed, _ := result.(T)
	return typed, nil
}

func (b *Breaker) run(fn func() error) error {
	_, err := execute(b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (b *Breaker) Ping(ctx context.Context) error {
	return b.run(func() error { return b.next.Ping(ctx) })
}

func (b *Breaker) ListServices(ctx context.Context) ([]topology.ServiceDescriptor, error) {
	return execute(b, func() ([]topology.ServiceDescriptor, error) { return b.next.ListServices(ctx) })
}

func (b *Breaker) RawState(ctx context.Context, service string) (RawState, error) {
	return execute(b, func() (RawState, error) { return b.next.RawState(ctx, service) })
}

func (b *Breaker) Start(ctx context.Context, service string) error {
	return b.run(func() error { return b.next.Start(ctx, service) })
}

func (b *Breaker) Stop(ctx context.Context, service string) error {
	return b.run(func() error { return b.next.Stop(ctx, service) })
}

func (b *Breaker) Restart(ctx context.Context, service string) error {
	return b.run(func() error { return b.next.Restart(ctx, service) })
}

func (b *Breaker) TailLogs(ctx context.Context, service string, maxLines int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if b.cb.State() == gobreaker.StateOpen {
			yield("", unavailable(gobreaker.ErrOpenState))
			return
		}
		for line, err := range b.next.TailLogs(ctx, service, maxLines) {
			if !yield(line, err) {
				return
			}
		}
	}
}

func (b *Breaker) Inspect(ctx context.Context, service string) (Metadata, error) {
	return execute(b, func() (Metadata, error) { return b.next.Inspect(ctx, service) })
}

func (b *Breaker) ReadFile(ctx context.Context, service, path string) ([]byte, error) {
	return execute(b, func() ([]byte, error) { return b.next.ReadFile(ctx, service, path) })
}

// SubscribeEvents is not guarded: the listener owns its own resubscription backoff.
func (b *Breaker) SubscribeEvents(ctx context.Context, since time.Time) (<-chan Event, <-chan error) {
	return b.next.SubscribeEvents(ctx, since)
}

func (b *Breaker) Close() error {
	return b.next.Close()
}
