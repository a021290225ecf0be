// Package events turns the runtime's lifecycle event stream into diagnostic
// collections and failure events.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/nholik/compose-medic/internal/diagnostics"
	"github.com/nholik/compose-medic/internal/driver"
	"github.com/nholik/compose-medic/internal/health"
	"github.com/nholik/compose-medic/internal/metrics"
	"github.com/nholik/compose-medic/internal/topology"
	"github.com/nholik/compose-medic/internal/transition"
)

const (
	// DefaultDedupWindow groups repeated events for the same service and type.
	DefaultDedupWindow = 10 * time.Second

	defaultBackoffInitial = time.Second
	defaultBackoffMax     = 30 * time.Second
)

var errStreamClosed = errors.New("event stream closed")

// GraphSource yields the current topology.
type GraphSource interface {
	Graph() *topology.Graph
}

// Collector starts a diagnostic collection without waiting for it.
type Collector interface {
	CollectAsync(ctx context.Context, service string, trigger diagnostics.Trigger)
}

// Sink receives failure events, typically the recovery engine's Submit.
// It reports whether the event was accepted.
type Sink func(event transition.FailureEvent) bool

// StreamStatus observes subscription transitions. *healthcheck.Tracker implements it.
type StreamStatus interface {
	StreamUp()
	StreamDown(err error)
}

// Option configures a Listener.
type Option func(*Listener)

// WithCollector triggers a collection for every relevant event.
func WithCollector(c Collector) Option {
	return func(l *Listener) {
		l.collector = c
	}
}

// WithSink forwards detected failures.
func WithSink(sink Sink) Option {
	return func(l *Listener) {
		l.sink = sink
	}
}

// WithMetrics counts detected failure events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Listener) {
		l.metrics = m
	}
}

// WithStreamStatus reports subscription transitions, typically to the self-health tracker.
func WithStreamStatus(status StreamStatus) Option {
	return func(l *Listener) {
		l.status = status
	}
}

// WithDedupWindow overrides the duplicate suppression window.
func WithDedupWindow(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithBackoff tunes the resubscription delay.
func WithBackoff(initial, max time.Duration) Option {
	return func(l *Listener) {
		if initial > 0 {
			l.backoffInitial = initial
		}
		if max > 0 {
			l.backoffMax = max
		}
	}
}

// WithClock overrides the time source used for dedup expiry.
func WithClock(now func() time.Time) Option {
	return func(l *Listener) {
		if now != nil {
			l.now = now
		}
	}
}

// WithSleeper overrides how the listener waits between resubscriptions.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Listener) {
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

type dedupKey struct {
	service string
	kind    driver.EventType
	bucket  int64
}

// Listener consumes the runtime event stream. It never returns before its
// context is done: a broken stream is resubscribed with exponential backoff.
type Listener struct {
	logger   zerolog.Logger
	drv      driver.Driver
	graphs   GraphSource
	history  *diagnostics.EventLog
	detector *transition.Detector

	collector      Collector
	sink           Sink
	status         StreamStatus
	metrics        *metrics.Metrics
	window         time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	seen map[dedupKey]time.Time

	// lastSeen is the newest stream event timestamp; only Run touches it.
	lastSeen time.Time
}

// NewListener builds a listener. history and detector may be shared with the
// collector and the poller.
func NewListener(logger zerolog.Logger, drv driver.Driver, graphs GraphSource, history *diagnostics.EventLog, detector *transition.Detector, opts ...Option) *Listener {
	l := &Listener{
		logger:         logger,
		drv:            drv,
		graphs:         graphs,
		history:        history,
		detector:       detector,
		window:         DefaultDedupWindow,
		backoffInitial: defaultBackoffInitial,
		backoffMax:     defaultBackoffMax,
		now:            func() time.Time { return time.Now().UTC() },
		sleep:          sleepContext,
		seen:           map[dedupKey]time.Time{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run consumes events until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	b := l.newBackOff()
	for {
		received, err := l.consume(ctx)
		if ctx.Err() != nil {
			l.logger.Info().Msg("event listener stopped")
			return nil
		}
		if l.status != nil {
			l.status.StreamDown(err)
		}
		if received {
			b.Reset()
		}
		delay := b.NextBackOff()
		l.logger.Warn().Err(err).Dur("retry_in", delay).Msg("event stream interrupted, resubscribing")
		if err := l.sleep(ctx, delay); err != nil {
			l.logger.Info().Msg("event listener stopped")
			return nil
		}
	}
}

func (l *Listener) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.backoffInitial
	b.MaxInterval = l.backoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// consume reads one subscription until it fails. It reports whether any
// event was received so a healthy stream resets the backoff.
func (l *Listener) consume(ctx context.Context) (bool, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var since time.Time
	if !l.lastSeen.IsZero() {
		since = l.lastSeen.Add(time.Nanosecond)
	}
	stream, errs := l.drv.SubscribeEvents(subCtx, since)
	l.logger.Debug().Time("since", since).Msg("subscribed to runtime events")
	if l.status != nil {
		l.status.StreamUp()
	}
	received := false
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case event, ok := <-stream:
			if !ok {
				return received, errStreamClosed
			}
			received = true
			l.observe(event)
			l.Handle(ctx, event)
		case err, ok := <-errs:
			received = l.drain(ctx, stream) || received
			if !ok || err == nil {
				return received, errStreamClosed
			}
			return received, err
		}
	}
}

// drain handles events already buffered when the stream reported an error.
func (l *Listener) drain(ctx context.Context, stream <-chan driver.Event) bool {
	drained := false
	for {
		select {
		case event, ok := <-stream:
			if !ok {
				return drained
			}
			drained = true
			l.observe(event)
			l.Handle(ctx, event)
		default:
			return drained
		}
	}
}

func (l *Listener) observe(event driver.Event) {
	if event.Timestamp.After(l.lastSeen) {
		l.lastSeen = event.Timestamp
	}
}

// Handle processes one event: it is recorded in the history, and when it
// signals a failure of a watched service and is not a duplicate, the
// detector is consulted. A collection starts only for failures the sink
// accepts.
func (l *Listener) Handle(ctx context.Context, event driver.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	l.history.Record(event)

	graph := l.graphs.Graph()
	if graph == nil {
		return
	}
	desc, ok := graph.Descriptor(event.Service)
	if !ok || desc.Ignore {
		return
	}
	if !Relevant(desc, event) {
		return
	}

	logger := l.logger.With().Str("service", event.Service).Str("event", string(event.Type)).Logger()
	if l.duplicate(event) {
		logger.Debug().Time("timestamp", event.Timestamp).Msg("duplicate event suppressed")
		return
	}

	snap := Synthesize(desc, event)
	logger.Info().Str("state", string(snap.State)).Msg("failure signalled by runtime event")

	if l.detector == nil {
		l.collect(ctx, event)
		return
	}
	failure := l.detector.Observe(desc, snap, transition.SourceEventStream)
	if failure == nil {
		return
	}
	l.metrics.IncFailureEvents(failure.Service, string(failure.TriggerSource))
	// Dies caused by recovery actions themselves are rejected by the sink
	// and must not produce bundles.
	if l.sink != nil && !l.sink(*failure) {
		logger.Debug().Msg("failure event not accepted by recovery, no bundle collected")
		return
	}
	l.collect(ctx, event)
}

func (l *Listener) collect(ctx context.Context, event driver.Event) {
	if l.collector == nil {
		return
	}
	l.collector.CollectAsync(ctx, event.Service, diagnostics.Trigger{
		Source:   string(transition.SourceEventStream),
		Reason:   describe(event),
		ExitCode: event.ExitCode,
		At:       event.Timestamp,
	})
}

func (l *Listener) duplicate(event driver.Event) bool {
	now := l.now()
	key := dedupKey{
		service: event.Service,
		kind:    event.Type,
		bucket:  event.Timestamp.Truncate(l.window).UnixNano(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, seenAt := range l.seen {
		if now.Sub(seenAt) > 2*l.window {
			delete(l.seen, k)
		}
	}
	if _, ok := l.seen[key]; ok {
		return true
	}
	l.seen[key] = now
	return false
}

// Relevant reports whether event signals a failure of desc: a die with a
// non-zero exit code (any exit for long-running services), an oom kill, or
// a healthcheck turning unhealthy.
func Relevant(desc topology.ServiceDescriptor, event driver.Event) bool {
	switch event.Type {
	case driver.EventDie:
		if desc.OneOff && event.ExitCode != nil && *event.ExitCode == 0 {
			return false
		}
		return true
	case driver.EventOOM:
		return true
	case driver.EventHealthStatus:
		return event.Health == "unhealthy"
	default:
		return false
	}
}

// Synthesize builds the snapshot an event implies without querying the runtime.
func Synthesize(desc topology.ServiceDescriptor, event driver.Event) health.Snapshot {
	switch event.Type {
	case driver.EventDie:
		state := health.Classify(desc, driver.RawState{Status: "exited", ExitCode: event.ExitCode})
		return health.NewSnapshot(event.Service, state, event.ExitCode, event.Timestamp, describe(event))
	case driver.EventOOM:
		code := 137
		return health.NewSnapshot(event.Service, health.StateExitedFailed, &code, event.Timestamp, "oom killed")
	default:
		snap := health.NewSnapshot(event.Service, health.StateRunningUnhealthy, nil, event.Timestamp, describe(event))
		snap.Health = event.Health
		return snap
	}
}

func describe(event driver.Event) string {
	switch {
	case event.Type == driver.EventDie && event.ExitCode != nil:
		return fmt.Sprintf("container died with exit code %d", *event.ExitCode)
	case event.Type == driver.EventDie:
		return "container died"
	case event.Type == driver.EventOOM:
		return "oom killed"
	default:
		return "healthcheck " + event.Health
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
