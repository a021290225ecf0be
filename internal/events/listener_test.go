package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/compose-medic/internal/diagnostics"
	"github.com/nholik/compose-medic/internal/driver"
	"github.com/nholik/compose-medic/internal/driver/drivertest"
	"github.com/nholik/compose-medic/internal/health"
	"github.com/nholik/compose-medic/internal/healthcheck"
	"github.com/nholik/compose-medic/internal/topology"
	"github.com/nholik/compose-medic/internal/transition"
)

type recordingCollector struct {
	mu       sync.Mutex
	triggers map[string][]diagnostics.Trigger
}

func (c *recordingCollector) CollectAsync(_ context.Context, service string, trigger diagnostics.Trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.triggers == nil {
		c.triggers = map[string][]diagnostics.Trigger{}
	}
	c.triggers[service] = append(c.triggers[service], trigger)
}

func (c *recordingCollector) count(service string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.triggers[service])
}

type recordingSink struct {
	mu     sync.Mutex
	events []transition.FailureEvent
}

func (s *recordingSink) submit(event transition.FailureEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return true
}

func (s *recordingSink) snapshot() []transition.FailureEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transition.FailureEvent(nil), s.events...)
}

func testGraph(t *testing.T) *topology.Holder {
	t.Helper()
	graph, err := topology.NewGraph([]topology.ServiceDescriptor{
		{Name: "db"},
		{Name: "api", Dependencies: []string{"db"}},
		{Name: "migrate", OneOff: true, Dependencies: []string{"db"}},
		{Name: "proxy", Ignore: true},
	})
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return topology.NewHolder(graph, "")
}

func newTestListener(t *testing.T, fake *drivertest.Fake) (*Listener, *diagnostics.EventLog, *recordingCollector, *recordingSink) {
	t.Helper()
	history := diagnostics.NewEventLog(0)
	collector := &recordingCollector{}
	sink := &recordingSink{}
	listener := NewListener(zerolog.Nop(), fake, testGraph(t), history, transition.NewDetector(time.Minute),
		WithCollector(collector),
		WithSink(sink.submit),
	)
	return listener, history, collector, sink
}

func exitCode(code int) *int { return &code }

func TestRelevant(t *testing.T) {
	t.Parallel()

	service := topology.ServiceDescriptor{Name: "api"}
	job := topology.ServiceDescriptor{Name: "migrate", OneOff: true}

	tests := []struct {
		name  string
		desc  topology.ServiceDescriptor
		event driver.Event
		want  bool
	}{
		{name: "service dies non-zero", desc: service, event: driver.Event{Type: driver.EventDie, ExitCode: exitCode(1)}, want: true},
		{name: "service dies zero", desc: service, event: driver.Event{Type: driver.EventDie, ExitCode: exitCode(0)}, want: true},
		{name: "job completes", desc: job, event: driver.Event{Type: driver.EventDie, ExitCode: exitCode(0)}, want: false},
		{name: "job fails", desc: job, event: driver.Event{Type: driver.EventDie, ExitCode: exitCode(3)}, want: true},
		{name: "job dies without code", desc: job, event: driver.Event{Type: driver.EventDie}, want: true},
		{name: "oom", desc: service, event: driver.Event{Type: driver.EventOOM}, want: true},
		{name: "unhealthy", desc: service, event: driver.Event{Type: driver.EventHealthStatus, Health: "unhealthy"}, want: true},
		{name: "healthy", desc: service, event: driver.Event{Type: driver.EventHealthStatus, Health: "healthy"}, want: false},
		{name: "other", desc: service, event: driver.Event{Type: "start"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Relevant(tt.desc, tt.event); got != tt.want {
				t.Fatalf("Relevant() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	die := Synthesize(topology.ServiceDescriptor{Name: "migrate", OneOff: true}, driver.Event{Service: "migrate", Type: driver.EventDie, ExitCode: exitCode(3), Timestamp: at})
	if die.State != health.StateExitedFailed || die.ExitCode == nil || *die.ExitCode != 3 {
		t.Fatalf("unexpected die snapshot %+v", die)
	}
	oom := Synthesize(topology.ServiceDescriptor{Name: "api"}, driver.Event{Service: "api", Type: driver.EventOOM, Timestamp: at})
	if oom.State != health.StateExitedFailed || oom.Detail != "oom killed" {
		t.Fatalf("unexpected oom snapshot %+v", oom)
	}
	unhealthy := Synthesize(topology.ServiceDescriptor{Name: "api"}, driver.Event{Service: "api", Type: driver.EventHealthStatus, Health: "unhealthy", Timestamp: at})
	if unhealthy.State != health.StateRunningUnhealthy || unhealthy.ExitCode != nil || unhealthy.Health != "unhealthy" {
		t.Fatalf("unexpected health snapshot %+v", unhealthy)
	}
}

func TestHandleFiresCollectionAndFailure(t *testing.T) {
	t.Parallel()

	listener, history, collector, sink := newTestListener(t, drivertest.New())
	at := time.Now().UTC()
	listener.Handle(context.Background(), driver.Event{Service: "api", Type: driver.EventDie, ExitCode: exitCode(2), Timestamp: at})

	if history.Len("api") != 1 {
		t.Fatalf("expected event recorded in history")
	}
	if collector.count("api") != 1 {
		t.Fatalf("expected one collection, got %d", collector.count("api"))
	}
	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected one failure event, got %d", len(events))
	}
	if events[0].TriggerSource != transition.SourceEventStream || events[0].CurrentState != health.StateExitedFailed {
		t.Fatalf("unexpected failure event %+v", events[0])
	}
}

func TestHandleSuppressesDuplicates(t *testing.T) {
	t.Parallel()

	listener, history, collector, sink := newTestListener(t, drivertest.New())
	at := time.Now().UTC().Truncate(DefaultDedupWindow)
	event := driver.Event{Service: "db", Type: driver.EventHealthStatus, Health: "unhealthy", Timestamp: at}

	listener.Handle(context.Background(), event)
	listener.Handle(context.Background(), event)
	event.Timestamp = at.Add(time.Second)
	listener.Handle(context.Background(), event)

	if history.Len("db") != 3 {
		t.Fatalf("expected every event in history, got %d", history.Len("db"))
	}
	if collector.count("db") != 1 {
		t.Fatalf("expected one collection for a flapping container, got %d", collector.count("db"))
	}
	if len(sink.snapshot()) != 1 {
		t.Fatalf("expected one failure event, got %d", len(sink.snapshot()))
	}

	// A different event type passes the dedup window; the detector still
	// debounces it because db is already failing.
	event.Type = driver.EventDie
	event.ExitCode = exitCode(1)
	listener.Handle(context.Background(), event)
	if collector.count("db") != 1 || len(sink.snapshot()) != 1 {
		t.Fatalf("expected the die to be debounced, got %d collections and %d failures", collector.count("db"), len(sink.snapshot()))
	}
}

func TestHandleSkipsCollectionWhenSinkRejects(t *testing.T) {
	t.Parallel()

	collector := &recordingCollector{}
	var mu sync.Mutex
	rejected := 0
	listener := NewListener(zerolog.Nop(), drivertest.New(), testGraph(t), diagnostics.NewEventLog(0), transition.NewDetector(time.Minute),
		WithCollector(collector),
		WithSink(func(transition.FailureEvent) bool {
			mu.Lock()
			defer mu.Unlock()
			rejected++
			return false
		}),
	)
	at := time.Now().UTC()
	listener.Handle(context.Background(), driver.Event{Service: "db", Type: driver.EventDie, ExitCode: exitCode(0), Timestamp: at})
	listener.Handle(context.Background(), driver.Event{Service: "api", Type: driver.EventDie, ExitCode: exitCode(0), Timestamp: at})

	mu.Lock()
	defer mu.Unlock()
	if rejected != 2 {
		t.Fatalf("expected both failures offered to the sink, got %d", rejected)
	}
	for _, service := range []string{"db", "api"} {
		if n := collector.count(service); n != 0 {
			t.Fatalf("expected no bundle for %s after a rejected failure, got %d", service, n)
		}
	}
}

func TestHandleIgnoresIrrelevantEvents(t *testing.T) {
	t.Parallel()

	listener, history, collector, sink := newTestListener(t, drivertest.New())
	at := time.Now().UTC()
	ctx := context.Background()

	listener.Handle(ctx, driver.Event{Service: "migrate", Type: driver.EventDie, ExitCode: exitCode(0), Timestamp: at})
	listener.Handle(ctx, driver.Event{Service: "api", Type: driver.EventHealthStatus, Health: "healthy", Timestamp: at})
	listener.Handle(ctx, driver.Event{Service: "proxy", Type: driver.EventDie, ExitCode: exitCode(1), Timestamp: at})
	listener.Handle(ctx, driver.Event{Service: "sidecar", Type: driver.EventOOM, Timestamp: at})

	if history.Len("migrate") != 1 || history.Len("proxy") != 1 || history.Len("sidecar") != 1 {
		t.Fatalf("expected all events recorded in history")
	}
	for _, service := range []string{"migrate", "api", "proxy", "sidecar"} {
		if collector.count(service) != 0 {
			t.Fatalf("expected no collection for %s", service)
		}
	}
	if len(sink.snapshot()) != 0 {
		t.Fatalf("expected no failure events, got %+v", sink.snapshot())
	}
}

func TestRunResubscribesWithBackoff(t *testing.T) {
	t.Parallel()

	fake := drivertest.New()
	fake.FailNextSubscribe(errors.New("connection refused"), errors.New("connection refused"))

	var mu sync.Mutex
	var delays []time.Duration
	sleeper := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}

	history := diagnostics.NewEventLog(0)
	collector := &recordingCollector{}
	tracker := healthcheck.NewTracker()
	listener := NewListener(zerolog.Nop(), fake, testGraph(t), history, transition.NewDetector(time.Minute),
		WithCollector(collector),
		WithSleeper(sleeper),
		WithBackoff(time.Second, 10*time.Second),
		WithStreamStatus(tracker),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- listener.Run(ctx)
	}()

	waitFor(t, func() bool { return fake.Subscriptions() == 3 })
	at := time.Now().UTC()
	if !fake.Emit(ctx, driver.Event{Service: "api", Type: driver.EventOOM, Timestamp: at}) {
		t.Fatalf("expected an active subscription")
	}
	waitFor(t, func() bool { return collector.count("api") == 1 })

	fake.BreakStream(errors.New("EOF"))
	waitFor(t, func() bool { return fake.Subscriptions() == 4 })
	since := fake.Since()
	for i := 0; i < 3; i++ {
		if !since[i].IsZero() {
			t.Fatalf("expected a live subscription before any event, got since %v at %d", since[i], i)
		}
	}
	if want := at.Add(time.Nanosecond); !since[3].Equal(want) {
		t.Fatalf("expected resubscription to replay from %v, got %v", want, since[3])
	}
	waitFor(t, func() bool {
		snap := tracker.Snapshot()
		return snap.EventStream == healthcheck.StreamConnected && snap.StreamReconnects == 3
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{time.Second, 2 * time.Second, time.Second}
	if len(delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("expected delays %v, got %v", want, delays)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
