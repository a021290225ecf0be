package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/compose-medic/internal/driver/drivertest"
	"github.com/nholik/compose-medic/internal/health"
	"github.com/nholik/compose-medic/internal/notify"
	"github.com/nholik/compose-medic/internal/poller"
	"github.com/nholik/compose-medic/internal/state"
	"github.com/nholik/compose-medic/internal/topology"
	"github.com/nholik/compose-medic/internal/transition"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, alert notify.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) find(kind notify.Kind, service string) (notify.Alert, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, alert := range n.alerts {
		if alert.Kind == kind && alert.Service == service {
			return alert, true
		}
	}
	return notify.Alert{}, false
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

type harness struct {
	fake     *drivertest.Fake
	holder   *topology.Holder
	poller   *poller.Poller
	store    *state.MemoryStore
	notifier *recordingNotifier
	sleeper  *sleepRecorder
	engine   *Engine
}

func testPolicy() Policy {
	return Policy{
		MaxAttempts:       6,
		AttemptsPerAction: 2,
		Settle:            3 * time.Second,
		Stabilization:     30 * time.Second,
		BackoffInitial:    5 * time.Second,
		BackoffMax:        time.Minute,
		ActionTimeout:     time.Second,
		WaitTimeout:       20 * time.Millisecond,
		WaitInterval:      5 * time.Millisecond,
	}
}

func newHarness(t *testing.T, policy Policy, descriptors []topology.ServiceDescriptor, opts ...Option) *harness {
	t.Helper()
	graph, err := topology.NewGraph(descriptors)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	h := &harness{
		fake:     drivertest.New(),
		holder:   topology.NewHolder(graph, "test"),
		store:    state.NewMemoryStore(),
		notifier: &recordingNotifier{},
		sleeper:  &sleepRecorder{},
	}
	h.poller = poller.New(zerolog.Nop(), h.fake, h.holder, time.Second)
	base := []Option{
		WithStore(h.store),
		WithNotifier(h.notifier),
		WithSleeper(h.sleeper.sleep),
		WithProject("shop"),
	}
	h.engine = NewEngine(zerolog.Nop(), h.fake, h.holder, h.poller, policy, append(base, opts...)...)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.engine.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("engine did not stop")
		}
	})
}

func failure(service string, state health.State) transition.FailureEvent {
	return transition.FailureEvent{
		Service:       service,
		DetectedAt:    time.Now().UTC(),
		CurrentState:  state,
		TriggerSource: transition.SourcePoller,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func actionNames(actions []drivertest.Action) []string {
	names := make([]string, 0, len(actions))
	for _, a := range actions {
		names = append(names, a.Name+":"+a.Service)
	}
	return names
}

func TestEngine_UnhealthyDatabaseRecoversAfterRestart(t *testing.T) {
	h := newHarness(t, testPolicy(), []topology.ServiceDescriptor{{Name: "db"}})
	h.fake.SetState("db", drivertest.Running("unhealthy"))
	h.fake.OnAction = func(a drivertest.Action) {
		if a.Name == "restart" && a.Service == "db" {
			h.fake.SetState("db", drivertest.Running("healthy"))
		}
	}
	h.start(t)

	// Three consecutive unhealthy polls produce a single failure event.
	detector := transition.NewDetector(time.Minute)
	desc := topology.ServiceDescriptor{Name: "db"}
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var events []transition.FailureEvent
	for i := 0; i < 3; i++ {
		snap := health.NewSnapshot("db", health.StateRunningUnhealthy, nil, start.Add(time.Duration(i)*10*time.Second), "")
		if event := detector.Observe(desc, snap, transition.SourcePoller); event != nil {
			events = append(events, *event)
		}
	}
	if len(events) != 1 {
		t.Fatalf("expected one failure event, got %d", len(events))
	}
	if !h.engine.Submit(events[0]) {
		t.Fatalf("expected the failure to open a streak")
	}

	waitFor(t, "db streak to close", func() bool {
		_, open := h.engine.Streak("db")
		return !open
	})
	if got := actionNames(h.fake.Actions()); len(got) != 1 || got[0] != "restart:db" {
		t.Fatalf("expected a single restart of db, got %v", got)
	}
	waitFor(t, "recovered alert", func() bool {
		_, ok := h.notifier.find(notify.KindRecovered, "db")
		return ok
	})
	waitFor(t, "persisted state without streak", func() bool {
		doc, _ := h.store.Load(context.Background())
		_, ok := doc.Streaks["db"]
		return !ok && h.store.Saves() > 0
	})
	if alert, ok := h.notifier.find(notify.KindFailure, "db"); !ok || alert.Project != "shop" {
		t.Fatalf("expected a failure alert for project shop, got %+v", alert)
	}
}

func TestEngine_EscalatesToDependenciesOnThirdAttempt(t *testing.T) {
	descriptors := []topology.ServiceDescriptor{
		{Name: "queue"},
		{Name: "migrate", OneOff: true},
		{Name: "worker", Dependencies: []string{"queue", "migrate"}},
	}
	h := newHarness(t, testPolicy(), descriptors)
	h.fake.SetState("worker", drivertest.Exited(1))
	h.fake.FailAction("restart", "worker", errors.New("container worker is marked for removal"))
	h.fake.OnAction = func(a drivertest.Action) {
		if a.Name == "restart" && a.Service == "queue" {
			h.fake.FailAction("restart", "worker", nil)
			h.fake.SetState("worker", drivertest.Running(""))
		}
	}
	h.start(t)

	h.engine.Submit(failure("worker", health.StateExitedFailed))

	waitFor(t, "worker streak to close", func() bool {
		_, open := h.engine.Streak("worker")
		return !open
	})

	want := []string{"restart:worker", "restart:worker", "restart:queue", "restart:worker"}
	got := actionNames(h.fake.Actions())
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected actions %v, got %v", want, got)
	}

	waitFor(t, "recovered alert", func() bool {
		_, ok := h.notifier.find(notify.KindRecovered, "worker")
		return ok
	})
	alert, _ := h.notifier.find(notify.KindRecovered, "worker")
	if alert.Action != string(ActionRestartWithDeps) || alert.Attempt != 3 {
		t.Fatalf("expected recovery on the third attempt by restart-with-deps, got %+v", alert)
	}

	// Backoff grows between attempts: 5s before the second, 10s before the third.
	h.sleeper.mu.Lock()
	sleeps := append([]time.Duration(nil), h.sleeper.sleeps...)
	h.sleeper.mu.Unlock()
	var backoffs []time.Duration
	for _, d := range sleeps {
		if d == 5*time.Second || d == 10*time.Second {
			backoffs = append(backoffs, d)
		}
	}
	if fmt.Sprint(backoffs) != fmt.Sprint([]time.Duration{5 * time.Second, 10 * time.Second}) {
		t.Fatalf("expected backoffs 5s then 10s, got %v (all sleeps %v)", backoffs, sleeps)
	}
}

func TestEngine_ExhaustsAndWaitsForReset(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 3
	policy.AttemptsPerAction = 1

	var collected []string
	var resets []string
	h := newHarness(t, policy, []topology.ServiceDescriptor{{Name: "api"}},
		WithDiagnostics(func(_ context.Context, service, reason string) (string, error) {
			collected = append(collected, service+":"+reason)
			return "20240501T120000Z-api", nil
		}),
		WithResetHook(func(service string) { resets = append(resets, service) }),
	)
	h.fake.SetState("api", drivertest.Exited(2))
	h.start(t)

	h.engine.Submit(failure("api", health.StateExitedFailed))

	waitFor(t, "exhausted streak", func() bool {
		streak, ok := h.engine.Streak("api")
		return ok && streak.Status == StatusExhausted
	})

	streak, _ := h.engine.Streak("api")
	if len(streak.Attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(streak.Attempts))
	}
	for i, attempt := range streak.Attempts {
		if attempt.Index != i {
			t.Fatalf("expected attempt index %d, got %d", i, attempt.Index)
		}
		if attempt.Outcome != OutcomeFailed {
			t.Fatalf("expected failed outcome, got %s", attempt.Outcome)
		}
		if i > 0 && attempt.Action.level() < streak.Attempts[i-1].Action.level() {
			t.Fatalf("action downgraded from %s to %s", streak.Attempts[i-1].Action, attempt.Action)
		}
	}
	if streak.Attempts[2].Action != ActionFullRebuild || streak.Attempts[2].BundleID == "" {
		t.Fatalf("expected final full-rebuild attempt with a bundle, got %+v", streak.Attempts[2])
	}
	if len(collected) != 1 {
		t.Fatalf("expected one exhaustion bundle, got %v", collected)
	}
	waitFor(t, "exhausted alert", func() bool {
		_, ok := h.notifier.find(notify.KindExhausted, "api")
		return ok
	})

	if h.engine.Submit(failure("api", health.StateExitedFailed)) {
		t.Fatalf("exhausted streaks must ignore failure events")
	}

	if err := h.engine.Reset(context.Background(), "api"); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if _, ok := h.engine.Streak("api"); ok {
		t.Fatalf("expected streak to be cleared")
	}
	if len(resets) != 1 || resets[0] != "api" {
		t.Fatalf("expected reset hook for api, got %v", resets)
	}
	if err := h.engine.Reset(context.Background(), "api"); !errors.Is(err, ErrNoStreak) {
		t.Fatalf("expected ErrNoStreak, got %v", err)
	}

	h.fake.SetState("api", drivertest.Running("healthy"))
	if !h.engine.Submit(failure("api", health.StateExitedFailed)) {
		t.Fatalf("expected a new streak after reset")
	}
	waitFor(t, "new streak to close", func() bool {
		_, open := h.engine.Streak("api")
		return !open
	})
}

func TestEngine_ServicesRecoverIndependently(t *testing.T) {
	h := newHarness(t, testPolicy(), []topology.ServiceDescriptor{{Name: "slow"}, {Name: "fast"}})
	h.fake.SetState("slow", drivertest.Running("unhealthy"))
	h.fake.SetState("fast", drivertest.Running("unhealthy"))

	release := make(chan struct{})
	h.fake.OnAction = func(a drivertest.Action) {
		switch a.Service {
		case "slow":
			<-release
			h.fake.SetState("slow", drivertest.Running("healthy"))
		case "fast":
			h.fake.SetState("fast", drivertest.Running("healthy"))
		}
	}
	h.start(t)

	h.engine.Submit(failure("slow", health.StateRunningUnhealthy))
	h.engine.Submit(failure("fast", health.StateRunningUnhealthy))

	waitFor(t, "fast to recover while slow is stuck", func() bool {
		_, open := h.engine.Streak("fast")
		return !open
	})
	if _, open := h.engine.Streak("slow"); !open {
		t.Fatalf("expected slow to still be recovering")
	}
	close(release)
	waitFor(t, "slow to recover", func() bool {
		_, open := h.engine.Streak("slow")
		return !open
	})
}

func TestEngine_DropsEventsWhileStreakOpen(t *testing.T) {
	h := newHarness(t, testPolicy(), []topology.ServiceDescriptor{{Name: "db"}, {Name: "tools", Ignore: true}})
	h.fake.SetState("db", drivertest.Running("unhealthy"))

	if !h.engine.Submit(failure("db", health.StateRunningUnhealthy)) {
		t.Fatalf("expected first event to open a streak")
	}
	if h.engine.Submit(failure("db", health.StateRunningUnhealthy)) {
		t.Fatalf("expected second event to be dropped")
	}
	if h.engine.Submit(failure("tools", health.StateExitedFailed)) {
		t.Fatalf("expected ignored service to be dropped")
	}
	if h.engine.Submit(failure("ghost", health.StateExitedFailed)) {
		t.Fatalf("expected unknown service to be dropped")
	}
	if got := len(h.engine.Streaks()); got != 1 {
		t.Fatalf("expected one streak, got %d", got)
	}
}

func TestEngine_ForceStartsAtRequestedAction(t *testing.T) {
	descriptors := []topology.ServiceDescriptor{
		{Name: "db"},
		{Name: "api", Dependencies: []string{"db"}},
	}
	var rebuilt []string
	h := newHarness(t, testPolicy(), descriptors, WithRebuilder(rebuilderFunc(func(_ context.Context, services []string) error {
		rebuilt = append(rebuilt, services...)
		return nil
	})))
	h.fake.SetState("db", drivertest.Running("healthy"))
	h.fake.SetState("api", drivertest.Running("healthy"))
	h.start(t)

	if _, err := h.engine.Force(context.Background(), "api", "reboot"); err == nil {
		t.Fatalf("expected invalid action error")
	}
	if _, err := h.engine.Force(context.Background(), "ghost", ActionRestartSelf); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}

	streak, err := h.engine.Force(context.Background(), "api", ActionFullRebuild)
	if err != nil {
		t.Fatalf("Force returned error: %v", err)
	}
	if streak.Trigger != transition.SourceOperator || streak.NextAction(h.engine.Policy()) != ActionFullRebuild {
		t.Fatalf("unexpected forced streak %+v", streak)
	}

	waitFor(t, "forced streak to close", func() bool {
		_, open := h.engine.Streak("api")
		return !open
	})
	want := []string{"stop:api", "stop:db", "start:db", "start:api"}
	if got := actionNames(h.fake.Actions()); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if fmt.Sprint(rebuilt) != fmt.Sprint([]string{"db", "api"}) {
		t.Fatalf("expected rebuild of db and api, got %v", rebuilt)
	}
}

func TestEngine_OverlappingFullRebuildsShareOneGate(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 3
	policy.AttemptsPerAction = 1

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	var mu sync.Mutex
	rebuilds := 0
	h := newHarness(t, policy, []topology.ServiceDescriptor{{Name: "a"}, {Name: "b"}},
		WithRebuilder(rebuilderFunc(func(ctx context.Context, _ []string) error {
			mu.Lock()
			rebuilds++
			mu.Unlock()
			entered <- struct{}{}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})))
	h.fake.SetState("a", drivertest.Exited(1))
	h.fake.SetState("b", drivertest.Exited(1))
	h.fake.OnAction = func(a drivertest.Action) {
		if a.Name == "start" {
			h.fake.SetState(a.Service, drivertest.Running(""))
		}
	}
	h.start(t)

	if _, err := h.engine.Force(context.Background(), "a", ActionFullRebuild); err != nil {
		t.Fatalf("Force a: %v", err)
	}
	<-entered
	if h.engine.Submit(failure("b", health.StateExitedFailed)) {
		t.Fatalf("expected failure events to be dropped during a full rebuild")
	}
	if _, err := h.engine.Force(context.Background(), "b", ActionFullRebuild); err != nil {
		t.Fatalf("Force b: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if streak, ok := h.engine.Streak("b"); !ok || len(streak.Attempts) != 0 {
		t.Fatalf("expected b to hold its attempt during the rebuild, got %+v", streak)
	}
	close(release)

	waitFor(t, "both streaks to close", func() bool {
		_, openA := h.engine.Streak("a")
		_, openB := h.engine.Streak("b")
		return !openA && !openB
	})
	mu.Lock()
	defer mu.Unlock()
	if rebuilds != 1 {
		t.Fatalf("expected a single rebuild, got %d", rebuilds)
	}
	waitFor(t, "recovered alert for b", func() bool {
		_, ok := h.notifier.find(notify.KindRecovered, "b")
		return ok
	})
	alert, _ := h.notifier.find(notify.KindRecovered, "b")
	if alert.Attempt != 0 || alert.Action != "" {
		t.Fatalf("expected b to recover without a charged attempt, got %+v", alert)
	}
	if _, ok := h.notifier.find(notify.KindExhausted, "b"); ok {
		t.Fatalf("b must not be exhausted by a rebuild it waited for")
	}
}

func TestEngine_SupersededRebuildIsNotCounted(t *testing.T) {
	h := newHarness(t, testPolicy(), []topology.ServiceDescriptor{{Name: "a"}})
	h.fake.SetState("a", drivertest.Running(""))
	h.start(t)

	h.engine.mu.Lock()
	done := make(chan struct{})
	h.engine.rebuildDone = done
	h.engine.mu.Unlock()

	result := make(chan error, 1)
	go func() { result <- h.engine.fullRebuild(context.Background(), zerolog.Nop()) }()
	time.Sleep(10 * time.Millisecond)
	h.engine.mu.Lock()
	close(done)
	h.engine.rebuildDone = nil
	h.engine.mu.Unlock()

	select {
	case err := <-result:
		if !errors.Is(err, errRebuildSuperseded) {
			t.Fatalf("expected errRebuildSuperseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("fullRebuild did not return after the gate opened")
	}
	if got := h.fake.Actions(); len(got) != 0 {
		t.Fatalf("a superseded rebuild must not touch the stack, got %v", actionNames(got))
	}
}

func TestEngine_RestoreResumesInterruptedStreak(t *testing.T) {
	descriptors := []topology.ServiceDescriptor{
		{Name: "queue"},
		{Name: "worker", Dependencies: []string{"queue"}},
	}
	h := newHarness(t, testPolicy(), descriptors)

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	doc := state.Empty()
	doc.Project = "shop"
	doc.Streaks["worker"] = state.Streak{
		ID:           "persisted",
		Service:      "worker",
		Status:       string(StatusFailing),
		Floor:        string(ActionRestartSelf),
		AttemptIndex: 1,
		StartedAt:    started,
		Attempts: []state.Attempt{
			{Index: 0, Action: string(ActionRestartSelf), StartedAt: started, Outcome: string(OutcomeFailed)},
			{Index: 1, Action: string(ActionRestartSelf), StartedAt: started.Add(time.Minute), Outcome: string(OutcomePending)},
		},
	}
	doc.Streaks["gone"] = state.Streak{ID: "x", Service: "gone", Status: string(StatusFailing)}
	if err := h.store.Save(context.Background(), doc); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	h.fake.SetState("worker", drivertest.Exited(1))
	h.fake.OnAction = func(a drivertest.Action) {
		if a.Service == "worker" {
			h.fake.SetState("worker", drivertest.Running("healthy"))
		}
	}

	if err := h.engine.Restore(context.Background()); err != nil {
		t.Fatalf("Restore returned error: %v", err)
	}
	if _, ok := h.engine.Streak("gone"); ok {
		t.Fatalf("expected streaks of removed services to be dropped")
	}
	restored, ok := h.engine.Streak("worker")
	if !ok || restored.AttemptIndex != 2 || restored.Attempts[1].Outcome != OutcomeFailed {
		t.Fatalf("expected the pending attempt to count as failed, got %+v", restored)
	}

	h.start(t)
	waitFor(t, "resumed streak to close", func() bool {
		_, open := h.engine.Streak("worker")
		return !open
	})
	want := []string{"restart:queue", "restart:worker"}
	if got := actionNames(h.fake.Actions()); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected the resumed streak to escalate to restart-with-deps, got %v", got)
	}
}

func TestEngine_RestoreAlertsWhenInterruptedAttemptExhausts(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 2
	var collected []string
	h := newHarness(t, policy, []topology.ServiceDescriptor{{Name: "api"}},
		WithDiagnostics(func(_ context.Context, service, reason string) (string, error) {
			collected = append(collected, service+":"+reason)
			return "20240501T120000Z-api", nil
		}))

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	doc := state.Empty()
	doc.Project = "shop"
	doc.Streaks["api"] = state.Streak{
		ID:           "persisted",
		Service:      "api",
		Status:       string(StatusFailing),
		Floor:        string(ActionRestartSelf),
		AttemptIndex: 1,
		StartedAt:    started,
		Attempts: []state.Attempt{
			{Index: 0, Action: string(ActionRestartSelf), StartedAt: started, Outcome: string(OutcomeFailed)},
			{Index: 1, Action: string(ActionRestartSelf), StartedAt: started.Add(time.Minute), Outcome: string(OutcomePending)},
		},
	}
	if err := h.store.Save(context.Background(), doc); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	if err := h.engine.Restore(context.Background()); err != nil {
		t.Fatalf("Restore returned error: %v", err)
	}
	streak, ok := h.engine.Streak("api")
	if !ok || streak.Status != StatusExhausted {
		t.Fatalf("expected an exhausted streak, got %+v", streak)
	}
	if streak.Attempts[1].BundleID != "20240501T120000Z-api" {
		t.Fatalf("expected the bundle on the interrupted attempt, got %+v", streak.Attempts[1])
	}
	if len(collected) != 1 || collected[0] != "api:recovery exhausted" {
		t.Fatalf("expected one exhaustion bundle, got %v", collected)
	}
	h.engine.WaitAlerts()
	alert, ok := h.notifier.find(notify.KindExhausted, "api")
	if !ok {
		t.Fatalf("expected an exhausted alert for the restored streak")
	}
	if alert.StreakID != "persisted" || alert.Attempt != 2 || alert.BundleID == "" {
		t.Fatalf("unexpected exhausted alert %+v", alert)
	}
	persisted, _ := h.store.Load(context.Background())
	if got := persisted.Streaks["api"].Status; got != string(StatusExhausted) {
		t.Fatalf("expected exhausted status to be persisted, got %q", got)
	}
}

func TestEngine_RunRejectsSecondRun(t *testing.T) {
	h := newHarness(t, testPolicy(), []topology.ServiceDescriptor{{Name: "db"}})
	h.start(t)
	waitFor(t, "engine to start", func() bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		return h.engine.ctx != nil
	})
	if err := h.engine.Run(context.Background()); err == nil {
		t.Fatalf("expected error for a second Run")
	}
}

type rebuilderFunc func(ctx context.Context, services []string) error

func (f rebuilderFunc) Rebuild(ctx context.Context, services []string) error {
	return f(ctx, services)
}
