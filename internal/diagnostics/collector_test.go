package diagnostics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/compose-medic/internal/driver"
	"github.com/nholik/compose-medic/internal/driver/drivertest"
	"github.com/nholik/compose-medic/internal/metrics"
)

var collectedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return collectedAt }

func TestCollectorCompleteBundle(t *testing.T) {
	t.Parallel()

	fake := drivertest.New()
	code := 137
	fake.SetState("api", driver.RawState{Status: "exited", ExitCode: &code, OOMKilled: true})
	fake.SetMetadata("api", driver.Metadata{
		ContainerName: "shop-api-1",
		Image:         "shop/api:1.4",
		Env:           []string{"PORT=8080", "DB_PASSWORD=hunter2", "STRIPE_API_KEY=sk_live"},
		Entrypoint:    []string{"/docker-entrypoint.sh"},
		Command:       []string{"serve"},
	})
	fake.SetFile("api", "/docker-entrypoint.sh", []byte("#!/bin/sh\nexec \"$@\"\n"))
	fake.SetLogs("api", "starting", "listening on :8080", "fatal: out of memory")

	events := NewEventLog(10)
	events.Record(driver.Event{Service: "api", Type: driver.EventOOM, Timestamp: collectedAt.Add(-10 * time.Second)})
	events.Record(driver.Event{Service: "api", Type: driver.EventDie, Timestamp: collectedAt.Add(-2 * time.Minute)})
	events.Record(driver.Event{Service: "db", Type: driver.EventDie, Timestamp: collectedAt.Add(-5 * time.Second)})

	store := NewFileStore(t.TempDir(), zerolog.Nop())
	m := metrics.New()
	collector := NewCollector(zerolog.Nop(), fake, events, store, WithClock(fixedClock), WithLogLines(2), WithMetrics(m))

	trigger := Trigger{Source: "event-stream", Reason: "oom", ExitCode: &code, At: collectedAt}
	bundle, err := collector.Collect(context.Background(), "api", trigger)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if bundle.ID != "20240501T120000.000Z-api" {
		t.Fatalf("unexpected id %q", bundle.ID)
	}
	if bundle.Partial() {
		t.Fatalf("expected complete bundle, got %+v", bundle.Sections)
	}
	wantOrder := []string{SectionState, SectionConfiguration, SectionEntrypoint, SectionRecentEvents, SectionRecentLogs, SectionTrigger}
	for i, name := range wantOrder {
		if bundle.Sections[i].Name != name {
			t.Fatalf("section %d: expected %s, got %s", i, name, bundle.Sections[i].Name)
		}
	}

	state, _ := bundle.Section(SectionState)
	if view := state.Content.(StateView); !view.OOMKilled || view.Status != "exited" {
		t.Fatalf("unexpected state section %+v", view)
	}

	config, _ := bundle.Section(SectionConfiguration)
	env := strings.Join(config.Content.(driver.Metadata).Env, ",")
	if strings.Contains(env, "hunter2") || strings.Contains(env, "sk_live") {
		t.Fatalf("expected secrets to be redacted, got %s", env)
	}
	if !strings.Contains(env, "PORT=8080") {
		t.Fatalf("expected plain env to be kept, got %s", env)
	}

	entry, _ := bundle.Section(SectionEntrypoint)
	if view := entry.Content.(EntrypointView); view.Path != "/docker-entrypoint.sh" || !strings.Contains(view.Script, "exec") {
		t.Fatalf("unexpected entrypoint section %+v", view)
	}

	recent, _ := bundle.Section(SectionRecentEvents)
	if got := recent.Content.([]driver.Event); len(got) != 1 || got[0].Type != driver.EventOOM {
		t.Fatalf("expected only the recent api event, got %+v", got)
	}

	logs, _ := bundle.Section(SectionRecentLogs)
	if got := logs.Content.([]string); len(got) != 2 || got[1] != "fatal: out of memory" {
		t.Fatalf("expected last two log lines, got %v", got)
	}

	stored, err := store.Load(context.Background(), bundle.ID)
	if err != nil {
		t.Fatalf("load stored bundle: %v", err)
	}
	if stored.ID != bundle.ID || len(stored.Sections) != len(wantOrder) {
		t.Fatalf("unexpected stored bundle %+v", stored)
	}

	assertMetric(t, m, `compose_medic_diagnostic_bundles_total{result="complete"} 1`)
}

func TestCollectorMarksUnavailableSections(t *testing.T) {
	t.Parallel()

	fake := drivertest.New()
	fake.SetState("worker", drivertest.Running("unhealthy"))

	store := NewFileStore(t.TempDir(), zerolog.Nop())
	m := metrics.New()
	collector := NewCollector(zerolog.Nop(), fake, NewEventLog(0), store, WithClock(fixedClock), WithMetrics(m))

	bundle, err := collector.Collect(context.Background(), "worker", Trigger{})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if !bundle.Partial() {
		t.Fatalf("expected partial bundle")
	}

	for _, name := range []string{SectionConfiguration, SectionEntrypoint, SectionRecentLogs, SectionTrigger} {
		section, ok := bundle.Section(name)
		if !ok {
			t.Fatalf("missing section %s", name)
		}
		if !strings.HasPrefix(section.Unavailable, "unavailable: ") || section.Content != nil {
			t.Fatalf("expected %s to be unavailable, got %+v", name, section)
		}
	}
	if state, _ := bundle.Section(SectionState); state.Unavailable != "" {
		t.Fatalf("expected state section, got %+v", state)
	}
	if events, _ := bundle.Section(SectionRecentEvents); events.Unavailable != "" {
		t.Fatalf("expected empty events section, got %+v", events)
	}

	assertMetric(t, m, `compose_medic_diagnostic_bundles_total{result="partial"} 1`)
}

func TestCollectorEntrypointWithoutPath(t *testing.T) {
	t.Parallel()

	fake := drivertest.New()
	fake.SetState("cache", drivertest.Running(""))
	fake.SetMetadata("cache", driver.Metadata{Command: []string{"redis-server"}})

	collector := NewCollector(zerolog.Nop(), fake, nil, NewFileStore(t.TempDir(), zerolog.Nop()), WithClock(fixedClock))
	bundle, err := collector.Collect(context.Background(), "cache", Trigger{Source: "operator"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	entry, _ := bundle.Section(SectionEntrypoint)
	if !strings.Contains(entry.Unavailable, "not a file path") {
		t.Fatalf("unexpected entrypoint section %+v", entry)
	}
	events, _ := bundle.Section(SectionRecentEvents)
	if events.Unavailable == "" {
		t.Fatalf("expected events section unavailable without an event log")
	}
}

func TestCollectorNeverOverwrites(t *testing.T) {
	t.Parallel()

	fake := drivertest.New()
	fake.SetState("db", drivertest.Running("unhealthy"))
	store := NewFileStore(t.TempDir(), zerolog.Nop())
	collector := NewCollector(zerolog.Nop(), fake, nil, store, WithClock(fixedClock))

	first, err := collector.Collect(context.Background(), "db", Trigger{Source: "poller"})
	if err != nil {
		t.Fatalf("first collect: %v", err)
	}
	second, err := collector.Collect(context.Background(), "db", Trigger{Source: "poller"})
	if err != nil {
		t.Fatalf("second collect: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected distinct ids, got %s twice", first.ID)
	}
	if second.ID != first.ID+"-2" {
		t.Fatalf("expected collision suffix, got %s", second.ID)
	}

	entries, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 bundles, got %d", len(entries))
	}
}

func TestCollectAsyncConcurrentServices(t *testing.T) {
	t.Parallel()

	fake := drivertest.New()
	fake.SetState("api", drivertest.Running("unhealthy"))
	fake.SetState("worker", drivertest.Exited(1))
	store := NewFileStore(t.TempDir(), zerolog.Nop())
	collector := NewCollector(zerolog.Nop(), fake, NewEventLog(0), store, WithClock(fixedClock))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		for _, service := range []string{"api", "worker"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				collector.CollectAsync(ctx, service, Trigger{Source: "event-stream", At: collectedAt})
			}()
		}
	}
	wg.Wait()
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := collector.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	entries, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("expected 10 distinct bundles, got %d", len(entries))
	}
}

func TestCollectorStoreFailure(t *testing.T) {
	t.Parallel()

	fake := drivertest.New()
	fake.SetState("api", drivertest.Running("healthy"))
	m := metrics.New()
	collector := NewCollector(zerolog.Nop(), fake, nil, failingStore{}, WithMetrics(m))

	if _, err := collector.Collect(context.Background(), "api", Trigger{Source: "operator"}); err == nil {
		t.Fatalf("expected store error")
	}
	assertMetric(t, m, `compose_medic_diagnostic_bundles_total{result="error"} 1`)
}

type failingStore struct{}

func (failingStore) Save(context.Context, Bundle) (string, error) {
	return "", errors.New("disk full")
}

func assertMetric(t *testing.T, m *metrics.Metrics, want string) {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), want) {
		t.Fatalf("expected metrics to contain %q, got:\n%s", want, body)
	}
}
