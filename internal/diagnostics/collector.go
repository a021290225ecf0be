package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/compose-medic/internal/driver"
	"github.com/nholik/compose-medic/internal/metrics"
)

const (
	// DefaultLogLines is the number of log lines captured per bundle.
	DefaultLogLines = 200
	// DefaultEventWindow is how far back the recent-events section looks.
	DefaultEventWindow = 60 * time.Second
	// DefaultCollectTimeout bounds one asynchronous collection.
	DefaultCollectTimeout = 30 * time.Second

	maxEntrypointBytes = 64 << 10
	redacted           = "<redacted>"
)

var secretEnvMarkers = []string{"PASSWORD", "PASSWD", "SECRET", "TOKEN", "API_KEY", "PRIVATE_KEY", "CREDENTIAL"}

// StateView is the content of the state section.
type StateView struct {
	Status       string    `json:"status"`
	Health       string    `json:"health,omitempty"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
	RestartCount int       `json:"restart_count"`
	OOMKilled    bool      `json:"oom_killed"`
	Error        string    `json:"error,omitempty"`
}

// EntrypointView is the content of the entrypoint section.
type EntrypointView struct {
	Path      string `json:"path"`
	Script    string `json:"script"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Option configures a Collector.
type Option func(*Collector)

// WithMetrics counts written bundles by result.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Collector) {
		c.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogLines sets the number of captured log lines.
func WithLogLines(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.logLines = n
		}
	}
}

// WithEventWindow sets how far back the recent-events section looks.
func WithEventWindow(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.eventWindow = d
		}
	}
}

// WithCollectTimeout bounds asynchronous collections.
func WithCollectTimeout(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.collectTimeout = d
		}
	}
}

// Collector gathers bundles from the driver and the event log. Every call
// produces a distinct bundle; it is safe for concurrent use.
type Collector struct {
	logger zerolog.Logger
	drv    driver.Driver
	events *EventLog
	store  Store

	metrics        *metrics.Metrics
	now            func() time.Time
	logLines       int
	eventWindow    time.Duration
	collectTimeout time.Duration

	wg sync.WaitGroup
}

// NewCollector wires a collector to its driver, event history and store.
func NewCollector(logger zerolog.Logger, drv driver.Driver, events *EventLog, store Store, opts ...Option) *Collector {
	c := &Collector{
		logger:         logger,
		drv:            drv,
		events:         events,
		store:          store,
		now:            func() time.Time { return time.Now().UTC() },
		logLines:       DefaultLogLines,
		eventWindow:    DefaultEventWindow,
		collectTimeout: DefaultCollectTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect gathers and stores one bundle for service. Section failures are
// recorded inside the bundle; only a failure to store the bundle is returned.
func (c *Collector) Collect(ctx context.Context, service string, trigger Trigger) (Bundle, error) {
	collectedAt := c.now()
	bundle := Bundle{
		Service:     service,
		CollectedAt: collectedAt,
		Trigger:     trigger,
	}

	meta, metaErr := c.drv.Inspect(ctx, service)
	sections := []func() (Section, *SectionError){
		func() (Section, *SectionError) { return c.stateSection(ctx, service) },
		func() (Section, *SectionError) { return configurationSection(meta, metaErr) },
		func() (Section, *SectionError) { return c.entrypointSection(ctx, service, meta, metaErr) },
		func() (Section, *SectionError) { return c.eventsSection(service, collectedAt) },
		func() (Section, *SectionError) { return c.logsSection(ctx, service) },
		func() (Section, *SectionError) { return triggerSection(trigger) },
	}
	for _, build := range sections {
		section, sectionErr := build()
		if sectionErr != nil {
			c.logger.Debug().Str("service", service).Err(sectionErr).Msg("diagnostic section unavailable")
			section = unavailableSection(sectionErr)
		}
		bundle.Sections = append(bundle.Sections, section)
	}

	id, err := c.store.Save(ctx, bundle)
	if err != nil {
		c.metrics.IncBundles("error")
		return Bundle{}, fmt.Errorf("store bundle for %s: %w", service, err)
	}
	bundle.ID = id
	if bundle.Partial() {
		c.metrics.IncBundles("partial")
	} else {
		c.metrics.IncBundles("complete")
	}
	return bundle, nil
}

// CollectAsync runs Collect in the background. The collection outlives
// ctx's cancellation, bounded by the collect timeout, so that Wait can drain
// it during shutdown.
func (c *Collector) CollectAsync(ctx context.Context, service string, trigger Trigger) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		collectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.collectTimeout)
		defer cancel()
		if _, err := c.Collect(collectCtx, service, trigger); err != nil {
			c.logger.Error().Str("service", service).Err(err).Msg("diagnostic collection failed")
		}
	}()
}

// Wait blocks until in-flight asynchronous collections finish or ctx is done.
func (c *Collector) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Collector) stateSection(ctx context.Context, service string) (Section, *SectionError) {
	raw, err := c.drv.RawState(ctx, service)
	if err != nil {
		return Section{}, &SectionError{Section: SectionState, Err: err}
	}
	return Section{Name: SectionState, Content: StateView{
		Status:       raw.Status,
		Health:       raw.Health,
		ExitCode:     raw.ExitCode,
		StartedAt:    raw.StartedAt,
		FinishedAt:   raw.FinishedAt,
		RestartCount: raw.RestartCount,
		OOMKilled:    raw.OOMKilled,
		Error:        raw.Error,
	}}, nil
}

func configurationSection(meta driver.Metadata, metaErr error) (Section, *SectionError) {
	if metaErr != nil {
		return Section{}, &SectionError{Section: SectionConfiguration, Err: metaErr}
	}
	meta.Env = redactEnv(meta.Env)
	return Section{Name: SectionConfiguration, Content: meta}, nil
}

func (c *Collector) entrypointSection(ctx context.Context, service string, meta driver.Metadata, metaErr error) (Section, *SectionError) {
	if metaErr != nil {
		return Section{}, &SectionError{Section: SectionEntrypoint, Err: fmt.Errorf("inspect failed: %w", metaErr)}
	}
	path := meta.EntrypointPath()
	if path == "" {
		return Section{}, &SectionError{Section: SectionEntrypoint, Err: errors.New("no entrypoint declared")}
	}
	if !strings.HasPrefix(path, "/") {
		return Section{}, &SectionError{Section: SectionEntrypoint, Err: fmt.Errorf("entrypoint %q is not a file path", path)}
	}
	content, err := c.drv.ReadFile(ctx, service, path)
	if err != nil {
		return Section{}, &SectionError{Section: SectionEntrypoint, Err: err}
	}
	view := EntrypointView{Path: path}
	if len(content) > maxEntrypointBytes {
		content = content[:maxEntrypointBytes]
		view.Truncated = true
	}
	view.Script = string(content)
	return Section{Name: SectionEntrypoint, Content: view}, nil
}

func (c *Collector) eventsSection(service string, at time.Time) (Section, *SectionError) {
	if c.events == nil {
		return Section{}, &SectionError{Section: SectionRecentEvents, Err: errors.New("event history disabled")}
	}
	events := c.events.Since(service, at.Add(-c.eventWindow))
	if events == nil {
		events = []driver.Event{}
	}
	return Section{Name: SectionRecentEvents, Content: events}, nil
}

func (c *Collector) logsSection(ctx context.Context, service string) (Section, *SectionError) {
	lines := make([]string, 0, c.logLines)
	for line, err := range c.drv.TailLogs(ctx, service, c.logLines) {
		if err != nil {
			return Section{}, &SectionError{Section: SectionRecentLogs, Err: err}
		}
		lines = append(lines, line)
	}
	return Section{Name: SectionRecentLogs, Content: lines}, nil
}

func triggerSection(trigger Trigger) (Section, *SectionError) {
	if trigger.IsZero() {
		return Section{}, &SectionError{Section: SectionTrigger, Err: errors.New("no trigger context")}
	}
	return Section{Name: SectionTrigger, Content: trigger}, nil
}

func redactEnv(env []string) []string {
	if env == nil {
		return nil
	}
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, found := strings.Cut(kv, "=")
		if found && secretKey(key) {
			out = append(out, key+"="+redacted)
			continue
		}
		out = append(out, kv)
	}
	return out
}

func secretKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range secretEnvMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
