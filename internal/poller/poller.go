// Package poller queries the workload driver on a fixed interval and turns
// raw runtime state into health snapshots.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nholik/compose-medic/internal/driver"
	"github.com/nholik/compose-medic/internal/health"
	"github.com/nholik/compose-medic/internal/healthcheck"
	"github.com/nholik/compose-medic/internal/metrics"
	"github.com/nholik/compose-medic/internal/topology"
)

const (
	// DefaultInterval is the continuous-mode poll interval.
	DefaultInterval = 10 * time.Second
	// DefaultConcurrency bounds parallel driver queries within one cycle.
	DefaultConcurrency = 4
)

// Ticker is the minimal interface needed for driving the poll loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// GraphSource yields the current topology. *topology.Holder implements it.
type GraphSource interface {
	Graph() *topology.Graph
}

// Cycle is the outcome of one continuous-mode poll.
type Cycle struct {
	Graph     *topology.Graph
	Snapshots map[string]health.Snapshot
	StartedAt time.Time
	Duration  time.Duration
}

// Subscriber receives every successful cycle. It runs on the poll loop and
// must not block.
type Subscriber func(ctx context.Context, cycle Cycle)

// Poller produces health snapshots for the watched services.
type Poller struct {
	logger        zerolog.Logger
	driver        driver.Driver
	graphs        GraphSource
	interval      time.Duration
	concurrency   int
	tickerFactory func(time.Duration) Ticker
	now           func() time.Time
	runOnce       func(context.Context) error
	history       *health.History
	tracker       *healthcheck.Tracker
	metrics       *metrics.Metrics

	mu          sync.Mutex
	subscribers []Subscriber
}

// Option customizes poller behavior.
type Option func(*Poller)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(p *Poller) {
		p.tickerFactory = factory
	}
}

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// WithConcurrency bounds parallel driver queries per cycle.
func WithConcurrency(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithHistory sets the history that receives every snapshot.
func WithHistory(history *health.History) Option {
	return func(p *Poller) {
		p.history = history
	}
}

// WithTracker records cycle timing for the self-health endpoints.
func WithTracker(tracker *healthcheck.Tracker) Option {
	return func(p *Poller) {
		p.tracker = tracker
	}
}

// WithMetrics records poll metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) {
		p.metrics = m
	}
}

// WithRunOnce overrides the single-cycle execution step.
func WithRunOnce(runOnce func(context.Context) error) Option {
	return func(p *Poller) {
		p.runOnce = runOnce
	}
}

// New constructs a Poller. A non-positive interval falls back to DefaultInterval.
func New(logger zerolog.Logger, drv driver.Driver, graphs GraphSource, interval time.Duration, opts ...Option) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Poller{
		logger:      logger,
		driver:      drv,
		graphs:      graphs,
		interval:    interval,
		concurrency: DefaultConcurrency,
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	p.runOnce = p.defaultRunOnce

	for _, opt := range opts {
		opt(p)
	}
	if p.history == nil {
		p.history = health.NewHistory(0)
	}
	return p
}

// Interval returns the continuous-mode poll interval.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// History returns the snapshot history fed by this poller.
func (p *Poller) History() *health.History {
	return p.history
}

// Subscribe registers fn for every successful cycle.
func (p *Poller) Subscribe(fn Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, fn)
}

// Run polls immediately and then on every tick until the context is canceled.
func (p *Poller) Run(ctx context.Context) error {
	if p.interval <= 0 {
		return errors.New("poll interval must be greater than zero")
	}

	if err := p.RunOnce(ctx); err != nil {
		p.logger.Error().Err(err).Msg("initial poll cycle failed")
	}

	ticker := p.tickerFactory(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("poller stopped")
			return nil
		case <-ticker.C():
			if err := p.RunOnce(ctx); err != nil {
				p.logger.Error().Err(err).Msg("poll cycle failed")
			}
		}
	}
}

// RunOnce executes a single poll cycle.
func (p *Poller) RunOnce(ctx context.Context) error {
	return p.runOnce(ctx)
}

func (p *Poller) defaultRunOnce(ctx context.Context) error {
	graph := p.graphs.Graph()
	if graph == nil {
		return dropCycle("", errors.New("topology not loaded"))
	}

	started := p.now()
	snapshots, err := p.PollOnce(ctx, graph.Watched())
	duration := p.now().Sub(started)
	p.metrics.ObservePollDuration(duration)
	if err != nil {
		// An unreachable runtime says nothing about the services; drop the cycle.
		p.metrics.IncDriverErrors()
		p.tracker.RecordFailure(err)
		return err
	}

	p.history.Forget(graph.Names())
	for _, snap := range snapshots {
		p.history.Append(snap)
	}

	counts := make(map[string]int, len(health.States))
	for _, snap := range snapshots {
		counts[string(snap.State)]++
	}
	states := make([]string, 0, len(health.States))
	for _, state := range health.States {
		states = append(states, string(state))
	}
	p.metrics.SetServicesByState(states, counts)
	p.metrics.SetLastSuccessfulPollTimestamp(p.now())
	p.tracker.RecordCycle(duration, len(snapshots))

	summary := health.Summarize(graph, snapshots)
	event := p.logger.Debug()
	if summary.Status != health.StatusOK {
		event = p.logger.Info()
	}
	event.
		Int("services", len(snapshots)).
		Str("status", string(summary.Status)).
		Strs("failing", summary.Failing).
		Dur("duration", duration).
		Msg("poll cycle completed")

	cycle := Cycle{Graph: graph, Snapshots: snapshots, StartedAt: started, Duration: duration}
	p.mu.Lock()
	subscribers := append([]Subscriber(nil), p.subscribers...)
	p.mu.Unlock()
	for _, fn := range subscribers {
		fn(ctx, cycle)
	}
	return nil
}

// PollOnce queries every descriptor in parallel, bounded by the configured
// concurrency. A per-service query failure yields a not-deployed snapshot
// carrying the error in Detail. When the runtime itself is unreachable the
// partial map is returned together with a *CycleError.
func (p *Poller) PollOnce(ctx context.Context, descriptors []topology.ServiceDescriptor) (map[string]health.Snapshot, error) {
	var (
		mu          sync.Mutex
		snapshots   = make(map[string]health.Snapshot, len(descriptors))
		unavailable error
		culprit     string
	)

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for _, desc := range descriptors {
		g.Go(func() error {
			snap, err := p.snapshotOf(ctx, desc)
			mu.Lock()
			defer mu.Unlock()
			snapshots[desc.Name] = snap
			if err != nil && errors.Is(err, driver.ErrDriverUnavailable) && unavailable == nil {
				unavailable, culprit = err, desc.Name
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return snapshots, err
	}
	if unavailable != nil {
		return snapshots, dropCycle(culprit, unavailable)
	}
	return snapshots, nil
}

// Check polls a single service and records the snapshot in history. The
// returned error is the driver error behind a not-deployed snapshot, if any.
func (p *Poller) Check(ctx context.Context, service string) (health.Snapshot, error) {
	snap, err := p.snapshotOf(ctx, p.descriptor(service))
	if ctx.Err() == nil {
		p.history.Append(snap)
	}
	return snap, err
}

func (p *Poller) snapshotOf(ctx context.Context, desc topology.ServiceDescriptor) (health.Snapshot, error) {
	raw, err := p.driver.RawState(ctx, desc.Name)
	at := p.now()
	if err != nil {
		return health.NewSnapshot(desc.Name, health.StateNotDeployed, nil, at, err.Error()), err
	}
	detail := raw.Error
	if raw.OOMKilled && detail == "" {
		detail = "killed by the kernel OOM killer"
	}
	snap := health.NewSnapshot(desc.Name, health.Classify(desc, raw), raw.ExitCode, at, detail)
	snap.Health = raw.Health
	return snap, nil
}

func (p *Poller) descriptor(service string) topology.ServiceDescriptor {
	if p.graphs != nil {
		if graph := p.graphs.Graph(); graph != nil {
			if desc, ok := graph.Descriptor(service); ok {
				return desc
			}
		}
	}
	return topology.ServiceDescriptor{Name: service}
}
