// Package supervisor wires the poller, event listener, recovery engine and
// operator API of one compose project and runs them under a suture tree.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/nholik/compose-medic/internal/config"
	"github.com/nholik/compose-medic/internal/diagnostics"
	"github.com/nholik/compose-medic/internal/driver"
	"github.com/nholik/compose-medic/internal/events"
	"github.com/nholik/compose-medic/internal/health"
	"github.com/nholik/compose-medic/internal/healthcheck"
	"github.com/nholik/compose-medic/internal/logging"
	"github.com/nholik/compose-medic/internal/metrics"
	"github.com/nholik/compose-medic/internal/notify"
	"github.com/nholik/compose-medic/internal/poller"
	"github.com/nholik/compose-medic/internal/recovery"
	"github.com/nholik/compose-medic/internal/server"
	"github.com/nholik/compose-medic/internal/state"
	"github.com/nholik/compose-medic/internal/topology"
	"github.com/nholik/compose-medic/internal/transition"
)

const (
	// DefaultRefreshInterval is how often the topology source is re-read.
	DefaultRefreshInterval = time.Minute
	// DefaultBundleRetention is how long diagnostic bundles are kept.
	DefaultBundleRetention = 7 * 24 * time.Hour

	pruneInterval        = time.Hour
	drainTimeout         = 30 * time.Second
	serviceStopTimeout   = 30 * time.Second
	treeFailureThreshold = 5
	treeFailureDecay     = 30
	treeFailureBackoff   = 15 * time.Second
)

// Query is the operator surface of a running supervisor.
type Query interface {
	server.Operator
	Summary() health.Summary
}

var _ Query = (*Supervisor)(nil)

// Supervisor owns every long-running component of one compose project.
type Supervisor struct {
	cfg    config.Config
	logger zerolog.Logger

	metrics   *metrics.Metrics
	tracker   *healthcheck.Tracker
	driver    driver.Driver
	loader    *topology.Loader
	holder    *topology.Holder
	detector  *transition.Detector
	poller    *poller.Poller
	eventLog  *diagnostics.EventLog
	bundles   *diagnostics.FileStore
	collector *diagnostics.Collector
	engine    *recovery.Engine
	listener  *events.Listener
	server    *server.Server

	refreshInterval time.Duration
	retention       time.Duration
	now             func() time.Time

	reloadMu  sync.Mutex
	accepting atomic.Bool
}

// Option customizes a Supervisor.
type Option func(*options)

type options struct {
	driver          driver.Driver
	notifier        notify.Notifier
	metrics         *metrics.Metrics
	recoveryOpts    []recovery.Option
	listenerOpts    []events.Option
	pollerOpts      []poller.Option
	refreshInterval time.Duration
	now             func() time.Time
}

// WithDriver replaces the Docker driver.
func WithDriver(drv driver.Driver) Option {
	return func(o *options) { o.driver = drv }
}

// WithNotifier replaces the notifier built from the configuration.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithMetrics sets the metrics collector. A fresh one is created otherwise.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRecoveryOptions passes extra options to the recovery engine.
func WithRecoveryOptions(opts ...recovery.Option) Option {
	return func(o *options) { o.recoveryOpts = append(o.recoveryOpts, opts...) }
}

// WithListenerOptions passes extra options to the event listener.
func WithListenerOptions(opts ...events.Option) Option {
	return func(o *options) { o.listenerOpts = append(o.listenerOpts, opts...) }
}

// WithPollerOptions passes extra options to the poller.
func WithPollerOptions(opts ...poller.Option) Option {
	return func(o *options) { o.pollerOpts = append(o.pollerOpts, opts...) }
}

// WithRefreshInterval sets how often the topology is reloaded.
func WithRefreshInterval(d time.Duration) Option {
	return func(o *options) { o.refreshInterval = d }
}

// WithClock overrides time.Now for bundle retention.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds every component. The initial topology must load; an invalid one
// is returned as a *topology.ConfigError.
func New(ctx context.Context, cfg config.Config, policy config.Policy, logger zerolog.Logger, opts ...Option) (*Supervisor, error) {
	o := options{refreshInterval: DefaultRefreshInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}

	s := &Supervisor{
		cfg:             cfg,
		logger:          logger,
		metrics:         o.metrics,
		tracker:         healthcheck.NewTracker(),
		refreshInterval: o.refreshInterval,
		retention:       policy.Diagnostics.Retention,
		now:             o.now,
	}
	if s.retention <= 0 {
		s.retention = DefaultBundleRetention
	}

	s.driver = o.driver
	if s.driver == nil {
		drv, err := NewDriver(cfg, logger.With().Str("component", "driver").Logger(), s.metrics)
		if err != nil {
			return nil, err
		}
		s.driver = drv
	}

	loader, err := NewLoader(cfg, policy, s.driver)
	if err != nil {
		return nil, err
	}
	s.loader = loader
	graph, fingerprint, _, err := loader.Load(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}
	s.holder = topology.NewHolder(graph, fingerprint)
	logger.Info().Strs("services", graph.Order()).Msg("topology loaded")

	s.detector = transition.NewDetector(policy.Detection.Debounce)
	pollerOpts := append([]poller.Option{
		poller.WithConcurrency(cfg.PollConcurrency),
		poller.WithTracker(s.tracker),
		poller.WithMetrics(s.metrics),
	}, o.pollerOpts...)
	s.poller = poller.New(logger.With().Str("component", "poller").Logger(), s.driver, s.holder, cfg.PollInterval, pollerOpts...)

	s.eventLog = diagnostics.NewEventLog(policy.Diagnostics.EventHistory)
	s.bundles = diagnostics.NewFileStore(cfg.DiagnosticsDir, logger)
	collectorOpts := []diagnostics.Option{diagnostics.WithMetrics(s.metrics)}
	if policy.Diagnostics.LogLines > 0 {
		collectorOpts = append(collectorOpts, diagnostics.WithLogLines(policy.Diagnostics.LogLines))
	}
	s.collector = diagnostics.NewCollector(logger.With().Str("component", "diagnostics").Logger(), s.driver, s.eventLog, s.bundles, collectorOpts...)

	notifier := o.notifier
	if notifier == nil {
		if notifier, err = NewNotifier(cfg, logger.With().Str("component", "notify").Logger()); err != nil {
			return nil, err
		}
	}
	rebuilder, err := NewRebuilder(cfg, logger.With().Str("component", "rebuild").Logger())
	if err != nil {
		return nil, err
	}

	engineOpts := append([]recovery.Option{
		recovery.WithStore(state.NewFileStore(cfg.StateFile, logger)),
		recovery.WithNotifier(notifier),
		recovery.WithMetrics(s.metrics),
		recovery.WithRebuilder(rebuilder),
		recovery.WithDiagnostics(s.collectForRecovery),
		recovery.WithResetHook(s.detector.Reset),
		recovery.WithProject(cfg.ProjectName),
	}, o.recoveryOpts...)
	s.engine = recovery.NewEngine(logger.With().Str("component", "recovery").Logger(), s.driver, s.holder, s.poller, RecoveryPolicy(policy.Recovery), engineOpts...)

	listenerOpts := append([]events.Option{
		events.WithCollector(s.collector),
		events.WithSink(s.submit),
		events.WithMetrics(s.metrics),
		events.WithStreamStatus(s.tracker),
		events.WithDedupWindow(policy.Detection.EventDedupWindow),
	}, o.listenerOpts...)
	s.listener = events.NewListener(logger.With().Str("component", "events").Logger(), s.driver, s.holder, s.eventLog, s.detector, listenerOpts...)

	s.poller.Subscribe(s.onCycle)

	s.server = server.New(logger.With().Str("component", "http").Logger(), server.Options{
		HTTPPort:     cfg.HTTPPort,
		MetricsPort:  cfg.MetricsPort,
		PollInterval: s.poller.Interval(),
		Tracker:      s.tracker,
		Metrics:      s.metrics,
		Operator:     s,
	})
	return s, nil
}

// Run restores persisted streaks and supervises every component until ctx
// is done. On return intake has stopped, pending collections are drained,
// the engine state is persisted and the driver is closed.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.engine.Restore(ctx); err != nil {
		return err
	}

	s.accepting.Store(true)
	stopIntake := context.AfterFunc(ctx, func() { s.accepting.Store(false) })
	defer stopIntake()

	tree := s.tree()
	s.logger.Info().
		Str("project", s.cfg.ProjectName).
		Dur("poll_interval", s.poller.Interval()).
		Msg("supervisor starting")
	err := tree.Serve(ctx)
	s.accepting.Store(false)

	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil {
		for _, svc := range report {
			s.logger.Warn().Str("service", svc.Name).Msg("component failed to stop within timeout")
		}
	}

	s.shutdown()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (s *Supervisor) tree() *suture.Supervisor {
	handler := &sutureslog.Handler{Logger: logging.NewSlogLogger(s.logger.With().Str("component", "suture").Logger())}
	spec := suture.Spec{
		FailureThreshold: treeFailureThreshold,
		FailureDecay:     treeFailureDecay,
		FailureBackoff:   treeFailureBackoff,
		Timeout:          serviceStopTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = handler.MustHook()

	root := suture.New("compose-medic", rootSpec)
	detection := suture.New("detection", spec)
	recovering := suture.New("recovery", spec)
	operator := suture.New("operator", spec)
	root.Add(detection)
	root.Add(recovering)
	root.Add(operator)

	detection.Add(newService("poller", s.poller.Run))
	detection.Add(newService("event-listener", s.listener.Run))
	detection.Add(newService("topology-refresh", s.refreshLoop))
	recovering.Add(newService("recovery-engine", s.engine.Run))
	operator.Add(s.server)
	operator.Add(newService("bundle-prune", s.pruneLoop))
	return root
}

func (s *Supervisor) shutdown() {
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.collector.Wait(drainCtx); err != nil {
		s.logger.Warn().Err(err).Msg("diagnostic collections still running at shutdown")
	}
	if err := s.driver.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("close driver failed")
	}
	s.logger.Info().Msg("supervisor stopped")
}

// onCycle routes poller snapshots through the detector to the engine.
func (s *Supervisor) onCycle(ctx context.Context, cycle poller.Cycle) {
	s.detector.Forget(cycle.Graph.Names())
	for _, event := range s.detector.ObserveAll(cycle.Graph, cycle.Snapshots, transition.SourcePoller) {
		s.metrics.IncFailureEvents(event.Service, string(event.TriggerSource))
		if !s.submit(event) {
			continue
		}
		s.collector.CollectAsync(ctx, event.Service, diagnostics.Trigger{
			Source:   string(event.TriggerSource),
			Reason:   string(event.CurrentState),
			ExitCode: event.ExitCode,
			At:       event.DetectedAt,
		})
	}
}

func (s *Supervisor) submit(event transition.FailureEvent) bool {
	if !s.accepting.Load() {
		s.logger.Debug().Str("service", event.Service).Msg("shutting down, failure event dropped")
		return false
	}
	return s.engine.Submit(event)
}

func (s *Supervisor) collectForRecovery(ctx context.Context, service, reason string) (string, error) {
	streakID := ""
	if streak, ok := s.engine.Streak(service); ok {
		streakID = streak.ID
	}
	bundle, err := s.collector.Collect(ctx, service, diagnostics.Trigger{
		Source:   "recovery",
		Reason:   reason,
		StreakID: streakID,
		At:       s.now(),
	})
	return bundle.ID, err
}

func (s *Supervisor) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Reload(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("topology refresh failed, keeping current topology")
			}
		}
	}
}

func (s *Supervisor) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		s.prune(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) prune(ctx context.Context) {
	removed, err := s.bundles.Prune(ctx, s.now().Add(-s.retention))
	if err != nil {
		s.logger.Warn().Err(err).Msg("prune diagnostic bundles failed")
		return
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Dur("retention", s.retention).Msg("pruned diagnostic bundles")
	}
}

// Graph returns the current topology.
func (s *Supervisor) Graph() *topology.Graph {
	return s.holder.Graph()
}

// Snapshots returns the latest snapshot of every polled service.
func (s *Supervisor) Snapshots() map[string]health.Snapshot {
	return s.poller.History().Current()
}

// Summary aggregates the latest snapshots over the current topology.
func (s *Supervisor) Summary() health.Summary {
	return health.Summarize(s.Graph(), s.Snapshots())
}

// Streaks lists every recovery streak.
func (s *Supervisor) Streaks() []recovery.Streak {
	return s.engine.Streaks()
}

// Streak returns the streak of service, if any.
func (s *Supervisor) Streak(service string) (recovery.Streak, bool) {
	return s.engine.Streak(service)
}

// Reset clears the recovery streak of service.
func (s *Supervisor) Reset(ctx context.Context, service string) error {
	return s.engine.Reset(ctx, service)
}

// Force starts a streak for service at the given action.
func (s *Supervisor) Force(ctx context.Context, service string, action recovery.Action) (recovery.Streak, error) {
	return s.engine.Force(ctx, service, action)
}

// Collect writes one diagnostic bundle for service on operator request.
func (s *Supervisor) Collect(ctx context.Context, service string) (diagnostics.Bundle, error) {
	if _, ok := s.Graph().Descriptor(service); !ok {
		return diagnostics.Bundle{}, fmt.Errorf("%w: %s", recovery.ErrUnknownService, service)
	}
	return s.collector.Collect(ctx, service, diagnostics.Trigger{
		Source: string(transition.SourceOperator),
		Reason: "operator request",
		At:     s.now(),
	})
}

// Bundles lists stored diagnostic bundles, newest first.
func (s *Supervisor) Bundles(ctx context.Context) ([]diagnostics.Entry, error) {
	return s.bundles.List(ctx)
}

// Bundle loads one stored diagnostic bundle.
func (s *Supervisor) Bundle(ctx context.Context, id string) (diagnostics.Bundle, error) {
	return s.bundles.Load(ctx, id)
}

// Reload re-reads the topology source. An invalid topology is rejected and
// the current one stays in effect.
func (s *Supervisor) Reload(ctx context.Context) (bool, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	graph, fingerprint, changed, err := s.loader.Load(ctx, s.holder.Fingerprint())
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	s.holder.Store(graph, fingerprint)
	s.detector.Forget(graph.Names())
	s.logger.Info().Strs("services", graph.Order()).Msg("topology changed")
	return true, nil
}
