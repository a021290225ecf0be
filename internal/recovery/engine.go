package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nholik/compose-medic/internal/driver"
	"github.com/nholik/compose-medic/internal/health"
	"github.com/nholik/compose-medic/internal/metrics"
	"github.com/nholik/compose-medic/internal/notify"
	"github.com/nholik/compose-medic/internal/poller"
	"github.com/nholik/compose-medic/internal/state"
	"github.com/nholik/compose-medic/internal/topology"
	"github.com/nholik/compose-medic/internal/transition"
)

var (
	// ErrUnknownService is returned by operator hooks for services outside the topology.
	ErrUnknownService = errors.New("unknown service")
	// ErrNoStreak is returned by Reset when the service has no streak.
	ErrNoStreak = errors.New("no recovery streak")
)

// GraphSource yields the current topology.
type GraphSource interface {
	Graph() *topology.Graph
}

// Checker re-polls services after an action. *poller.Poller implements it.
type Checker interface {
	Check(ctx context.Context, service string) (health.Snapshot, error)
	WaitUntilHealthy(ctx context.Context, service string, timeout, interval time.Duration) (poller.WaitResult, health.Snapshot, error)
}

// DiagnosticsFunc collects a bundle synchronously and returns its id.
type DiagnosticsFunc func(ctx context.Context, service, reason string) (string, error)

// Engine owns every recovery streak. Each service gets one worker goroutine,
// so a service's attempts run strictly in order while services recover
// independently of each other.
type Engine struct {
	logger    zerolog.Logger
	driver    driver.Driver
	graphs    GraphSource
	checker   Checker
	policy    Policy
	project   string
	store     state.Store
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	rebuilder Rebuilder
	collect   DiagnosticsFunc
	onReset   func(service string)
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	newID     func() string

	mu      sync.Mutex
	streaks map[string]*Streak
	workers map[string]*worker
	ctx     context.Context
	// rebuildDone is non-nil while a full rebuild runs and is closed when it ends.
	rebuildDone chan struct{}

	saveMu  sync.Mutex
	alertWG sync.WaitGroup
	wg      sync.WaitGroup
}

type worker struct {
	service string
	wake    chan struct{}
	cancel  context.CancelFunc
}

// Option customizes the engine.
type Option func(*Engine)

// WithStore persists streaks on every change.
func WithStore(store state.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithNotifier sends failure, recovered, exhausted and reset alerts.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics records attempt and streak metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRebuilder sets the image rebuild step of full-rebuild.
func WithRebuilder(r Rebuilder) Option {
	return func(e *Engine) { e.rebuilder = r }
}

// WithDiagnostics collects a bundle when a streak is exhausted.
func WithDiagnostics(fn DiagnosticsFunc) Option {
	return func(e *Engine) { e.collect = fn }
}

// WithResetHook is called after an operator reset, typically to clear the
// failure detector so the next failing observation fires immediately.
func WithResetHook(fn func(service string)) Option {
	return func(e *Engine) { e.onReset = fn }
}

// WithProject labels alerts.
func WithProject(project string) Option {
	return func(e *Engine) { e.project = project }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleeper overrides how settle, stabilization and backoff delays are waited out.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithIDGenerator overrides streak id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine constructs an engine. It does nothing until Run is called.
func NewEngine(logger zerolog.Logger, drv driver.Driver, graphs GraphSource, checker Checker, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		logger:    logger,
		driver:    drv,
		graphs:    graphs,
		checker:   checker,
		policy:    policy.WithDefaults(),
		rebuilder: NoopRebuilder{},
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepContext,
		newID:     func() string { return uuid.NewString() },
		streaks:   map[string]*Streak{},
		workers:   map[string]*worker{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the effective escalation policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Restore loads persisted streaks. Attempts left pending by a previous
// process count as failed; failing streaks resume once Run starts.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	doc, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load recovery state: %w", err)
	}
	if doc.Project != "" && e.project != "" && doc.Project != e.project {
		e.logger.Warn().Str("state_project", doc.Project).Msg("recovery state belongs to another project, ignoring it")
		return nil
	}

	graph := e.graphs.Graph()
	now := e.now()
	var exhausted []Streak
	e.mu.Lock()
	for name, record := range doc.Streaks {
		if graph != nil {
			if _, ok := graph.Descriptor(name); !ok {
				continue
			}
		}
		streak := fromRecord(record)
		for i := range streak.Attempts {
			if streak.Attempts[i].Outcome == OutcomePending {
				streak.Attempts[i].Outcome = OutcomeFailed
				streak.Attempts[i].FinishedAt = now
				streak.Attempts[i].Error = "interrupted by supervisor shutdown"
				streak.AttemptIndex = max(streak.AttemptIndex, streak.Attempts[i].Index+1)
			}
		}
		if streak.Status == StatusFailing && streak.AttemptIndex >= e.policy.MaxAttempts {
			streak.Status = StatusExhausted
			exhausted = append(exhausted, streak.clone())
		}
		e.streaks[name] = &streak
		if streak.Status == StatusFailing {
			e.wakeLocked(name)
		}
	}
	count := len(e.streaks)
	e.mu.Unlock()

	for _, streak := range exhausted {
		e.exhaustRestored(ctx, streak)
	}
	if len(exhausted) > 0 {
		e.checkpoint()
	}
	e.updateExhaustedGauge()
	e.logger.Info().Int("streaks", count).Msg("recovery state restored")
	return nil
}

// exhaustRestored reports a streak whose interrupted final attempt used up
// its budget, the same way runStreak reports a failed final attempt.
func (e *Engine) exhaustRestored(ctx context.Context, streak Streak) {
	logger := e.logger.With().Str("service", streak.Service).Str("streak_id", streak.ID).Logger()
	var bundleID string
	if e.collect != nil {
		bundle, err := e.collect(ctx, streak.Service, "recovery exhausted")
		if err != nil {
			logger.Warn().Err(err).Msg("diagnostic collection for exhausted streak failed")
		}
		bundleID = bundle
	}
	var action Action
	if n := len(streak.Attempts); n > 0 {
		action = streak.Attempts[n-1].Action
		e.update(streak.Service, streak.ID, func(s *Streak) {
			s.Attempts[len(s.Attempts)-1].BundleID = bundleID
		})
	}
	logger.Error().Int("attempts", streak.AttemptIndex).Str("bundle_id", bundleID).Msg("recovery exhausted, manual intervention required")
	e.alert(notify.Alert{
		Kind:     notify.KindExhausted,
		Service:  streak.Service,
		StreakID: streak.ID,
		Action:   string(action),
		Attempt:  streak.AttemptIndex,
		BundleID: bundleID,
		Message: fmt.Sprintf("%s is still failing after %d recovery attempts; automatic recovery stopped until the streak is reset: last attempt was interrupted by supervisor shutdown",
			streak.Service, streak.AttemptIndex),
	})
}

// Run starts the workers and blocks until ctx is canceled. On return every
// worker has stopped and the final state is persisted.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.ctx != nil {
		e.mu.Unlock()
		return errors.New("recovery engine already running")
	}
	e.ctx = ctx
	for _, w := range e.workers {
		e.startLocked(w)
	}
	for name, streak := range e.streaks {
		if streak.Status == StatusFailing {
			e.wakeLocked(name)
		}
	}
	e.mu.Unlock()

	<-ctx.Done()
	e.mu.Lock()
	e.ctx = nil
	e.mu.Unlock()
	e.wg.Wait()
	e.alertWG.Wait()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.persist(saveCtx); err != nil {
		e.logger.Error().Err(err).Msg("persist recovery state on shutdown failed")
	}
	e.mu.Lock()
	e.workers = map[string]*worker{}
	e.mu.Unlock()
	e.logger.Info().Msg("recovery engine stopped")
	return nil
}

// Submit hands a failure event to the service's worker. Events for services
// outside the watch set, for services with a streak in progress and for
// exhausted services are dropped; it never blocks.
func (e *Engine) Submit(event transition.FailureEvent) bool {
	graph := e.graphs.Graph()
	if graph == nil {
		return false
	}
	desc, ok := graph.Descriptor(event.Service)
	if !ok || desc.Ignore {
		return false
	}

	e.mu.Lock()
	if e.rebuildDone != nil {
		e.mu.Unlock()
		e.logger.Debug().Str("service", event.Service).Msg("full rebuild in progress, failure event dropped")
		return false
	}
	if existing, ok := e.streaks[event.Service]; ok {
		status := existing.Status
		e.mu.Unlock()
		e.logger.Debug().Str("service", event.Service).Str("status", string(status)).Msg("streak already open, failure event dropped")
		return false
	}
	streak := e.newStreakLocked(event.Service, ActionRestartSelf, event.TriggerSource)
	e.wakeLocked(event.Service)
	snapshot := streak.clone()
	e.mu.Unlock()

	e.logger.Warn().
		Str("service", event.Service).
		Str("streak_id", snapshot.ID).
		Str("state", string(event.CurrentState)).
		Str("trigger", string(event.TriggerSource)).
		Msg("recovery streak opened")
	e.checkpoint()
	e.alert(notify.Alert{
		Kind:     notify.KindFailure,
		Service:  event.Service,
		StreakID: snapshot.ID,
		Action:   string(ActionRestartSelf),
		Message:  failureMessage(event),
	})
	return true
}

// Force abandons the service's current streak and starts a new one whose
// first attempt runs action. It works on exhausted services too.
func (e *Engine) Force(ctx context.Context, service string, action Action) (Streak, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return Streak{}, err
	}
	if err := e.known(service); err != nil {
		return Streak{}, err
	}

	e.mu.Lock()
	if w, ok := e.workers[service]; ok && w.cancel != nil {
		w.cancel()
	}
	streak := e.newStreakLocked(service, action, transition.SourceOperator)
	e.wakeLocked(service)
	snapshot := streak.clone()
	e.mu.Unlock()

	e.logger.Warn().Str("service", service).Str("streak_id", snapshot.ID).Str("action", string(action)).Msg("recovery forced by operator")
	e.updateExhaustedGauge()
	return snapshot, e.persist(ctx)
}

// Reset clears the service's streak, stopping any attempt in flight. The
// next failure starts a new streak at restart-self.
func (e *Engine) Reset(ctx context.Context, service string) error {
	if err := e.known(service); err != nil {
		return err
	}

	e.mu.Lock()
	streak, ok := e.streaks[service]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w for %s", ErrNoStreak, service)
	}
	if w, ok := e.workers[service]; ok && w.cancel != nil {
		w.cancel()
	}
	delete(e.streaks, service)
	id := streak.ID
	e.mu.Unlock()

	if e.onReset != nil {
		e.onReset(service)
	}
	e.logger.Info().Str("service", service).Str("streak_id", id).Msg("recovery streak reset by operator")
	e.updateExhaustedGauge()
	e.alert(notify.Alert{
		Kind:     notify.KindReset,
		Service:  service,
		StreakID: id,
		Message:  fmt.Sprintf("recovery streak for %s reset by operator", service),
	})
	return e.persist(ctx)
}

// Streaks returns a copy of every open or exhausted streak sorted by service.
func (e *Engine) Streaks() []Streak {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Streak, 0, len(e.streaks))
	for _, streak := range e.streaks {
		out = append(out, streak.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Streak returns a copy of the service's streak.
func (e *Engine) Streak(service string) (Streak, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	streak, ok := e.streaks[service]
	if !ok {
		return Streak{}, false
	}
	return streak.clone(), true
}

func (e *Engine) known(service string) error {
	graph := e.graphs.Graph()
	if graph == nil {
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	if _, ok := graph.Descriptor(service); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return nil
}

func (e *Engine) newStreakLocked(service string, floor Action, trigger transition.TriggerSource) *Streak {
	now := e.now()
	streak := &Streak{
		ID:        e.newID(),
		Service:   service,
		Status:    StatusFailing,
		Floor:     floor,
		Trigger:   trigger,
		StartedAt: now,
		UpdatedAt: now,
	}
	e.streaks[service] = streak
	return streak
}

// wakeLocked makes sure the service's worker exists and will look at its streak.
func (e *Engine) wakeLocked(service string) {
	w, ok := e.workers[service]
	if !ok {
		w = &worker{service: service, wake: make(chan struct{}, 1)}
		e.workers[service] = w
		if e.ctx != nil {
			e.startLocked(w)
		}
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) startLocked(w *worker) {
	ctx := e.ctx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.work(ctx, w)
	}()
}

func (e *Engine) work(ctx context.Context, w *worker) {
	logger := e.logger.With().Str("service", w.service).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}

		e.mu.Lock()
		streak, ok := e.streaks[w.service]
		if !ok || streak.Status != StatusFailing {
			e.mu.Unlock()
			continue
		}
		id := streak.ID
		runCtx, cancel := context.WithCancel(ctx)
		w.cancel = cancel
		e.mu.Unlock()

		e.runStreak(runCtx, logger.With().Str("streak_id", id).Logger(), w.service, id)

		e.mu.Lock()
		w.cancel = nil
		e.mu.Unlock()
		cancel()
	}
}

// runStreak executes attempts until the service recovers, the streak is
// exhausted, or the streak is replaced by a reset or a forced action.
func (e *Engine) runStreak(ctx context.Context, logger zerolog.Logger, service, id string) {
	for {
		current, ok := e.current(service, id)
		if !ok || current.Status != StatusFailing {
			return
		}
		index := current.AttemptIndex
		action := current.NextAction(e.policy)

		if index > 0 || len(current.Attempts) > 0 {
			delay := e.backoffDelay(index)
			logger.Info().Int("attempt", index).Dur("backoff", delay).Msg("waiting before next recovery attempt")
			if err := e.sleep(ctx, delay); err != nil {
				return
			}
			// The service may have come back on its own, for example through
			// the runtime's restart policy.
			if e.stable(ctx, service) {
				e.close(ctx, logger, service, id, nil)
				return
			}
			if ctx.Err() != nil {
				return
			}
		}

		// A full rebuild of the stack stops this service too. Wait it out and
		// give the service a chance to come back before charging an attempt.
		waited, err := e.awaitRebuild(ctx)
		if err != nil {
			return
		}
		if waited {
			logger.Info().Msg("full rebuild finished, re-checking service")
			if e.stable(ctx, service) {
				e.close(ctx, logger, service, id, nil)
				return
			}
			if ctx.Err() != nil {
				return
			}
		}

		attempt := Attempt{Index: index, Action: action, StartedAt: e.now(), Outcome: OutcomePending}
		if !e.update(service, id, func(s *Streak) {
			s.Attempts = append(s.Attempts, attempt)
		}) {
			return
		}
		e.checkpoint()

		logger.Warn().Int("attempt", index).Str("action", string(action)).Msg("executing recovery action")
		err = e.execute(ctx, logger, service, action)
		if ctx.Err() != nil {
			// Shutdown, reset or forced action: leave the attempt pending.
			return
		}
		if errors.Is(err, errRebuildSuperseded) {
			// Another worker rebuilt the stack while this one waited.
			if !e.update(service, id, func(s *Streak) {
				s.Attempts = s.Attempts[:len(s.Attempts)-1]
			}) {
				return
			}
			logger.Info().Int("attempt", index).Msg("full rebuild superseded by a concurrent one, attempt not counted")
			if e.stable(ctx, service) {
				e.close(ctx, logger, service, id, nil)
				return
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if err == nil {
			if sleepErr := e.sleep(ctx, e.policy.Settle); sleepErr != nil {
				return
			}
			if !e.stable(ctx, service) {
				err = errors.New("service still failing after settle period")
			}
			if ctx.Err() != nil {
				return
			}
		}

		if err == nil {
			e.metrics.IncRecoveryAttempts(string(action), string(OutcomeSucceeded))
			e.close(ctx, logger, service, id, &attempt)
			return
		}

		e.metrics.IncRecoveryAttempts(string(action), string(OutcomeFailed))
		logger.Error().Err(err).Int("attempt", index).Str("action", string(action)).Msg("recovery attempt failed")

		exhausted := index+1 >= e.policy.MaxAttempts
		var bundleID string
		if exhausted && e.collect != nil {
			bundle, collectErr := e.collect(ctx, service, "recovery exhausted")
			if collectErr != nil {
				logger.Warn().Err(collectErr).Msg("diagnostic collection for exhausted streak failed")
			}
			bundleID = bundle
		}

		finished := e.now()
		if !e.update(service, id, func(s *Streak) {
			last := &s.Attempts[len(s.Attempts)-1]
			last.Outcome = OutcomeFailed
			last.FinishedAt = finished
			last.Error = err.Error()
			last.BundleID = bundleID
			s.AttemptIndex = index + 1
			if exhausted {
				s.Status = StatusExhausted
			}
		}) {
			return
		}
		e.checkpoint()

		if exhausted {
			e.updateExhaustedGauge()
			logger.Error().Int("attempts", index+1).Str("bundle_id", bundleID).Msg("recovery exhausted, manual intervention required")
			e.alert(notify.Alert{
				Kind:     notify.KindExhausted,
				Service:  service,
				StreakID: id,
				Action:   string(action),
				Attempt:  index + 1,
				BundleID: bundleID,
				Message: fmt.Sprintf("%s is still failing after %d recovery attempts; automatic recovery stopped until the streak is reset: %v",
					service, index+1, err),
			})
			return
		}
	}
}

// stable reports whether the service is recovered now and still recovered
// after the stabilization window.
func (e *Engine) stable(ctx context.Context, service string) bool {
	if _, err := e.awaitRebuild(ctx); err != nil {
		return false
	}
	if !e.recovered(ctx, service) {
		return false
	}
	if e.policy.Stabilization <= 0 {
		return true
	}
	if err := e.sleep(ctx, e.policy.Stabilization); err != nil {
		return false
	}
	return e.recovered(ctx, service)
}

func (e *Engine) recovered(ctx context.Context, service string) bool {
	snap, err := e.checker.Check(ctx, service)
	if err != nil {
		return false
	}
	desc := e.descriptor(service)
	return !snap.State.Failing(desc) && snap.State != health.StateRestarting
}

func (e *Engine) close(ctx context.Context, logger zerolog.Logger, service, id string, attempt *Attempt) {
	finished := e.now()
	var closed Streak
	e.mu.Lock()
	streak, ok := e.streaks[service]
	if !ok || streak.ID != id {
		e.mu.Unlock()
		return
	}
	if attempt != nil && len(streak.Attempts) > 0 {
		last := &streak.Attempts[len(streak.Attempts)-1]
		last.Outcome = OutcomeSucceeded
		last.FinishedAt = finished
	}
	closed = streak.clone()
	delete(e.streaks, service)
	e.mu.Unlock()

	logger.Info().Int("attempts", len(closed.Attempts)).Msg("service recovered, streak closed")
	if err := e.persist(ctx); err != nil {
		logger.Error().Err(err).Msg("persist recovery state failed")
	}
	message := fmt.Sprintf("%s recovered without intervention", service)
	var action string
	if attempt != nil {
		action = string(attempt.Action)
		message = fmt.Sprintf("%s recovered after %s (attempt %d)", service, attempt.Action, attempt.Index+1)
	}
	e.alert(notify.Alert{
		Kind:     notify.KindRecovered,
		Service:  service,
		StreakID: id,
		Action:   action,
		Attempt:  len(closed.Attempts),
		Message:  message,
	})
}

func (e *Engine) current(service, id string) (Streak, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	streak, ok := e.streaks[service]
	if !ok || streak.ID != id {
		return Streak{}, false
	}
	return streak.clone(), true
}

// update mutates the streak if it is still the one identified by id.
func (e *Engine) update(service, id string, fn func(*Streak)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	streak, ok := e.streaks[service]
	if !ok || streak.ID != id {
		return false
	}
	fn(streak)
	streak.UpdatedAt = e.now()
	return true
}

// backoffDelay grows exponentially with the attempt index and is capped at BackoffMax.
func (e *Engine) backoffDelay(index int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.policy.BackoffInitial
	b.MaxInterval = e.policy.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < index; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (e *Engine) descriptor(service string) topology.ServiceDescriptor {
	if graph := e.graphs.Graph(); graph != nil {
		if desc, ok := graph.Descriptor(service); ok {
			return desc
		}
	}
	return topology.ServiceDescriptor{Name: service}
}

func (e *Engine) alert(alert notify.Alert) {
	if e.notifier == nil {
		return
	}
	alert.Project = e.project
	if alert.At.IsZero() {
		alert.At = e.now()
	}
	e.metrics.IncAlerts(string(alert.Kind))
	e.alertWG.Add(1)
	go func() {
		defer e.alertWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := e.notifier.Notify(ctx, alert); err != nil {
			e.logger.Warn().Err(err).Str("service", alert.Service).Str("kind", string(alert.Kind)).Msg("alert delivery failed")
		}
	}()
}

// WaitAlerts blocks until alerts in flight are delivered or dropped.
func (e *Engine) WaitAlerts() {
	e.alertWG.Wait()
}

func (e *Engine) updateExhaustedGauge() {
	e.mu.Lock()
	n := 0
	for _, streak := range e.streaks {
		if streak.Status == StatusExhausted {
			n++
		}
	}
	e.mu.Unlock()
	e.metrics.SetExhaustedStreaks(n)
}

func failureMessage(event transition.FailureEvent) string {
	msg := fmt.Sprintf("%s is %s (detected by %s)", event.Service, event.CurrentState, event.TriggerSource)
	if event.ExitCode != nil {
		msg += fmt.Sprintf(", exit code %d", *event.ExitCode)
	}
	if event.Detail != "" {
		msg += ": " + event.Detail
	}
	return msg
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
