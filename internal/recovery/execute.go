package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/nholik/compose-medic/internal/driver"
	"github.com/nholik/compose-medic/internal/poller"
)

// execute runs one action. Restarts are bounded by the action timeout; a
// full rebuild bounds each of its phases separately. Any driver error fails
// the attempt.
func (e *Engine) execute(ctx context.Context, logger zerolog.Logger, service string, action Action) error {
	switch action {
	case ActionRestartSelf:
		ctx, cancel := context.WithTimeout(ctx, e.policy.ActionTimeout)
		defer cancel()
		return e.driver.Restart(ctx, service)
	case ActionRestartWithDeps:
		ctx, cancel := context.WithTimeout(ctx, e.policy.ActionTimeout)
		defer cancel()
		return e.restartWithDeps(ctx, logger, service)
	case ActionFullRebuild:
		return e.fullRebuild(ctx, logger)
	}
	return fmt.Errorf("unknown recovery action %q", action)
}

// restartWithDeps restarts the service's dependencies in dependency order,
// then the service. One-off dependencies are left alone: they already ran
// to completion and rerunning them (migrations, seeders) is not a restart.
func (e *Engine) restartWithDeps(ctx context.Context, logger zerolog.Logger, service string) error {
	graph := e.graphs.Graph()
	if graph == nil {
		return errors.New("topology not loaded")
	}
	for _, dep := range graph.TransitiveDependencies(service) {
		desc, _ := graph.Descriptor(dep)
		if desc.OneOff || desc.Ignore {
			continue
		}
		logger.Info().Str("dependency", dep).Msg("restarting dependency")
		if err := e.driver.Restart(ctx, dep); err != nil {
			return fmt.Errorf("restart dependency %s: %w", dep, err)
		}
	}
	return e.driver.Restart(ctx, service)
}

// fullRebuild stops every managed service in reverse dependency order, runs
// the rebuilder, then starts the services in dependency order waiting for
// each to become healthy before starting the next. Only one rebuild runs at
// a time; other workers hold their attempts until it ends, and failure
// events for the whole stack are dropped while it runs.
func (e *Engine) fullRebuild(ctx context.Context, logger zerolog.Logger) error {
	graph := e.graphs.Graph()
	if graph == nil {
		return errors.New("topology not loaded")
	}

	if err := e.beginRebuild(ctx); err != nil {
		return err
	}
	defer e.endRebuild()

	var order []string
	for _, name := range graph.Order() {
		if desc, _ := graph.Descriptor(name); !desc.Ignore {
			order = append(order, name)
		}
	}

	logger.Warn().Strs("services", order).Msg("full rebuild: stopping stack")
	if err := e.stopAll(ctx, order); err != nil {
		return err
	}

	rebuildCtx, cancel := context.WithTimeout(ctx, e.policy.RebuildTimeout)
	err := e.rebuilder.Rebuild(rebuildCtx, order)
	cancel()
	if err != nil {
		return err
	}

	logger.Warn().Msg("full rebuild: starting stack")
	for _, name := range order {
		startCtx, cancel := context.WithTimeout(ctx, e.policy.ActionTimeout)
		err := e.driver.Start(startCtx, name)
		cancel()
		if err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		result, snap, err := e.checker.WaitUntilHealthy(ctx, name, e.policy.WaitTimeout, e.policy.WaitInterval)
		if err != nil {
			return fmt.Errorf("wait for %s: %w", name, err)
		}
		if result != poller.WaitSuccess {
			return fmt.Errorf("wait for %s: %s (last state %s)", name, result, snap.State)
		}
	}
	return nil
}

// errRebuildSuperseded reports that a concurrent full rebuild ran while this
// one waited for the gate; the attempt is re-checked instead of counted.
var errRebuildSuperseded = errors.New("full rebuild superseded by a concurrent rebuild")

// beginRebuild takes the rebuild gate. When another rebuild holds it, it
// waits for that rebuild to end and returns errRebuildSuperseded.
func (e *Engine) beginRebuild(ctx context.Context) error {
	e.mu.Lock()
	done := e.rebuildDone
	if done == nil {
		e.rebuildDone = make(chan struct{})
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return errRebuildSuperseded
	}
}

func (e *Engine) endRebuild() {
	e.mu.Lock()
	close(e.rebuildDone)
	e.rebuildDone = nil
	e.mu.Unlock()
}

// awaitRebuild blocks while a full rebuild runs and reports whether it waited.
func (e *Engine) awaitRebuild(ctx context.Context) (bool, error) {
	waited := false
	for {
		e.mu.Lock()
		done := e.rebuildDone
		e.mu.Unlock()
		if done == nil {
			return waited, nil
		}
		waited = true
		select {
		case <-ctx.Done():
			return waited, ctx.Err()
		case <-done:
		}
	}
}

func (e *Engine) stopAll(ctx context.Context, order []string) error {
	ctx, cancel := context.WithTimeout(ctx, e.policy.ActionTimeout)
	defer cancel()
	for _, name := range slices.Backward(order) {
		if err := e.driver.Stop(ctx, name); err != nil && !errors.Is(err, driver.ErrServiceNotFound) {
			return fmt.Errorf("stop %s: %w", name, err)
		}
	}
	return nil
}
