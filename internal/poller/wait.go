package poller

import (
	"context"
	"errors"
	"time"

	"github.com/nholik/compose-medic/internal/health"
	"github.com/nholik/compose-medic/internal/topology"
)

// WaitResult is the outcome of WaitUntilHealthy.
type WaitResult string

const (
	WaitSuccess WaitResult = "success"
	WaitTimeout WaitResult = "timeout"
	WaitFailed  WaitResult = "failed"
)

// WaitUntilHealthy polls one service every interval until it is ready or the
// timeout elapses. Ready means running-healthy, running without a healthcheck,
// or exited-ok for a one-off job. At the deadline the result is failed when
// the last observation is running-unhealthy or exited-failed and timeout
// otherwise. The last snapshot is always returned.
func (p *Poller) WaitUntilHealthy(ctx context.Context, service string, timeout, interval time.Duration) (WaitResult, health.Snapshot, error) {
	if timeout <= 0 || interval <= 0 {
		return WaitTimeout, health.Snapshot{}, errors.New("wait timeout and interval must be greater than zero")
	}

	desc := p.descriptor(service)
	deadline := p.now().Add(timeout)
	ticker := p.tickerFactory(interval)
	defer ticker.Stop()

	var last health.Snapshot
	for {
		snap, _ := p.snapshotOf(ctx, desc)
		if err := ctx.Err(); err != nil {
			return WaitTimeout, last, err
		}
		last = snap
		p.history.Append(snap)

		if ready(desc, snap) {
			p.logger.Debug().Str("service", service).Str("state", string(snap.State)).Msg("service ready")
			return WaitSuccess, snap, nil
		}
		if !p.now().Before(deadline) {
			if snap.State == health.StateRunningUnhealthy || snap.State == health.StateExitedFailed {
				return WaitFailed, snap, nil
			}
			return WaitTimeout, snap, nil
		}

		select {
		case <-ctx.Done():
			return WaitTimeout, last, ctx.Err()
		case <-ticker.C():
		}
	}
}

func ready(desc topology.ServiceDescriptor, snap health.Snapshot) bool {
	switch snap.State {
	case health.StateRunningHealthy:
		return true
	case health.StateExitedOK:
		return desc.OneOff
	case health.StateRunningUnknown:
		return snap.Health == ""
	}
	return false
}
