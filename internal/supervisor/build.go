package supervisor

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/compose-medic/internal/config"
	"github.com/nholik/compose-medic/internal/driver"
	"github.com/nholik/compose-medic/internal/metrics"
	"github.com/nholik/compose-medic/internal/notify"
	"github.com/nholik/compose-medic/internal/recovery"
	"github.com/nholik/compose-medic/internal/topology"
)

// NewDriver connects to the Docker daemon described by cfg. Every call goes
// through a circuit breaker whose state is exported as a metric.
func NewDriver(cfg config.Config, logger zerolog.Logger, m *metrics.Metrics) (driver.Driver, error) {
	opts := []driver.DockerOption{
		driver.WithTimeout(cfg.DockerTimeout),
		driver.WithTLS(cfg.DockerTLSCA, cfg.DockerTLSCert, cfg.DockerTLSKey),
		driver.WithLogger(logger),
	}
	if cfg.DockerHost != "" {
		opts = append(opts, driver.WithHost(cfg.DockerHost))
	}
	docker, err := driver.NewDockerDriver(cfg.ProjectName, opts...)
	if err != nil {
		return nil, fmt.Errorf("docker driver: %w", err)
	}
	return driver.NewBreaker(docker, driver.BreakerSettings{OnStateChange: m.SetDriverCircuitState}, logger), nil
}

// NewLoader selects the topology source: a compose file, a compose URL, or
// the labels of the project's containers when neither is configured.
func NewLoader(cfg config.Config, policy config.Policy, lister topology.ServiceLister) (*topology.Loader, error) {
	var source topology.Source
	switch {
	case cfg.ComposeFile != "":
		fileSource, err := topology.NewFileSource(cfg.ComposeFile)
		if err != nil {
			return nil, err
		}
		source = fileSource
	case cfg.ComposeURL != "":
		httpSource, err := topology.NewHTTPSource(cfg.ComposeURL, cfg.ComposeTimeout, 0)
		if err != nil {
			return nil, err
		}
		source = httpSource
	}
	return topology.NewLoader(source, lister, cfg.ProjectName, policy.Overrides())
}

// NewNotifier fans alerts out to every configured channel. Without any
// channel alerts are only logged.
func NewNotifier(cfg config.Config, logger zerolog.Logger) (notify.Notifier, error) {
	var notifiers []notify.Notifier
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(logger, cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(logger, cfg.WebhookURL, cfg.WebhookTemplate)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, webhook)
	}

	var n notify.Notifier
	switch len(notifiers) {
	case 0:
		n = notify.NewNoop(logger, "no alert channel configured")
	case 1:
		n = notifiers[0]
	default:
		n = notify.NewMultiNotifier(notifiers...)
	}
	if cfg.DryRun {
		n = notify.NewDryRunNotifier(logger, n)
	}
	if s, ok := n.(fmt.Stringer); ok {
		logger.Info().Str("alert_channels", s.String()).Msg("alerting configured")
	}
	return n, nil
}

// NewRebuilder returns the full-rebuild image step. The command runs in the
// directory of the compose file when there is one.
func NewRebuilder(cfg config.Config, logger zerolog.Logger) (recovery.Rebuilder, error) {
	if cfg.RebuildCommand == "" {
		return recovery.NoopRebuilder{}, nil
	}
	dir := ""
	if cfg.ComposeFile != "" {
		dir = filepath.Dir(cfg.ComposeFile)
	}
	return recovery.NewCommandRebuilder(logger, cfg.RebuildCommand, dir)
}

// RecoveryPolicy maps the policy file onto engine tuning. Fields left unset
// keep the engine defaults.
func RecoveryPolicy(p config.RecoveryPolicy) recovery.Policy {
	policy := recovery.DefaultPolicy()
	setInt(&policy.MaxAttempts, p.MaxAttempts)
	setInt(&policy.AttemptsPerAction, p.AttemptsPerAction)
	setDuration(&policy.Settle, p.Settle)
	setDuration(&policy.Stabilization, p.Stabilization)
	setDuration(&policy.BackoffInitial, p.BackoffInitial)
	setDuration(&policy.BackoffMax, p.BackoffMax)
	setDuration(&policy.ActionTimeout, p.ActionTimeout)
	setDuration(&policy.RebuildTimeout, p.RebuildTimeout)
	setDuration(&policy.WaitTimeout, p.WaitTimeout)
	setDuration(&policy.WaitInterval, p.WaitInterval)
	return policy.WithDefaults()
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
