package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for compose-medic.
// All methods are safe to call on a nil receiver.
type Metrics struct {
	registry               *prometheus.Registry
	pollDurationSeconds    prometheus.Histogram
	servicesByState        *prometheus.GaugeVec
	failureEventsTotal     *prometheus.CounterVec
	recoveryAttemptsTotal  *prometheus.CounterVec
	exhaustedStreaks       prometheus.Gauge
	bundlesTotal           *prometheus.CounterVec
	alertsTotal            *prometheus.CounterVec
	driverErrorsTotal      prometheus.Counter
	driverCircuitState     prometheus.Gauge
	lastSuccessfulPollTime prometheus.Gauge
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		pollDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "compose_medic_poll_duration_seconds",
			Help:    "Duration of poll cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		servicesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "compose_medic_services",
			Help: "Watched services by health state in the last poll cycle.",
		}, []string{"state"}),
		failureEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compose_medic_failure_events_total",
			Help: "Failure events detected by service and trigger source.",
		}, []string{"service", "source"}),
		recoveryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compose_medic_recovery_attempts_total",
			Help: "Recovery attempts by action and outcome.",
		}, []string{"action", "outcome"}),
		exhaustedStreaks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "compose_medic_exhausted_streaks",
			Help: "Services whose recovery streak is exhausted and awaiting operator reset.",
		}),
		bundlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compose_medic_diagnostic_bundles_total",
			Help: "Diagnostic bundles written by result (complete, partial, error).",
		}, []string{"result"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compose_medic_alerts_total",
			Help: "Alerts emitted by kind.",
		}, []string{"kind"}),
		driverErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compose_medic_driver_errors_total",
			Help: "Workload driver calls that failed because the runtime was unreachable.",
		}),
		driverCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "compose_medic_driver_circuit_state",
			Help: "Driver circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
		lastSuccessfulPollTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "compose_medic_last_successful_poll_timestamp",
			Help: "Unix timestamp of the last successful poll cycle.",
		}),
	}

	registry.MustRegister(
		m.pollDurationSeconds,
		m.servicesByState,
		m.failureEventsTotal,
		m.recoveryAttemptsTotal,
		m.exhaustedStreaks,
		m.bundlesTotal,
		m.alertsTotal,
		m.driverErrorsTotal,
		m.driverCircuitState,
		m.lastSuccessfulPollTime,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePollDuration records the duration of a completed poll cycle.
func (m *Metrics) ObservePollDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.pollDurationSeconds.Observe(duration.Seconds())
}

// SetServicesByState replaces the per-state service gauge. States missing
// from counts are reset to zero.
func (m *Metrics) SetServicesByState(states []string, counts map[string]int) {
	if m == nil {
		return
	}
	for _, state := range states {
		m.servicesByState.WithLabelValues(state).Set(float64(counts[state]))
	}
}

// IncFailureEvents counts one detected failure.
func (m *Metrics) IncFailureEvents(service, source string) {
	if m == nil {
		return
	}
	m.failureEventsTotal.WithLabelValues(service, source).Inc()
}

// IncRecoveryAttempts counts one finished recovery attempt.
func (m *Metrics) IncRecoveryAttempts(action, outcome string) {
	if m == nil {
		return
	}
	m.recoveryAttemptsTotal.WithLabelValues(action, outcome).Inc()
}

// SetExhaustedStreaks sets the number of exhausted streaks.
func (m *Metrics) SetExhaustedStreaks(n int) {
	if m == nil {
		return
	}
	m.exhaustedStreaks.Set(float64(n))
}

// IncBundles counts one diagnostic collection.
func (m *Metrics) IncBundles(result string) {
	if m == nil {
		return
	}
	m.bundlesTotal.WithLabelValues(result).Inc()
}

// IncAlerts counts one emitted alert.
func (m *Metrics) IncAlerts(kind string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(kind).Inc()
}

// IncDriverErrors increments the driver unavailability counter.
func (m *Metrics) IncDriverErrors() {
	if m == nil {
		return
	}
	m.driverErrorsTotal.Inc()
}

// SetDriverCircuitState records the breaker state by name.
func (m *Metrics) SetDriverCircuitState(state string) {
	if m == nil {
		return
	}
	value := 0.0
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	m.driverCircuitState.Set(value)
}

// SetLastSuccessfulPollTimestamp sets the last successful poll time.
func (m *Metrics) SetLastSuccessfulPollTimestamp(t time.Time) {
	if m == nil {
		return
	}
	m.lastSuccessfulPollTime.Set(float64(t.Unix()))
}
