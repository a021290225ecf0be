package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nholik/compose-medic/internal/topology"
)

// RecoveryPolicy tunes escalation. Zero values keep the built-in defaults.
type RecoveryPolicy struct {
	MaxAttempts       int           `yaml:"max_attempts,omitempty"`
	AttemptsPerAction int           `yaml:"attempts_per_action,omitempty"`
	Settle            time.Duration `yaml:"settle,omitempty"`
	Stabilization     time.Duration `yaml:"stabilization,omitempty"`
	BackoffInitial    time.Duration `yaml:"backoff_initial,omitempty"`
	BackoffMax        time.Duration `yaml:"backoff_max,omitempty"`
	ActionTimeout     time.Duration `yaml:"action_timeout,omitempty"`
	RebuildTimeout    time.Duration `yaml:"rebuild_timeout,omitempty"`
	WaitTimeout       time.Duration `yaml:"wait_timeout,omitempty"`
	WaitInterval      time.Duration `yaml:"wait_interval,omitempty"`
}

// DetectionPolicy tunes failure detection.
type DetectionPolicy struct {
	Debounce         time.Duration `yaml:"debounce,omitempty"`
	EventDedupWindow time.Duration `yaml:"event_dedup_window,omitempty"`
}

// DiagnosticsPolicy tunes bundle collection and retention.
type DiagnosticsPolicy struct {
	LogLines     int           `yaml:"log_lines,omitempty"`
	EventHistory int           `yaml:"event_history,omitempty"`
	Retention    time.Duration `yaml:"retention,omitempty"`
}

// ServiceOverride adjusts one service's descriptor.
type ServiceOverride struct {
	Name   string `yaml:"name"`
	OneOff *bool  `yaml:"one_off,omitempty"`
	Ignore bool   `yaml:"ignore,omitempty"`
}

// Policy is the parsed YAML policy file:
//
//	recovery: {max_attempts, attempts_per_action, settle, ...}
//	detection: {debounce, event_dedup_window}
//	diagnostics: {log_lines, event_history, retention}
//	services: [{name, one_off, ignore}]
type Policy struct {
	Recovery    RecoveryPolicy    `yaml:"recovery"`
	Detection   DetectionPolicy   `yaml:"detection"`
	Diagnostics DiagnosticsPolicy `yaml:"diagnostics"`
	Services    []ServiceOverride `yaml:"services"`
}

// LoadPolicyFile parses a YAML policy file from the given path.
// Returns an empty policy if path is empty.
func LoadPolicyFile(path string) (Policy, error) {
	if path == "" {
		return Policy{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}

	var policy Policy
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&policy); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}

	if err := policy.validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Overrides returns the per-service overrides keyed by service name.
// Names are checked against the topology when it is loaded.
func (p Policy) Overrides() map[string]topology.Override {
	if len(p.Services) == 0 {
		return nil
	}
	overrides := make(map[string]topology.Override, len(p.Services))
	for _, s := range p.Services {
		overrides[s.Name] = topology.Override{OneOff: s.OneOff, Ignore: s.Ignore}
	}
	return overrides
}

func (p Policy) validate() error {
	r := p.Recovery
	if r.MaxAttempts < 0 {
		return errors.New("recovery.max_attempts cannot be negative")
	}
	if r.AttemptsPerAction < 0 {
		return errors.New("recovery.attempts_per_action cannot be negative")
	}
	durations := map[string]time.Duration{
		"recovery.settle":              r.Settle,
		"recovery.stabilization":       r.Stabilization,
		"recovery.backoff_initial":     r.BackoffInitial,
		"recovery.backoff_max":         r.BackoffMax,
		"recovery.action_timeout":      r.ActionTimeout,
		"recovery.rebuild_timeout":     r.RebuildTimeout,
		"recovery.wait_timeout":        r.WaitTimeout,
		"recovery.wait_interval":       r.WaitInterval,
		"detection.debounce":           p.Detection.Debounce,
		"detection.event_dedup_window": p.Detection.EventDedupWindow,
		"diagnostics.retention":        p.Diagnostics.Retention,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	if r.BackoffInitial > 0 && r.BackoffMax > 0 && r.BackoffMax < r.BackoffInitial {
		return errors.New("recovery.backoff_max must not be smaller than recovery.backoff_initial")
	}
	if p.Diagnostics.LogLines < 0 || p.Diagnostics.EventHistory < 0 {
		return errors.New("diagnostics.log_lines and diagnostics.event_history cannot be negative")
	}

	seen := make(map[string]bool, len(p.Services))
	for i, s := range p.Services {
		if s.Name == "" {
			return fmt.Errorf("service override %d: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("service override %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
