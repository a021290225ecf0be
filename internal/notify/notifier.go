// Package notify delivers recovery alerts to external systems.
package notify

import (
	"context"
	"time"
)

// Kind classifies an alert.
type Kind string

const (
	KindFailure   Kind = "failure"
	KindRecovered Kind = "recovered"
	KindExhausted Kind = "exhausted"
	KindReset     Kind = "reset"
)

// Alert is one notable recovery event for one service.
type Alert struct {
	Kind     Kind      `json:"kind"`
	Project  string    `json:"project,omitempty"`
	Service  string    `json:"service"`
	StreakID string    `json:"streak_id,omitempty"`
	Action   string    `json:"action,omitempty"`
	Attempt  int       `json:"attempt"`
	Message  string    `json:"message"`
	BundleID string    `json:"bundle_id,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

func projectKey(alert Alert) string {
	if alert.Project == "" {
		return "default"
	}
	return alert.Project
}
