// Package recovery runs the per-service escalation state machine that
// restarts failing services, escalating to their dependencies and finally
// to a full rebuild of the stack.
package recovery

import (
	"fmt"
	"strings"
	"time"

	"github.com/nholik/compose-medic/internal/transition"
)

// Action is one recovery step. Actions are ordered by aggressiveness.
type Action string

const (
	ActionRestartSelf     Action = "restart-self"
	ActionRestartWithDeps Action = "restart-with-deps"
	ActionFullRebuild     Action = "full-rebuild"
)

var actionLadder = []Action{ActionRestartSelf, ActionRestartWithDeps, ActionFullRebuild}

// ParseAction validates an action name.
func ParseAction(value string) (Action, error) {
	for _, action := range actionLadder {
		if strings.EqualFold(strings.TrimSpace(value), string(action)) {
			return action, nil
		}
	}
	return "", fmt.Errorf("unknown recovery action %q", value)
}

// Escalate returns the next more aggressive action; full-rebuild is the ceiling.
func (a Action) Escalate() Action {
	return levelAction(a.level() + 1)
}

func (a Action) level() int {
	for i, action := range actionLadder {
		if action == a {
			return i
		}
	}
	return 0
}

func levelAction(level int) Action {
	if level >= len(actionLadder) {
		return actionLadder[len(actionLadder)-1]
	}
	return actionLadder[max(level, 0)]
}

// Outcome is the result of one attempt.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Status is the state of a streak. A service without a streak is healthy.
type Status string

const (
	StatusFailing   Status = "failing"
	StatusExhausted Status = "exhausted"
)

// Attempt records one executed recovery step.
type Attempt struct {
	Index      int       `json:"index"`
	Action     Action    `json:"action"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	BundleID   string    `json:"bundle_id,omitempty"`
}

// Streak groups the attempts of one continuous failure episode of one service.
type Streak struct {
	ID      string `json:"id"`
	Service string `json:"service"`
	Status  Status `json:"status"`
	// Floor is the action the streak started from; forced streaks may start above restart-self.
	Floor Action `json:"floor"`
	// AttemptIndex is the index of the next attempt.
	AttemptIndex int                      `json:"attempt_index"`
	Trigger      transition.TriggerSource `json:"trigger,omitempty"`
	StartedAt    time.Time                `json:"started_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
	Attempts     []Attempt                `json:"attempts"`
}

// NextAction returns the action the next attempt will execute.
func (s Streak) NextAction(policy Policy) Action {
	return policy.ActionFor(s.Floor, s.AttemptIndex)
}

func (s Streak) clone() Streak {
	s.Attempts = append([]Attempt(nil), s.Attempts...)
	return s
}

// Policy tunes escalation.
type Policy struct {
	// MaxAttempts caps the attempts of one streak before it is exhausted.
	MaxAttempts int
	// AttemptsPerAction is how many times each action is tried before escalating.
	AttemptsPerAction int
	// Settle is the wait between executing an action and re-polling.
	Settle time.Duration
	// Stabilization is how long a recovered service must stay healthy before the streak closes.
	Stabilization time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// ActionTimeout bounds one action, including every driver call it makes.
	ActionTimeout time.Duration
	// RebuildTimeout bounds the rebuild command of a full rebuild.
	RebuildTimeout time.Duration
	// WaitTimeout and WaitInterval drive the per-service health wait of a full rebuild.
	WaitTimeout  time.Duration
	WaitInterval time.Duration
}

// DefaultPolicy returns the built-in escalation tuning.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       6,
		AttemptsPerAction: 2,
		Settle:            10 * time.Second,
		Stabilization:     30 * time.Second,
		BackoffInitial:    5 * time.Second,
		BackoffMax:        2 * time.Minute,
		ActionTimeout:     2 * time.Minute,
		RebuildTimeout:    15 * time.Minute,
		WaitTimeout:       2 * time.Minute,
		WaitInterval:      2 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.AttemptsPerAction <= 0 {
		p.AttemptsPerAction = d.AttemptsPerAction
	}
	if p.Settle < 0 {
		p.Settle = 0
	}
	if p.Stabilization < 0 {
		p.Stabilization = 0
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = d.BackoffInitial
	}
	if p.BackoffMax < p.BackoffInitial {
		p.BackoffMax = max(d.BackoffMax, p.BackoffInitial)
	}
	if p.ActionTimeout <= 0 {
		p.ActionTimeout = d.ActionTimeout
	}
	if p.RebuildTimeout <= 0 {
		p.RebuildTimeout = d.RebuildTimeout
	}
	if p.WaitTimeout <= 0 {
		p.WaitTimeout = d.WaitTimeout
	}
	if p.WaitInterval <= 0 {
		p.WaitInterval = d.WaitInterval
	}
	return p
}

// ActionFor returns the action of attempt index for a streak starting at floor.
// The result never decreases as index grows.
func (p Policy) ActionFor(floor Action, index int) Action {
	per := max(p.AttemptsPerAction, 1)
	return levelAction(floor.level() + index/per)
}
