// Package state persists recovery streaks across supervisor restarts.
package state

import (
	"context"
	"sync"
	"time"
)

// Version is the document format written by this build.
const Version = 1

// Attempt is the persisted form of one recovery attempt.
type Attempt struct {
	Index      int       `json:"index"`
	Action     string    `json:"action"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	BundleID   string    `json:"bundle_id,omitempty"`
}

// Streak is the persisted form of one service's recovery streak.
type Streak struct {
	ID           string    `json:"id"`
	Service      string    `json:"service"`
	Status       string    `json:"status"`
	Floor        string    `json:"floor,omitempty"`
	AttemptIndex int       `json:"attempt_index"`
	Trigger      string    `json:"trigger,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Attempts     []Attempt `json:"attempts,omitempty"`
}

// State is the whole persisted document.
type State struct {
	Version int               `json:"version"`
	Project string            `json:"project,omitempty"`
	Streaks map[string]Streak `json:"streaks"`
	SavedAt time.Time         `json:"saved_at"`
}

// Empty returns a fresh document.
func Empty() State {
	return State{Version: Version, Streaks: map[string]Streak{}}
}

// Store defines the interface for persisting state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// MemoryStore keeps state in memory and never touches disk. Tests use it in
// place of FileStore.
type MemoryStore struct {
	mu    sync.Mutex
	state State
	saves int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: Empty()}
}

func (m *MemoryStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.state), nil
}

func (m *MemoryStore) Save(ctx context.Context, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = clone(state)
	m.saves++
	return nil
}

// Saves reports how many times Save succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func clone(s State) State {
	out := s
	out.Streaks = make(map[string]Streak, len(s.Streaks))
	for name, streak := range s.Streaks {
		streak.Attempts = append([]Attempt(nil), streak.Attempts...)
		out.Streaks[name] = streak
	}
	return out
}
