// Package diagnostics collects immutable evidence bundles for failing services.
package diagnostics

import (
	"fmt"
	"time"
)

// Section names, in the order they appear in a bundle.
const (
	SectionState         = "state"
	SectionConfiguration = "configuration"
	SectionEntrypoint    = "entrypoint"
	SectionRecentEvents  = "recent-events"
	SectionRecentLogs    = "recent-logs"
	SectionTrigger       = "trigger"
)

// Trigger describes what caused a collection.
type Trigger struct {
	Source   string    `json:"source"`
	Reason   string    `json:"reason,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	StreakID string    `json:"streak_id,omitempty"`
	At       time.Time `json:"at"`
}

// IsZero reports whether no trigger context was supplied.
func (t Trigger) IsZero() bool {
	return t.Source == "" && t.Reason == "" && t.At.IsZero()
}

// Section is one piece of evidence. Exactly one of Content and Unavailable is set.
type Section struct {
	Name        string `json:"name"`
	Content     any    `json:"content,omitempty"`
	Unavailable string `json:"unavailable,omitempty"`
}

// Bundle is one diagnostic artifact. Bundles are written once and never modified.
type Bundle struct {
	ID          string    `json:"id"`
	Service     string    `json:"service"`
	CollectedAt time.Time `json:"collected_at"`
	Trigger     Trigger   `json:"trigger"`
	Sections    []Section `json:"sections"`
}

// Section returns the named section.
func (b Bundle) Section(name string) (Section, bool) {
	for _, s := range b.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// Partial reports whether any section is marked unavailable.
func (b Bundle) Partial() bool {
	for _, s := range b.Sections {
		if s.Unavailable != "" {
			return true
		}
	}
	return false
}

// SectionError is a failure to gather one section. It is recorded in the
// bundle as an unavailable marker and never aborts collection.
type SectionError struct {
	Section string
	Err     error
}

func (e *SectionError) Error() string {
	return fmt.Sprintf("section %s: %v", e.Section, e.Err)
}

func (e *SectionError) Unwrap() error {
	return e.Err
}

func unavailableSection(err *SectionError) Section {
	return Section{Name: err.Section, Unavailable: "unavailable: " + err.Err.Error()}
}
