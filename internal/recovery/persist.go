package recovery

import (
	"context"
	"time"

	"github.com/nholik/compose-medic/internal/state"
	"github.com/nholik/compose-medic/internal/transition"
)

// persist writes every streak to the store. Saves are serialized so a later
// snapshot never lands before an earlier one.
func (e *Engine) persist(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	doc := state.Empty()
	doc.Project = e.project
	doc.SavedAt = e.now()
	for name, streak := range e.streaks {
		doc.Streaks[name] = toRecord(*streak)
	}
	e.mu.Unlock()

	return e.store.Save(ctx, doc)
}

// checkpoint persists and logs failures; a lost write is repaired by the next one.
func (e *Engine) checkpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.persist(ctx); err != nil {
		e.logger.Error().Err(err).Msg("persist recovery state failed")
	}
}

func toRecord(s Streak) state.Streak {
	record := state.Streak{
		ID:           s.ID,
		Service:      s.Service,
		Status:       string(s.Status),
		Floor:        string(s.Floor),
		AttemptIndex: s.AttemptIndex,
		Trigger:      string(s.Trigger),
		StartedAt:    s.StartedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	for _, a := range s.Attempts {
		record.Attempts = append(record.Attempts, state.Attempt{
			Index:      a.Index,
			Action:     string(a.Action),
			StartedAt:  a.StartedAt,
			FinishedAt: a.FinishedAt,
			Outcome:    string(a.Outcome),
			Error:      a.Error,
			BundleID:   a.BundleID,
		})
	}
	return record
}

func fromRecord(r state.Streak) Streak {
	floor, err := ParseAction(r.Floor)
	if err != nil {
		floor = ActionRestartSelf
	}
	status := Status(r.Status)
	if status != StatusExhausted {
		status = StatusFailing
	}
	streak := Streak{
		ID:           r.ID,
		Service:      r.Service,
		Status:       status,
		Floor:        floor,
		AttemptIndex: r.AttemptIndex,
		Trigger:      transition.TriggerSource(r.Trigger),
		StartedAt:    r.StartedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	for _, a := range r.Attempts {
		action, err := ParseAction(a.Action)
		if err != nil {
			action = floor
		}
		streak.Attempts = append(streak.Attempts, Attempt{
			Index:      a.Index,
			Action:     action,
			StartedAt:  a.StartedAt,
			FinishedAt: a.FinishedAt,
			Outcome:    Outcome(a.Outcome),
			Error:      a.Error,
			BundleID:   a.BundleID,
		})
	}
	return streak
}
