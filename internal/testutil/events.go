package testutil

import "github.com/EducatedBernie/Converge/internal/event"

// User builds a user_event for tests.
func User(n, step int, persona string, converted bool) event.UserEvent {
	return event.UserEvent{UserNumber: n, Step: step, Persona: persona, Converted: converted}
}

// Snapshot builds a bandit_snapshot with one row per variant id, each
// exposed once per user so far.
func Snapshot(n int, variantIDs ...int) event.BanditSnapshot {
	states := make([]event.VariantState, 0, len(variantIDs))
	for _, id := range variantIDs {
		states = append(states, event.VariantState{VariantID: id, Exposures: n})
	}
	return event.BanditSnapshot{UserNumber: n, States: states}
}

// Users returns a complete well-formed stream for total users: a status
// line, sim_started, then per user a step-1 event and a snapshot, then
// sim_ended.
func Users(total int) []event.Event {
	events := []event.Event{
		event.Status{Message: "Generating conversion matrix..."},
		event.SimStarted{RunID: "1"},
	}
	for n := 1; n <= total; n++ {
		events = append(events, User(n, 1, "casual", n%2 == 0), Snapshot(n, 1, 2))
	}
	return append(events, event.SimEnded{RunID: "1", TotalUsers: total})
}
