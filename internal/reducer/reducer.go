// Package reducer applies playback events to the derived dashboard state.
//
// The Reducer is the single point where events change state. It keeps
// running counters, a bounded buffer of recent user events, and the latest
// allocation snapshot. Rendering reads it through State.
package reducer

import (
	"log/slog"
	"sync"

	"github.com/EducatedBernie/Converge/internal/event"
)

// RecentCapacity bounds the recent-event buffer.
const RecentCapacity = 500

// StatusSink receives the run-status side effects of events.
// Implemented by *run.Registry.
type StatusSink interface {
	Begin() bool
	Touch()
}

// State is a point-in-time copy of the derived state.
type State struct {
	UserCount     int
	EventsApplied int
	Conversions   int
	PersonaCounts map[string]int
	Recent        []event.UserEvent
	Snapshot      []event.VariantState
}

// Reducer owns the derived state. Apply and ApplyBatch are called by the
// playback scheduler; State may be called from any goroutine.
type Reducer struct {
	mu sync.RWMutex

	status        StatusSink
	recent        *Ring[event.UserEvent]
	snapshot      []event.VariantState
	userCount     int
	eventsApplied int
	conversions   int
	personaCounts map[string]int
}

// New creates an empty reducer. status may be nil.
func New(status StatusSink) *Reducer {
	return NewWithCapacity(status, RecentCapacity)
}

// NewWithCapacity creates a reducer with a custom recent-buffer size.
func NewWithCapacity(status StatusSink, capacity int) *Reducer {
	return &Reducer{
		status:        status,
		recent:        NewRing[event.UserEvent](capacity),
		snapshot:      []event.VariantState{},
		personaCounts: make(map[string]int),
	}
}

// Apply applies one event.
func (r *Reducer) Apply(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyLocked(ev)
}

// ApplyBatch applies events in order as one update; readers never observe
// a partially applied batch.
func (r *Reducer) ApplyBatch(events []event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range events {
		r.applyLocked(ev)
	}
}

func (r *Reducer) applyLocked(ev event.Event) {
	if r.status != nil {
		r.status.Touch()
	}

	switch e := ev.(type) {
	case event.UserEvent:
		r.recent.Push(e)
		r.userCount = e.UserNumber
		r.eventsApplied++
		if e.Converted {
			r.conversions++
		}
		r.personaCounts[e.Persona]++
		r.begin()

	case event.BanditSnapshot:
		states := make([]event.VariantState, len(e.States))
		copy(states, e.States)
		r.snapshot = states
		r.userCount = e.UserNumber

	case event.SimStarted:
		r.begin()

	case event.Status, event.MatrixReady:
		// Informational; status stays where it is.

	case event.SimEnded:
		// Completion belongs to the scheduler's state machine.

	case event.Unknown:
		slog.Debug("ignoring unknown event", "type", e.Type)
	}
}

func (r *Reducer) begin() {
	if r.status != nil {
		r.status.Begin()
	}
}

// Reset clears all derived state. Called on every start.
func (r *Reducer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recent.Reset()
	r.snapshot = []event.VariantState{}
	r.userCount = 0
	r.eventsApplied = 0
	r.conversions = 0
	r.personaCounts = make(map[string]int)
}

// State returns a copy of the current derived state.
func (r *Reducer) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	personas := make(map[string]int, len(r.personaCounts))
	for k, v := range r.personaCounts {
		personas[k] = v
	}
	snapshot := make([]event.VariantState, len(r.snapshot))
	copy(snapshot, r.snapshot)

	return State{
		UserCount:     r.userCount,
		EventsApplied: r.eventsApplied,
		Conversions:   r.conversions,
		PersonaCounts: personas,
		Recent:        r.recent.Items(),
		Snapshot:      snapshot,
	}
}

// UserCount returns the latest user_number observed.
func (r *Reducer) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userCount
}

// RecentLen returns the number of buffered user events.
func (r *Reducer) RecentLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recent.Len()
}
