package harness

import (
	"time"

	"github.com/EducatedBernie/Converge/internal/event"
	"github.com/EducatedBernie/Converge/internal/reducer"
	"github.com/EducatedBernie/Converge/internal/run"
)

// Trace entry kinds.
const (
	EntryTick    = "tick"
	EntryControl = "control"
	EntrySpeed   = "speed"
)

// TraceEntry is one line of a scenario trace: a scheduler tick or a
// control action issued by a step.
type TraceEntry struct {
	Kind string        `json:"kind"`
	At   time.Duration `json:"at"`

	// Tick entries.
	Tick       int          `json:"tick,omitempty"`
	Routed     []event.Kind `json:"routed,omitempty"`
	Events     []event.Kind `json:"events,omitempty"`
	UserNumber int          `json:"user_number,omitempty"`
	Position   int          `json:"position,omitempty"`
	Final      bool         `json:"final,omitempty"`

	// Control and speed entries.
	Action string     `json:"action,omitempty"`
	Status run.Status `json:"status,omitempty"`
	Speed  float64    `json:"speed,omitempty"`
	Err    string     `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Token string       `json:"token"`
	Trace []TraceEntry `json:"trace"`

	// Errors contains assertion failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final state after the last step.
	Status     run.Status    `json:"status"`
	State      reducer.State `json:"-"`
	Violations int           `json:"violations"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEntry{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Batches returns the tick entries that applied a user batch.
func (r *Result) Batches() []TraceEntry {
	var out []TraceEntry
	for _, e := range r.Trace {
		if e.Kind == EntryTick && e.UserNumber >= 0 {
			out = append(out, e)
		}
	}
	return out
}
