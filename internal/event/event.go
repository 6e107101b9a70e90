package event

import (
	"encoding/json"
	"fmt"
)

// Kind is the value of an event's "type" discriminator.
type Kind string

const (
	KindStatus         Kind = "status"
	KindSimStarted     Kind = "sim_started"
	KindMatrixReady    Kind = "matrix_ready"
	KindUserEvent      Kind = "user_event"
	KindBanditSnapshot Kind = "bandit_snapshot"
	KindSimEnded       Kind = "sim_ended"
)

// Known reports whether k is one of the six kinds in the wire schema.
func (k Kind) Known() bool {
	switch k {
	case KindStatus, KindSimStarted, KindMatrixReady, KindUserEvent, KindBanditSnapshot, KindSimEnded:
		return true
	}
	return false
}

// Event is one decoded wire event. The interface is sealed; the concrete
// types in this package are the only implementations.
type Event interface {
	Kind() Kind
	sealed()
}

// Status is an informational progress message (e.g. "Generating conversion matrix...").
type Status struct {
	Message string `json:"message"`
}

// SimStarted marks the producer beginning to emit user events.
type SimStarted struct {
	RunID RunID `json:"run_id,omitempty"`
}

// MatrixReady reports that backend precomputation finished.
type MatrixReady struct {
	Pairs  int            `json:"pairs,omitempty"`
	Sample []MatrixSample `json:"sample,omitempty"`
}

// MatrixSample is one persona/variant probability from the precomputed matrix.
type MatrixSample struct {
	Persona   string  `json:"persona"`
	VariantID int     `json:"variant_id"`
	Prob      float64 `json:"prob"`
}

// UserEvent is one funnel-step observation for one simulated user.
type UserEvent struct {
	UserNumber int     `json:"user_number"`
	Step       int     `json:"step"`
	StepName   string  `json:"step_name,omitempty"`
	Persona    string  `json:"persona"`
	VariantID  int     `json:"variant_id,omitempty"`
	Converted  bool    `json:"converted"`
	MatchScore float64 `json:"match_score,omitempty"`
}

// BanditSnapshot carries the full allocation table after a user finished.
// It replaces the previous table; it is never a delta.
type BanditSnapshot struct {
	UserNumber int            `json:"user_number"`
	States     []VariantState `json:"states"`
}

// VariantState is one row of the allocation table.
type VariantState struct {
	VariantID   int      `json:"variant_id"`
	Exposures   int      `json:"exposures"`
	Conversions int      `json:"conversions"`
	Rate        float64  `json:"rate"`
	Alpha       *float64 `json:"alpha,omitempty"`
	Beta        *float64 `json:"beta,omitempty"`
}

// SimEnded is the terminal marker of a run.
type SimEnded struct {
	RunID      RunID `json:"run_id,omitempty"`
	TotalUsers int   `json:"total_users"`
}

// Unknown holds a well-formed frame whose type is outside the schema.
// Consumers ignore it.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Status) Kind() Kind         { return KindStatus }
func (SimStarted) Kind() Kind     { return KindSimStarted }
func (MatrixReady) Kind() Kind    { return KindMatrixReady }
func (UserEvent) Kind() Kind      { return KindUserEvent }
func (BanditSnapshot) Kind() Kind { return KindBanditSnapshot }
func (SimEnded) Kind() Kind       { return KindSimEnded }
func (u Unknown) Kind() Kind      { return Kind(u.Type) }

func (Status) sealed()         {}
func (SimStarted) sealed()     {}
func (MatrixReady) sealed()    {}
func (UserEvent) sealed()      {}
func (BanditSnapshot) sealed() {}
func (SimEnded) sealed()       {}
func (Unknown) sealed()        {}

// UserNumberOf returns the user_number carried by ev, if it has one.
func UserNumberOf(ev Event) (int, bool) {
	switch e := ev.(type) {
	case UserEvent:
		return e.UserNumber, true
	case BanditSnapshot:
		return e.UserNumber, true
	}
	return 0, false
}

// String renders a compact one-line description used in logs and traces.
func (e UserEvent) String() string {
	return fmt.Sprintf("user_event(u=%d,step=%d,persona=%s,converted=%t)", e.UserNumber, e.Step, e.Persona, e.Converted)
}

func (e BanditSnapshot) String() string {
	return fmt.Sprintf("bandit_snapshot(u=%d,variants=%d)", e.UserNumber, len(e.States))
}

func (e SimEnded) String() string {
	return fmt.Sprintf("sim_ended(total=%d)", e.TotalUsers)
}
