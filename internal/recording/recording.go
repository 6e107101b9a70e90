// Package recording loads pre-captured event logs for replay.
//
// A recording is one JSON document per scenario: static metadata plus the
// ordered event array exactly as the live stream emitted it. Loader fetches
// documents from a Source, validates and decodes them, and caches the most
// recent one process-wide. Concurrent loads of the same scenario share one
// fetch.
package recording

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/EducatedBernie/Converge/internal/event"
)

// Recording is an immutable, finite, ordered event log plus metadata.
// Values returned by Loader are shared between callers and must not be modified.
type Recording struct {
	RecordedAt    time.Time
	Scenario      string
	Label         string
	PopulationMix map[string]float64
	TotalUsers    int
	Variants      []Variant
	Personas      []Persona
	Events        []event.Event
	// Frames optionally holds each event's payload as it was received,
	// index for index with Events. When present Write emits these verbatim.
	Frames []json.RawMessage
}

// Variant is one candidate treatment as served by /api/data/variants.
type Variant struct {
	ID         int             `json:"id"`
	StepID     int             `json:"step_id"`
	Generation int             `json:"generation"`
	Content    json.RawMessage `json:"content,omitempty"`
	Features   json.RawMessage `json:"features,omitempty"`
	IsActive   bool            `json:"is_active"`
}

// Persona is one simulated user archetype as served by /api/data/personas.
type Persona struct {
	ID          int             `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
}

// document is the recorded-file wire shape.
type document struct {
	RecordedAt    string             `json:"recorded_at,omitempty"`
	Scenario      string             `json:"scenario,omitempty"`
	Label         string             `json:"label,omitempty"`
	PopulationMix map[string]float64 `json:"population_mix,omitempty"`
	TotalUsers    int                `json:"total_users"`
	Variants      []Variant          `json:"variants"`
	Personas      []Persona          `json:"personas"`
	Events        []json.RawMessage  `json:"events"`
}

// Parse validates raw against the recording schema and decodes it.
// Every failure is a *LoadError.
func Parse(scenario string, raw []byte) (*Recording, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &LoadError{Code: ErrCodeInvalidDocument, Scenario: scenario, Err: err}
	}

	rec := &Recording{
		Scenario:      doc.Scenario,
		Label:         doc.Label,
		PopulationMix: doc.PopulationMix,
		TotalUsers:    doc.TotalUsers,
		Variants:      doc.Variants,
		Personas:      doc.Personas,
		Events:        make([]event.Event, 0, len(doc.Events)),
	}
	if rec.Scenario == "" {
		rec.Scenario = scenario
	}
	if doc.RecordedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, doc.RecordedAt)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeInvalidDocument, Scenario: scenario, Err: fmt.Errorf("recorded_at: %w", err)}
		}
		rec.RecordedAt = t
	}

	for i, rawEvent := range doc.Events {
		ev, err := event.Decode(rawEvent)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeInvalidEvent, Scenario: scenario, Err: fmt.Errorf("events[%d]: %w", i, err)}
		}
		rec.Events = append(rec.Events, ev)
	}
	return rec, nil
}

// Terminated reports whether the event log ends with sim_ended.
func (r *Recording) Terminated() bool {
	if len(r.Events) == 0 {
		return false
	}
	return r.Events[len(r.Events)-1].Kind() == event.KindSimEnded
}

// Variant looks up variant metadata by id.
func (r *Recording) Variant(id int) (Variant, bool) {
	for _, v := range r.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Persona looks up persona metadata by name.
func (r *Recording) Persona(name string) (Persona, bool) {
	for _, p := range r.Personas {
		if p.Name == name {
			return p, true
		}
	}
	return Persona{}, false
}

// MarshalJSON renders the recorded-file format.
func (r *Recording) MarshalJSON() ([]byte, error) {
	doc := document{
		Scenario:      r.Scenario,
		Label:         r.Label,
		PopulationMix: r.PopulationMix,
		TotalUsers:    r.TotalUsers,
		Variants:      r.Variants,
		Personas:      r.Personas,
		Events:        make([]json.RawMessage, 0, len(r.Events)),
	}
	if doc.Variants == nil {
		doc.Variants = []Variant{}
	}
	if doc.Personas == nil {
		doc.Personas = []Persona{}
	}
	if !r.RecordedAt.IsZero() {
		doc.RecordedAt = r.RecordedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(r.Frames) == len(r.Events) && len(r.Frames) > 0 {
		doc.Events = append(doc.Events, r.Frames...)
		return json.Marshal(doc)
	}
	for _, ev := range r.Events {
		data, err := event.Encode(ev)
		if err != nil {
			return nil, err
		}
		doc.Events = append(doc.Events, data)
	}
	return json.Marshal(doc)
}

// Write serializes rec in the recorded-file format.
func Write(w io.Writer, rec *Recording) error {
	data, err := rec.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode recording: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	return nil
}
