package run

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Status is the lifecycle state of the current run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// DefaultSpeed is the playback multiplier used until a caller changes it.
const DefaultSpeed = 5.0

// SpeedCatalog is the nominal set of speeds offered to users.
// Any positive value is accepted by SetSpeed.
var SpeedCatalog = []float64{1, 5, 10, 25, 50}

// ErrInvalidSpeed is returned for zero, negative, or non-finite speeds.
var ErrInvalidSpeed = errors.New("speed must be a positive number")

// Run is a copy of the registry's view of the current run.
type Run struct {
	// ID is the backend run id. Empty in replay mode.
	ID string

	// Token correlates every log line of one playback. Fresh per Start.
	Token string

	Status        Status
	Speed         float64
	PopulationMix map[string]float64
	TotalUsers    int
	StartedAt     time.Time
	LastEventAt   time.Time
}

// Registry holds identity and lifecycle of the current run.
//
// All transitions follow the run state machine:
//
//	idle -> starting -> running <-> paused
//	running|paused|starting -> completed
//	any -> starting (a new Start supersedes the previous run)
//
// Invalid transitions are no-ops that report false; none return errors.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	run    Run
	tokens TokenGenerator
	now    func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTokenGenerator overrides the UUIDv7 token generator (for tests).
func WithTokenGenerator(g TokenGenerator) RegistryOption {
	return func(r *Registry) {
		r.tokens = g
	}
}

// WithNow overrides the wall clock used for StartedAt/LastEventAt.
func WithNow(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// WithSpeed sets the initial multiplier. Invalid speeds are ignored.
func WithSpeed(speed float64) RegistryOption {
	return func(r *Registry) {
		if ValidateSpeed(speed) == nil {
			r.run.Speed = speed
		}
	}
}

// NewRegistry creates an idle registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		run:    Run{Status: StatusIdle, Speed: DefaultSpeed},
		tokens: UUIDv7Generator{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins a new run, superseding whatever came before.
// The speed multiplier carries over from the previous run.
func (r *Registry) Start(id string, totalUsers int, mix map[string]float64) (Run, error) {
	normalized, err := NormalizeMix(mix)
	if err != nil {
		return Run{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.run.Status
	r.run = Run{
		ID:            id,
		Token:         r.tokens.Generate(),
		Status:        StatusStarting,
		Speed:         r.run.Speed,
		PopulationMix: normalized,
		TotalUsers:    totalUsers,
		StartedAt:     r.now(),
	}
	slog.Debug("run starting",
		"token", r.run.Token,
		"run_id", id,
		"previous_status", prev,
		"total_users", totalUsers,
	)
	return r.copyLocked(), nil
}

// Bind records the backend's run id once a start has been accepted.
// Returns false unless the run is still starting.
func (r *Registry) Bind(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run.Status != StatusStarting {
		return false
	}
	r.run.ID = id
	return true
}

// ValidateSpeed rejects non-positive and non-finite multipliers.
func ValidateSpeed(speed float64) error {
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, speed)
	}
	return nil
}

// Begin marks the first substantive event (sim_started or first user_event).
func (r *Registry) Begin() bool {
	return r.transition(StatusRunning, StatusStarting)
}

// Pause moves a running run to paused.
func (r *Registry) Pause() bool {
	return r.transition(StatusPaused, StatusRunning)
}

// Resume moves a paused run back to running.
func (r *Registry) Resume() bool {
	return r.transition(StatusRunning, StatusPaused)
}

// Complete ends the run. Terminal until the next Start.
func (r *Registry) Complete() bool {
	return r.transition(StatusCompleted, StatusStarting, StatusRunning, StatusPaused)
}

// Abort returns a run that never got going to idle. Used when the backend
// refuses to start a run, so the status never sticks in starting.
func (r *Registry) Abort() bool {
	return r.transition(StatusIdle, StatusStarting)
}

func (r *Registry) transition(to Status, from ...Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range from {
		if r.run.Status == f {
			slog.Debug("run status", "token", r.run.Token, "from", f, "to", to)
			r.run.Status = to
			return true
		}
	}
	return false
}

// SetSpeed changes the playback multiplier of the active run.
//
// Returns (false, nil) when no run is active. Speed must be positive.
func (r *Registry) SetSpeed(speed float64) (bool, error) {
	if err := ValidateSpeed(speed); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.activeLocked() {
		return false, nil
	}
	r.run.Speed = speed
	return true, nil
}

// SetPopulationMix replaces the active run's population mix.
//
// Returns (false, nil) when no run is active.
func (r *Registry) SetPopulationMix(mix map[string]float64) (bool, error) {
	normalized, err := NormalizeMix(mix)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.activeLocked() {
		return false, nil
	}
	r.run.PopulationMix = normalized
	return true, nil
}

// Touch records that an event arrived for the current run.
func (r *Registry) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run.LastEventAt = r.now()
}

// Stale reports whether the run has sat in starting for longer than after
// without any event. Enforcing a deadline is left to the caller.
func (r *Registry) Stale(after time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run.Status != StatusStarting {
		return false
	}
	last := r.run.StartedAt
	if r.run.LastEventAt.After(last) {
		last = r.run.LastEventAt
	}
	return r.now().Sub(last) > after
}

// Status returns the current status.
func (r *Registry) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.Status
}

// Speed returns the current multiplier.
func (r *Registry) Speed() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.Speed
}

// Active reports whether a run exists (starting, running, or paused).
func (r *Registry) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

// Snapshot returns a copy of the current run.
func (r *Registry) Snapshot() Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

func (r *Registry) activeLocked() bool {
	switch r.run.Status {
	case StatusStarting, StatusRunning, StatusPaused:
		return true
	}
	return false
}

func (r *Registry) copyLocked() Run {
	out := r.run
	if r.run.PopulationMix != nil {
		out.PopulationMix = make(map[string]float64, len(r.run.PopulationMix))
		for k, v := range r.run.PopulationMix {
			out.PopulationMix[k] = v
		}
	}
	return out
}
