// Package session wires one event source to the scheduler, reducer and
// run registry, and routes control commands to the right place.
//
// In replay mode controls are purely local. In live mode each command is
// sent to the backend first and applied locally only once the backend has
// accepted it; a rejected command leaves local state as it was. The backend
// refuses speed changes until its run is active, so a speed set while the
// run is still starting is held and forwarded on the first applied tick.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EducatedBernie/Converge/internal/clock"
	"github.com/EducatedBernie/Converge/internal/control"
	"github.com/EducatedBernie/Converge/internal/event"
	"github.com/EducatedBernie/Converge/internal/live"
	"github.com/EducatedBernie/Converge/internal/playback"
	"github.com/EducatedBernie/Converge/internal/recording"
	"github.com/EducatedBernie/Converge/internal/reducer"
	"github.com/EducatedBernie/Converge/internal/run"
)

// Controller is the backend control surface used in live mode.
type Controller interface {
	Start(ctx context.Context, req control.StartRequest) (control.StartResponse, error)
	Pause(ctx context.Context, runID string) error
	Resume(ctx context.Context, runID string) error
	Stop(ctx context.Context, runID string) error
	SetSpeed(ctx context.Context, runID string, speed float64) (int, error)
	SetPopulationMix(ctx context.Context, runID string, mix map[string]float64) error
}

// Streamer opens live connections.
type Streamer interface {
	Connect(ctx context.Context, runID string, onEvent func(event.Event)) *live.Conn
}

// Loader resolves scenarios to recordings.
type Loader interface {
	Load(ctx context.Context, scenario string) (*recording.Recording, error)
}

// ErrModeUnavailable is returned when a mode's dependencies were not configured.
var ErrModeUnavailable = errors.New("mode not configured")

// Session is the single entry point for a UI or CLI.
type Session struct {
	registry  *run.Registry
	reducer   *reducer.Reducer
	scheduler *playback.Scheduler

	loader   Loader
	control  Controller
	streamer Streamer
	observer playback.Observer
	logger   *slog.Logger

	mu        sync.Mutex
	mode      playback.Mode
	runID     string
	conn      *live.Conn
	cursor    *playback.LiveCursor
	heldSpeed float64

	forwards sync.WaitGroup
}

type options struct {
	loader   Loader
	control  Controller
	streamer Streamer
	clock    clock.Clock
	tokens   run.TokenGenerator
	observer playback.Observer
	logger   *slog.Logger
	speed    float64
}

// Option configures a Session.
type Option func(*options)

// WithLoader enables replay mode.
func WithLoader(l Loader) Option { return func(o *options) { o.loader = l } }

// WithLive enables live mode.
func WithLive(c Controller, s Streamer) Option {
	return func(o *options) {
		o.control = c
		o.streamer = s
	}
}

// WithClock drives pacing from c.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithTokenGenerator sets how playback tokens are minted.
func WithTokenGenerator(g run.TokenGenerator) Option { return func(o *options) { o.tokens = g } }

// WithObserver receives every applied batch.
func WithObserver(obs playback.Observer) Option { return func(o *options) { o.observer = obs } }

// WithSpeed sets the multiplier the first run starts at.
func WithSpeed(speed float64) Option { return func(o *options) { o.speed = speed } }

// WithLogger sets the logger shared by the session's components.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// New creates an idle session.
func New(opts ...Option) *Session {
	o := options{clock: clock.System{}, tokens: run.UUIDv7Generator{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	registry := run.NewRegistry(run.WithTokenGenerator(o.tokens), run.WithNow(o.clock.Now), run.WithSpeed(o.speed))
	s := &Session{
		registry: registry,
		reducer:  reducer.New(registry),
		loader:   o.loader,
		control:  o.control,
		streamer: o.streamer,
		observer: o.observer,
		logger:   o.logger,
	}
	s.scheduler = playback.New(registry, s.reducer,
		playback.WithClock(o.clock),
		playback.WithLogger(o.logger),
		playback.WithObserver(s.observe),
	)
	return s
}

// StartReplay loads scenario and plays it from the beginning. A failed
// load leaves any current run untouched.
func (s *Session) StartReplay(ctx context.Context, scenario string) (run.Run, error) {
	if s.loader == nil {
		return run.Run{}, fmt.Errorf("replay: %w", ErrModeUnavailable)
	}
	rec, err := s.loader.Load(ctx, scenario)
	if err != nil {
		return run.Run{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	r, err := s.registry.Start(scenario, rec.TotalUsers, rec.PopulationMix)
	if err != nil {
		return run.Run{}, err
	}
	s.mode = playback.ModeReplay
	s.runID = scenario
	s.scheduler.Start(playback.NewReplayCursor(rec.Events))

	s.logger.Info("replay started", "scenario", scenario, "events", len(rec.Events), "token", r.Token)
	return r, nil
}

// StartLive asks the backend for a new run and follows its stream. If the
// backend refuses, the run returns to idle.
func (s *Session) StartLive(ctx context.Context, totalUsers int, mix map[string]float64) (run.Run, error) {
	if s.control == nil || s.streamer == nil {
		return run.Run{}, fmt.Errorf("live: %w", ErrModeUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	r, err := s.registry.Start("", totalUsers, mix)
	if err != nil {
		return run.Run{}, err
	}

	resp, err := s.control.Start(ctx, control.StartRequest{TotalUsers: totalUsers, PopulationMix: r.PopulationMix})
	if err != nil {
		s.registry.Abort()
		s.logger.Error("backend refused start", "error", err)
		return run.Run{}, err
	}
	runID := resp.RunID.String()
	s.registry.Bind(runID)

	cursor := playback.NewLiveCursor()
	conn := s.streamer.Connect(context.WithoutCancel(ctx), runID, func(ev event.Event) {
		cursor.Push(ev)
	})
	go func() {
		<-conn.Done()
		cursor.CloseWithError(conn.Err())
	}()

	s.mode = playback.ModeLive
	s.runID = runID
	s.conn = conn
	s.cursor = cursor
	if r.Speed != run.DefaultSpeed {
		s.heldSpeed = r.Speed
	}
	s.scheduler.Start(cursor)

	done := s.scheduler.Done()
	go func() {
		<-done
		conn.Close()
	}()

	r = s.registry.Snapshot()
	s.logger.Info("live run started", "run_id", runID, "total_users", totalUsers, "token", r.Token)
	return r, nil
}

// Pause suspends the current run. No-op without an active run.
func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registry.Status() != run.StatusRunning {
		return nil
	}
	if s.mode == playback.ModeLive {
		if err := s.control.Pause(ctx, s.runID); err != nil {
			s.logger.Warn("backend pause failed", "run_id", s.runID, "error", err)
			return err
		}
	}
	s.scheduler.Pause()
	return nil
}

// Resume continues a paused run. No-op unless paused.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registry.Status() != run.StatusPaused {
		return nil
	}
	if s.mode == playback.ModeLive {
		if err := s.control.Resume(ctx, s.runID); err != nil {
			s.logger.Warn("backend resume failed", "run_id", s.runID, "error", err)
			return err
		}
	}
	s.scheduler.Resume()
	return nil
}

// Stop ends the current run. Local state always completes; a backend
// failure is logged and returned.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.registry.Active() {
		return nil
	}
	var err error
	if s.mode == playback.ModeLive && s.runID != "" {
		if err = s.control.Stop(ctx, s.runID); err != nil {
			s.logger.Warn("backend stop failed", "run_id", s.runID, "error", err)
		}
	}
	s.stopLocked()
	return err
}

// SetSpeed changes the multiplier; the change applies from the next tick.
func (s *Session) SetSpeed(ctx context.Context, speed float64) error {
	if err := run.ValidateSpeed(speed); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.registry.Active() {
		return nil
	}
	if s.mode == playback.ModeLive {
		if s.registry.Status() == run.StatusStarting {
			s.heldSpeed = speed
		} else if _, err := s.control.SetSpeed(ctx, s.runID, speed); err != nil {
			s.logger.Warn("backend speed change failed", "run_id", s.runID, "error", err)
			return err
		}
	}
	_, err := s.scheduler.SetSpeed(speed)
	return err
}

// observe forwards a held live speed once the run has left starting, then
// hands the batch to the caller's observer.
func (s *Session) observe(b playback.Batch) {
	s.mu.Lock()
	speed, runID := s.heldSpeed, s.runID
	status := s.registry.Status()
	forward := speed != 0 && s.mode == playback.ModeLive &&
		status != run.StatusStarting && status != run.StatusIdle
	if forward {
		s.heldSpeed = 0
		s.forwards.Add(1)
	}
	s.mu.Unlock()

	if forward {
		go func() {
			defer s.forwards.Done()
			s.forwardSpeed(runID, speed)
		}()
	}
	if s.observer != nil {
		s.observer(b)
	}
}

func (s *Session) forwardSpeed(runID string, speed float64) {
	if _, err := s.control.SetSpeed(context.Background(), runID, speed); err != nil {
		s.logger.Warn("backend speed change failed", "run_id", runID, "speed", speed, "error", err)
		return
	}
	s.logger.Debug("held speed forwarded", "run_id", runID, "speed", speed)
}

// SetPopulationMix retunes the persona weights of the current run.
func (s *Session) SetPopulationMix(ctx context.Context, mix map[string]float64) error {
	normalized, err := run.NormalizeMix(mix)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.registry.Active() {
		return nil
	}
	if s.mode == playback.ModeLive {
		if err := s.control.SetPopulationMix(ctx, s.runID, normalized); err != nil {
			s.logger.Warn("backend population change failed", "run_id", s.runID, "error", err)
			return err
		}
	}
	_, err = s.registry.SetPopulationMix(normalized)
	return err
}

// AbortIfStale stops a run that has sat in starting without any event for
// longer than after. Returns true if it did.
func (s *Session) AbortIfStale(ctx context.Context, after time.Duration) bool {
	if !s.registry.Stale(after) {
		return false
	}
	s.logger.Warn("run never started, giving up", "after", after)
	_ = s.Stop(ctx)
	return true
}

// Close stops everything without contacting the backend, apart from
// waiting out a held speed that is already on its way.
func (s *Session) Close() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
	s.forwards.Wait()
}

func (s *Session) stopLocked() {
	s.heldSpeed = 0
	s.scheduler.Stop()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.cursor = nil
}

// Mode returns the mode of the most recent start.
func (s *Session) Mode() playback.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Run returns a snapshot of the run registry.
func (s *Session) Run() run.Run { return s.registry.Snapshot() }

// State returns a snapshot of the derived state.
func (s *Session) State() reducer.State { return s.reducer.State() }

// Done is closed when the current run ends.
func (s *Session) Done() <-chan struct{} { return s.scheduler.Done() }

// Err returns the live transport error that halted the run, if any.
func (s *Session) Err() error { return s.scheduler.Err() }

// Violations returns the number of out-of-order events dropped this run.
func (s *Session) Violations() int { return s.scheduler.Violations() }
