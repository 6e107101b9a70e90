package playback

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/EducatedBernie/Converge/internal/clock"
	"github.com/EducatedBernie/Converge/internal/event"
	"github.com/EducatedBernie/Converge/internal/run"
)

// Registry is the slice of the run registry the scheduler drives.
type Registry interface {
	Pause() bool
	Resume() bool
	Complete() bool
	Speed() float64
	SetSpeed(speed float64) (bool, error)
}

// Reducer receives paced events.
type Reducer interface {
	Apply(ev event.Event)
	ApplyBatch(events []event.Event)
	Reset()
}

// State is the scheduler's own lifecycle, independent of run status.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Batch describes what one tick applied.
type Batch struct {
	Tick int
	// Routed holds housekeeping events applied immediately during the tick.
	Routed []event.Event
	// Events is the user batch, in arrival order. Empty when the tick only
	// routed housekeeping or found nothing ready.
	Events []event.Event
	// UserNumber of the batch, or -1 when Events is empty.
	UserNumber int
	Position   int
	// Final is set on the tick that completed the run.
	Final bool
}

// Observer is called after every tick that applied something, and on the
// final tick. It runs without the scheduler lock held and may call back
// into the scheduler.
type Observer func(Batch)

// Delay returns the pacing interval for speed.
func Delay(speed float64) time.Duration {
	if speed <= 0 {
		speed = run.DefaultSpeed
	}
	return time.Duration(float64(time.Second) / speed)
}

// waiter is implemented by cursors that signal when new input arrives.
type waiter interface {
	Wait() <-chan struct{}
}

type outcome int

const (
	outcomeDelivered outcome = iota + 1
	outcomeWaiting
	outcomeCompleted
)

type doneSignal struct {
	ch   chan struct{}
	once sync.Once
}

func newDoneSignal() *doneSignal {
	return &doneSignal{ch: make(chan struct{})}
}

func (d *doneSignal) close() {
	d.once.Do(func() { close(d.ch) })
}

// Scheduler paces a cursor into a reducer.
type Scheduler struct {
	clock    clock.Clock
	registry Registry
	reducer  Reducer
	logger   *slog.Logger
	observer Observer

	mu         sync.Mutex
	cursor     Cursor
	state      State
	gen        uint64
	timer      clock.Timer
	unwait     chan struct{}
	pending    []event.Event
	batchUser  int
	lastUser   int
	tick       int
	violations int
	err        error
	done       *doneSignal
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithObserver installs a per-tick observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// New creates an idle scheduler.
func New(registry Registry, reducer Reducer, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:     clock.System{},
		registry:  registry,
		reducer:   reducer,
		logger:    slog.Default(),
		batchUser: -1,
		lastUser:  -1,
		done:      newDoneSignal(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins pacing c from its current position. Any previous run is
// cancelled first and the reducer is reset, so no tick scheduled for the
// old run can touch the new state. The first tick fires immediately.
func (s *Scheduler) Start(c Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	s.done.close()

	s.reducer.Reset()
	s.cursor = c
	s.state = StateRunning
	s.pending = nil
	s.batchUser = -1
	s.lastUser = -1
	s.tick = 0
	s.violations = 0
	s.err = nil
	s.done = newDoneSignal()

	s.logger.Debug("playback started", "mode", c.Mode().String(), "position", c.Position())
	s.scheduleLocked(0)
}

// Pause cancels the pending tick. The cursor and any partially assembled
// live batch are kept exactly as they are. Pausing while the run is still
// starting, already paused, or finished is a no-op.
func (s *Scheduler) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return false
	}
	if !s.registry.Pause() {
		return false
	}
	s.cancelLocked()
	s.state = StatePaused
	s.logger.Debug("playback paused", "position", s.cursor.Position())
	return true
}

// Resume continues from the preserved cursor. The next batch is delivered
// at once; pacing restarts from there.
func (s *Scheduler) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePaused {
		return false
	}
	s.registry.Resume()
	s.state = StateRunning
	s.scheduleLocked(0)
	s.logger.Debug("playback resumed", "position", s.cursor.Position())
	return true
}

// Stop cancels the pending tick and completes the run. The cursor is not
// rewound.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StatePaused {
		s.mu.Unlock()
		return false
	}
	s.finishLocked(nil)
	done := s.done
	s.mu.Unlock()

	done.close()
	return true
}

// SetSpeed changes the multiplier for the next scheduled tick. The tick
// already pending keeps its delay.
func (s *Scheduler) SetSpeed(speed float64) (bool, error) {
	return s.registry.SetSpeed(speed)
}

// Done is closed when the current run completes, is stopped, or is
// replaced by a new Start.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done.ch
}

// Err returns the terminal error of a live source that ended the run.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the scheduler lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Position returns the cursor position, or 0 before the first Start.
func (s *Scheduler) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		return 0
	}
	return s.cursor.Position()
}

// Violations returns how many out-of-order events were dropped this run.
func (s *Scheduler) Violations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}

// scheduleLocked replaces any pending tick with one due after d.
func (s *Scheduler) scheduleLocked(d time.Duration) {
	s.cancelLocked()
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() { s.fire(gen) })
}

// awaitLocked keeps the polling tick armed and, when the cursor can
// announce input, pulls it forward to fire as soon as input arrives.
func (s *Scheduler) awaitLocked() {
	s.scheduleLocked(Delay(s.registry.Speed()))
	w, ok := s.cursor.(waiter)
	if !ok {
		return
	}
	gen, stop, ready := s.gen, make(chan struct{}), w.Wait()
	s.unwait = stop
	go func() {
		select {
		case <-ready:
		case <-stop:
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen == s.gen && s.state == StateRunning {
			s.scheduleLocked(0)
		}
	}()
}

// cancelLocked is safe to call any number of times.
func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.unwait != nil {
		close(s.unwait)
		s.unwait = nil
	}
	s.gen++
}

func (s *Scheduler) finishLocked(err error) {
	s.cancelLocked()
	s.state = StateDone
	s.err = err
	s.registry.Complete()
	if err != nil {
		s.logger.Warn("playback halted", "position", s.cursor.Position(), "error", err)
		return
	}
	s.logger.Debug("playback completed", "position", s.cursor.Position())
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.tick++

	b, out, err := s.stepLocked()
	switch out {
	case outcomeCompleted:
		b.Final = true
		s.finishLocked(err)
	case outcomeWaiting:
		s.awaitLocked()
	default:
		s.scheduleLocked(Delay(s.registry.Speed()))
	}
	observer := s.observer
	done := s.done
	s.mu.Unlock()

	if observer != nil && (len(b.Events) > 0 || len(b.Routed) > 0 || b.Final) {
		observer(b)
	}
	if b.Final {
		done.close()
	}
}

// stepLocked advances the cursor through one tick's worth of events.
func (s *Scheduler) stepLocked() (Batch, outcome, error) {
	b := Batch{Tick: s.tick, UserNumber: -1}
	for {
		ev, ok, err := s.cursor.Peek()
		if err != nil {
			if len(s.pending) > 0 {
				b.Events, b.UserNumber = s.flushLocked()
			}
			b.Position = s.cursor.Position()
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return b, outcomeCompleted, err
		}
		if !ok {
			// Live source with nothing buffered; a partial batch stays held.
			b.Position = s.cursor.Position()
			return b, outcomeWaiting, nil
		}

		switch e := ev.(type) {
		case event.UserEvent:
			if s.outOfOrderLocked(e.Kind(), e.UserNumber) {
				s.cursor.Advance()
				continue
			}
			if s.batchUser >= 0 && e.UserNumber != s.batchUser {
				b.Events, b.UserNumber = s.flushLocked()
				b.Position = s.cursor.Position()
				return b, outcomeDelivered, nil
			}
			s.cursor.Advance()
			s.pending = append(s.pending, e)
			s.batchUser = e.UserNumber

		case event.BanditSnapshot:
			if s.outOfOrderLocked(e.Kind(), e.UserNumber) {
				s.cursor.Advance()
				continue
			}
			s.cursor.Advance()
			s.pending = append(s.pending, e)
			b.Events, b.UserNumber = s.flushLocked()
			b.Position = s.cursor.Position()

			// A sim_ended right behind the closing snapshot belongs to this tick.
			if next, ok, err := s.cursor.Peek(); err == nil && ok && next.Kind() == event.KindSimEnded {
				s.cursor.Advance()
				s.reducer.Apply(next)
				b.Events = append(b.Events, next)
				s.cursor.SeekEnd()
				b.Position = s.cursor.Position()
				return b, outcomeCompleted, nil
			}
			return b, outcomeDelivered, nil

		case event.SimEnded:
			s.cursor.Advance()
			s.pending = append(s.pending, e)
			b.Events, b.UserNumber = s.flushLocked()
			s.cursor.SeekEnd()
			b.Position = s.cursor.Position()
			return b, outcomeCompleted, nil

		default:
			s.cursor.Advance()
			s.reducer.Apply(ev)
			b.Routed = append(b.Routed, ev)
		}
	}
}

// flushLocked applies the pending batch atomically and returns it.
func (s *Scheduler) flushLocked() ([]event.Event, int) {
	events := s.pending
	s.reducer.ApplyBatch(events)

	user := -1
	for _, ev := range events {
		if n, ok := event.UserNumberOf(ev); ok && n > user {
			user = n
		}
	}
	if user > s.lastUser {
		s.lastUser = user
	}
	s.pending = nil
	s.batchUser = -1
	return events, user
}

func (s *Scheduler) outOfOrderLocked(kind event.Kind, n int) bool {
	floor := s.lastUser
	if s.batchUser >= 0 {
		floor = s.batchUser
	}
	if n >= floor {
		return false
	}
	s.violations++
	s.logger.Warn("dropping out-of-order event", "error", &ProtocolViolation{
		Kind:     kind,
		Previous: floor,
		Got:      n,
		Position: s.cursor.Position(),
	})
	return true
}
