package playback

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EducatedBernie/Converge/internal/clock"
	"github.com/EducatedBernie/Converge/internal/event"
	"github.com/EducatedBernie/Converge/internal/reducer"
	"github.com/EducatedBernie/Converge/internal/run"
	"github.com/EducatedBernie/Converge/internal/testutil"
)

type fixture struct {
	clock    *testutil.ManualClock
	registry *run.Registry
	reducer  *reducer.Reducer
	sched    *Scheduler

	mu      sync.Mutex
	batches []Batch
}

func newFixture(t *testing.T, speed float64) *fixture {
	t.Helper()
	f := &fixture{
		clock:    testutil.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		registry: run.NewRegistry(run.WithTokenGenerator(testutil.FixedToken("tok"))),
	}
	f.reducer = reducer.New(f.registry)
	f.sched = New(f.registry, f.reducer,
		WithClock(f.clock),
		WithObserver(func(b Batch) {
			f.mu.Lock()
			f.batches = append(f.batches, b)
			f.mu.Unlock()
		}),
	)

	_, err := f.registry.Start("run-1", 3, nil)
	require.NoError(t, err)
	ok, err := f.registry.SetSpeed(speed)
	require.NoError(t, err)
	require.True(t, ok)
	return f
}

func (f *fixture) observed() []Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Batch, len(f.batches))
	copy(out, f.batches)
	return out
}

func kinds(events []event.Event) []event.Kind {
	out := make([]event.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestDelay(t *testing.T) {
	assert.Equal(t, time.Second, Delay(1))
	assert.Equal(t, 200*time.Millisecond, Delay(5))
	assert.Equal(t, 20*time.Millisecond, Delay(50))
	assert.Equal(t, Delay(run.DefaultSpeed), Delay(0))
}

func TestScheduler_ThreeUserReplayAtSpeed50(t *testing.T) {
	f := newFixture(t, 50)
	f.sched.Start(NewReplayCursor(testutil.Users(3)))

	f.clock.Advance(0)
	assert.Equal(t, 1, f.reducer.UserCount())
	assert.Equal(t, run.StatusRunning, f.registry.Status())

	f.clock.Advance(20 * time.Millisecond)
	assert.Equal(t, 2, f.reducer.UserCount())

	f.clock.Advance(20 * time.Millisecond)
	assert.Equal(t, 3, f.reducer.UserCount())

	assert.Equal(t, run.StatusCompleted, f.registry.Status())
	assert.Equal(t, StateDone, f.sched.State())
	assert.True(t, isClosed(f.sched.Done()))
	assert.NoError(t, f.sched.Err())
	assert.Zero(t, f.clock.Pending(), "no tick scheduled after completion")

	state := f.reducer.State()
	assert.Len(t, state.Recent, 3)
	assert.Len(t, state.Snapshot, 2)

	batches := f.observed()
	require.Len(t, batches, 3)
	assert.Equal(t, []event.Kind{event.KindStatus, event.KindSimStarted}, kinds(batches[0].Routed))
	assert.Equal(t, []event.Kind{event.KindUserEvent, event.KindBanditSnapshot}, kinds(batches[0].Events))
	assert.Equal(t, 1, batches[0].UserNumber)
	assert.Equal(t, []event.Kind{event.KindUserEvent, event.KindBanditSnapshot, event.KindSimEnded}, kinds(batches[2].Events))
	assert.True(t, batches[2].Final)
	assert.Equal(t, 40*time.Millisecond, f.clock.Elapsed())
}

func TestScheduler_BatchBoundaries(t *testing.T) {
	events := []event.Event{
		testutil.User(1, 1, "casual", false),
		event.Status{Message: "still working"},
		testutil.User(1, 2, "casual", true),
		testutil.User(2, 1, "anxious", false),
		testutil.User(2, 2, "anxious", false),
		testutil.Snapshot(2, 1),
		testutil.User(3, 1, "skeptical", false),
		event.SimEnded{TotalUsers: 3},
	}
	f := newFixture(t, 10)
	f.sched.Start(NewReplayCursor(events))

	f.clock.Advance(0)
	f.clock.Advance(100 * time.Millisecond)
	f.clock.Advance(100 * time.Millisecond)

	batches := f.observed()
	require.Len(t, batches, 3)

	// Housekeeping does not end the batch for user 1.
	assert.Equal(t, []event.Kind{event.KindStatus}, kinds(batches[0].Routed))
	assert.Equal(t, []event.Kind{event.KindUserEvent, event.KindUserEvent}, kinds(batches[0].Events))
	assert.Equal(t, 1, batches[0].UserNumber)

	// The snapshot closes user 2's batch.
	assert.Equal(t, []event.Kind{event.KindUserEvent, event.KindUserEvent, event.KindBanditSnapshot}, kinds(batches[1].Events))
	assert.Equal(t, 2, batches[1].UserNumber)

	// sim_ended closes user 3's batch and completes the run.
	assert.Equal(t, []event.Kind{event.KindUserEvent, event.KindSimEnded}, kinds(batches[2].Events))
	assert.True(t, batches[2].Final)
	assert.Equal(t, run.StatusCompleted, f.registry.Status())
	assert.Equal(t, len(events), f.sched.Position())
}

func TestScheduler_ReplayExhaustionCompletes(t *testing.T) {
	events := []event.Event{
		event.SimStarted{},
		testutil.User(1, 1, "casual", false),
		testutil.User(2, 1, "casual", false),
	}
	f := newFixture(t, 10)
	f.sched.Start(NewReplayCursor(events))

	f.clock.Advance(0)
	assert.Equal(t, StateRunning, f.sched.State())
	f.clock.Advance(100 * time.Millisecond)

	assert.Equal(t, StateDone, f.sched.State())
	assert.Equal(t, run.StatusCompleted, f.registry.Status())
	assert.Equal(t, 2, f.reducer.UserCount())
}

func TestScheduler_PauseBetweenBatchesThenResume(t *testing.T) {
	f := newFixture(t, 10)
	f.sched.Start(NewReplayCursor(testutil.Users(3)))

	f.clock.Advance(0)
	require.Equal(t, 1, f.reducer.UserCount())
	pos := f.sched.Position()

	require.True(t, f.sched.Pause())
	assert.Equal(t, run.StatusPaused, f.registry.Status())
	assert.Zero(t, f.clock.Pending(), "pause cancels the pending tick")

	f.clock.Advance(10 * time.Second)
	assert.Equal(t, 1, f.reducer.UserCount(), "nothing applied while paused")
	assert.Equal(t, pos, f.sched.Position())

	require.True(t, f.sched.Resume())
	assert.Equal(t, run.StatusRunning, f.registry.Status())
	next, ok := f.clock.NextIn()
	require.True(t, ok)
	assert.Zero(t, next, "resume delivers the next batch immediately")

	f.clock.Advance(0)
	assert.Equal(t, 2, f.reducer.UserCount(), "resumes with the next batch, none replayed")
	f.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 3, f.reducer.UserCount())
	assert.Len(t, f.reducer.State().Recent, 3)
	assert.Equal(t, run.StatusCompleted, f.registry.Status())
}

func TestScheduler_PauseIsIdempotent(t *testing.T) {
	f := newFixture(t, 10)
	f.sched.Start(NewReplayCursor(testutil.Users(3)))
	f.clock.Advance(0)

	assert.True(t, f.sched.Pause())
	assert.False(t, f.sched.Pause())
	assert.Equal(t, StatePaused, f.sched.State())

	assert.True(t, f.sched.Resume())
	assert.False(t, f.sched.Resume())
	assert.Equal(t, 1, f.clock.Pending())
}

func TestScheduler_PauseWhileStartingIsNoop(t *testing.T) {
	f := newFixture(t, 10)
	f.sched.Start(NewReplayCursor(testutil.Users(1)))

	// First tick has not fired, so the run is still starting.
	assert.False(t, f.sched.Pause())
	assert.Equal(t, run.StatusStarting, f.registry.Status())
	assert.Equal(t, StateRunning, f.sched.State())
}

func TestScheduler_ControlsWithoutRunAreNoops(t *testing.T) {
	reg := run.NewRegistry()
	s := New(reg, reducer.New(reg), WithClock(testutil.NewManualClock(time.Time{})))

	assert.False(t, s.Pause())
	assert.False(t, s.Resume())
	assert.False(t, s.Stop())
	ok, err := s.SetSpeed(10)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, s.Position())
}

func TestScheduler_SpeedChangeIsProspective(t *testing.T) {
	f := newFixture(t, 1)
	f.sched.Start(NewReplayCursor(testutil.Users(3)))
	f.clock.Advance(0)

	// The tick for user 2 is already pending one second out.
	ok, err := f.sched.SetSpeed(50)
	require.NoError(t, err)
	require.True(t, ok)

	d, ok := f.clock.NextIn()
	require.True(t, ok)
	assert.Equal(t, time.Second, d, "pending tick keeps its delay")

	f.clock.Advance(20 * time.Millisecond)
	assert.Equal(t, 1, f.reducer.UserCount())

	f.clock.Advance(980 * time.Millisecond)
	assert.Equal(t, 2, f.reducer.UserCount())

	d, ok = f.clock.NextIn()
	require.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, d, "next tick uses the new speed")
}

func TestScheduler_InvalidSpeedRejected(t *testing.T) {
	f := newFixture(t, 5)
	_, err := f.sched.SetSpeed(0)
	assert.ErrorIs(t, err, run.ErrInvalidSpeed)
	assert.Equal(t, 5.0, f.registry.Speed())
}

func TestScheduler_StopCompletesWithoutRewinding(t *testing.T) {
	f := newFixture(t, 10)
	f.sched.Start(NewReplayCursor(testutil.Users(3)))
	f.clock.Advance(0)
	pos := f.sched.Position()

	require.True(t, f.sched.Stop())
	assert.False(t, f.sched.Stop())
	assert.Equal(t, run.StatusCompleted, f.registry.Status())
	assert.True(t, isClosed(f.sched.Done()))
	assert.Equal(t, pos, f.sched.Position())
	assert.Zero(t, f.clock.Pending())

	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.reducer.UserCount())
}

func TestScheduler_StartCancelsPendingTick(t *testing.T) {
	f := newFixture(t, 10)
	f.sched.Start(NewReplayCursor(testutil.Users(3)))
	f.clock.Advance(0)
	oldDone := f.sched.Done()
	require.Equal(t, 1, f.clock.Pending())

	// A new run with a different sequence.
	_, err := f.registry.Start("run-2", 1, nil)
	require.NoError(t, err)
	second := []event.Event{event.SimStarted{}, testutil.User(7, 1, "anxious", true)}
	f.sched.Start(NewReplayCursor(second))

	assert.True(t, isClosed(oldDone), "previous run's Done is released")
	assert.Zero(t, f.reducer.UserCount(), "reducer reset on start")
	assert.Equal(t, 1, f.clock.Pending(), "only the new run's tick is pending")

	f.clock.Advance(time.Second)
	assert.Equal(t, 7, f.reducer.UserCount())
	assert.Len(t, f.reducer.State().Recent, 1, "stale tick never applied user 2 of the old run")
}

func TestScheduler_StaleCallbackIsFenced(t *testing.T) {
	// A clock whose timers cannot be stopped, so superseded callbacks still run.
	uc := &unstoppableClock{}
	reg := run.NewRegistry()
	red := reducer.New(reg)
	s := New(reg, red, WithClock(uc))

	_, err := reg.Start("a", 1, nil)
	require.NoError(t, err)
	s.Start(NewReplayCursor(testutil.Users(3)))
	uc.fireAll()
	require.Equal(t, 1, red.UserCount())

	staleTick := uc.take()
	_, err = reg.Start("b", 1, nil)
	require.NoError(t, err)
	s.Start(NewReplayCursor([]event.Event{event.SimStarted{}}))

	for _, f := range staleTick {
		f()
	}
	assert.Zero(t, red.UserCount(), "stale tick must not apply the old run's events")
}

type unstoppableClock struct {
	mu  sync.Mutex
	fns []func()
}

type noStop struct{}

func (noStop) Stop() bool { return false }

func (c *unstoppableClock) Now() time.Time { return time.Time{} }

func (c *unstoppableClock) AfterFunc(_ time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, f)
	return noStop{}
}

func (c *unstoppableClock) take() []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := c.fns
	c.fns = nil
	return fns
}

func (c *unstoppableClock) fireAll() {
	for _, f := range c.take() {
		f()
	}
}

func TestScheduler_OutOfOrderUserDropped(t *testing.T) {
	events := []event.Event{
		event.SimStarted{},
		testutil.User(2, 1, "casual", false),
		testutil.Snapshot(2, 1),
		testutil.User(1, 1, "casual", true),
		testutil.User(3, 1, "casual", false),
		event.SimEnded{TotalUsers: 3},
	}
	f := newFixture(t, 10)
	f.sched.Start(NewReplayCursor(events))

	f.clock.Advance(0)
	f.clock.Advance(100 * time.Millisecond)

	assert.Equal(t, 1, f.sched.Violations())
	assert.Equal(t, 3, f.reducer.UserCount())
	for _, ue := range f.reducer.State().Recent {
		assert.NotEqual(t, 1, ue.UserNumber)
	}
	assert.Equal(t, run.StatusCompleted, f.registry.Status())
}

func TestScheduler_LiveHoldsPartialBatch(t *testing.T) {
	f := newFixture(t, 10)
	live := NewLiveCursor()
	f.sched.Start(live)

	f.clock.Advance(0)
	assert.Equal(t, StateRunning, f.sched.State(), "empty live feed keeps polling")
	assert.Equal(t, 1, f.clock.Pending())

	live.Push(event.SimStarted{RunID: "9"})
	live.Push(testutil.User(1, 1, "casual", false))
	f.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, run.StatusRunning, f.registry.Status())
	assert.Zero(t, f.reducer.UserCount(), "user 1's batch is still open")

	live.Push(testutil.User(1, 2, "casual", true))
	live.Push(testutil.Snapshot(1, 4))
	f.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, f.reducer.UserCount())
	assert.Len(t, f.reducer.State().Recent, 2)

	live.Push(event.SimEnded{RunID: "9", TotalUsers: 1})
	f.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, run.StatusCompleted, f.registry.Status())
	assert.NoError(t, f.sched.Err())
}

func TestScheduler_LivePushWakesWaitingTick(t *testing.T) {
	f := newFixture(t, 1)
	live := NewLiveCursor()
	f.sched.Start(live)

	f.clock.Advance(0)
	next, ok := f.clock.NextIn()
	require.True(t, ok)
	assert.Equal(t, time.Second, next, "an idle feed polls at the paced interval")

	live.Push(event.SimStarted{RunID: "9"})
	require.Eventually(t, func() bool {
		next, ok := f.clock.NextIn()
		return ok && next == 0
	}, time.Second, time.Millisecond, "a push pulls the waiting tick forward")
	assert.Equal(t, 1, f.clock.Pending(), "the polling tick is replaced, not doubled")

	f.clock.Advance(0)
	assert.Equal(t, run.StatusRunning, f.registry.Status())
}

func TestScheduler_LiveCloseWakesWaitingTick(t *testing.T) {
	f := newFixture(t, 1)
	live := NewLiveCursor()
	f.sched.Start(live)
	f.clock.Advance(0)

	live.Close()
	require.Eventually(t, func() bool {
		next, ok := f.clock.NextIn()
		return ok && next == 0
	}, time.Second, time.Millisecond)

	f.clock.Advance(0)
	assert.Equal(t, StateDone, f.sched.State())
	assert.NoError(t, f.sched.Err())
}

func TestScheduler_PauseReleasesWaitingTick(t *testing.T) {
	f := newFixture(t, 1)
	live := NewLiveCursor()
	f.sched.Start(live)
	live.Push(event.SimStarted{RunID: "9"})
	f.clock.Advance(0)
	require.Equal(t, run.StatusRunning, f.registry.Status())

	require.True(t, f.sched.Pause())
	live.Push(testutil.User(1, 1, "casual", false))
	assert.Never(t, func() bool { return f.clock.Pending() > 0 },
		50*time.Millisecond, 5*time.Millisecond, "a paused run is not woken by input")
}

func TestScheduler_LiveTerminalErrorHalts(t *testing.T) {
	f := newFixture(t, 10)
	live := NewLiveCursor()
	f.sched.Start(live)

	live.Push(event.SimStarted{})
	live.Push(testutil.User(1, 1, "casual", false))
	boom := errors.New("connection refused, attempts exhausted")
	live.CloseWithError(boom)

	f.clock.Advance(0)
	assert.Equal(t, StateDone, f.sched.State())
	assert.ErrorIs(t, f.sched.Err(), boom)
	assert.Equal(t, 1, f.reducer.UserCount(), "buffered batch is applied before halting")
	assert.Equal(t, run.StatusCompleted, f.registry.Status())

	batches := f.observed()
	require.NotEmpty(t, batches)
	assert.True(t, batches[len(batches)-1].Final)
}

func TestScheduler_ObserverMayPause(t *testing.T) {
	f := newFixture(t, 10)
	var sched *Scheduler
	sched = New(f.registry, f.reducer, WithClock(f.clock), WithObserver(func(b Batch) {
		if b.UserNumber == 2 {
			sched.Pause()
		}
	}))
	sched.Start(NewReplayCursor(testutil.Users(3)))

	f.clock.Advance(time.Second)
	assert.Equal(t, 2, f.reducer.UserCount())
	assert.Equal(t, StatePaused, sched.State())
}
