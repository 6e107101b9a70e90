package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/EducatedBernie/Converge/internal/event"
	"github.com/EducatedBernie/Converge/internal/playback"
	"github.com/EducatedBernie/Converge/internal/recording"
	"github.com/EducatedBernie/Converge/internal/session"
	"github.com/EducatedBernie/Converge/internal/testutil"
)

// maxDrainTicks stops a drain step that never reaches completion.
const maxDrainTicks = 100000

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness is the scenario execution engine. It owns one session wired to
// a manual clock and records every tick and control action.
type Harness struct {
	clock   *testutil.ManualClock
	session *session.Session
	logger  *slog.Logger
	result  *Result
}

// memSource serves one scenario's document from memory.
type memSource struct {
	name string
	doc  []byte
}

func (m memSource) Fetch(_ context.Context, scenario string) ([]byte, error) {
	if scenario != m.name {
		return nil, fmt.Errorf("no recording for %q", scenario)
	}
	return m.doc, nil
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Encode the recording and load it through a recording.Loader
//  2. Start a replay session on a fresh manual clock
//  3. Execute steps in order
//  4. Evaluate assertions against the trace and final state
func Run(scenario *Scenario) (*Result, error) {
	doc, err := scenarioDocument(scenario)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loader := recording.NewLoader(memSource{name: scenario.Name, doc: doc}, nil, recording.WithLogger(logger))

	h := &Harness{
		clock:  testutil.NewManualClock(epoch),
		logger: logger,
		result: NewResult(),
	}
	h.session = session.New(
		session.WithLoader(loader),
		session.WithClock(h.clock),
		session.WithTokenGenerator(testutil.FixedToken(scenario.Token)),
		session.WithObserver(h.observe),
		session.WithLogger(logger),
	)
	defer h.session.Close()

	ctx := context.Background()
	r, err := h.session.StartReplay(ctx, scenario.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to start replay: %w", err)
	}
	h.result.Token = r.Token

	if scenario.Speed > 0 {
		if err := h.session.SetSpeed(ctx, scenario.Speed); err != nil {
			return nil, fmt.Errorf("failed to set speed: %w", err)
		}
	}

	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	h.result.Status = h.session.Run().Status
	h.result.State = h.session.State()
	h.result.Violations = h.session.Violations()

	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// scenarioDocument returns the recorded JSON document for scenario.
func scenarioDocument(s *Scenario) ([]byte, error) {
	if s.RecordingFile != "" {
		doc, err := os.ReadFile(s.RecordingFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read recording: %w", err)
		}
		return doc, nil
	}
	doc, err := json.Marshal(s.Recording)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recording: %w", err)
	}
	return doc, nil
}

func (h *Harness) executeStep(ctx context.Context, step Step) error {
	switch {
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)

	case step.Control != "":
		var err error
		switch step.Control {
		case ControlPause:
			err = h.session.Pause(ctx)
		case ControlResume:
			err = h.session.Resume(ctx)
		case ControlStop:
			err = h.session.Stop(ctx)
		}
		entry := TraceEntry{
			Kind:   EntryControl,
			At:     h.clock.Elapsed(),
			Action: step.Control,
			Status: h.session.Run().Status,
		}
		if err != nil {
			entry.Err = err.Error()
		}
		h.result.Trace = append(h.result.Trace, entry)

	case step.Speed != 0:
		entry := TraceEntry{Kind: EntrySpeed, At: h.clock.Elapsed(), Speed: step.Speed}
		if err := h.session.SetSpeed(ctx, step.Speed); err != nil {
			entry.Err = err.Error()
		}
		h.result.Trace = append(h.result.Trace, entry)

	case step.Drain:
		return h.drain()
	}
	return nil
}

// drain advances the clock to each pending timer until the run finishes.
func (h *Harness) drain() error {
	for i := 0; i < maxDrainTicks; i++ {
		select {
		case <-h.session.Done():
			return nil
		default:
		}
		d, ok := h.clock.NextIn()
		if !ok {
			return fmt.Errorf("drain: run is %s with no tick pending", h.session.Run().Status)
		}
		h.clock.Advance(d)
	}
	return fmt.Errorf("drain: not done after %d ticks", maxDrainTicks)
}

func (h *Harness) observe(b playback.Batch) {
	h.result.Trace = append(h.result.Trace, TraceEntry{
		Kind:       EntryTick,
		At:         h.clock.Elapsed(),
		Tick:       b.Tick,
		Routed:     kinds(b.Routed),
		Events:     kinds(b.Events),
		UserNumber: b.UserNumber,
		Position:   b.Position,
		Final:      b.Final,
	})
}

func kinds(events []event.Event) []event.Kind {
	out := make([]event.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}
