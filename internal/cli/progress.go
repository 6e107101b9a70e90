package cli

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/EducatedBernie/Converge/internal/event"
	"github.com/EducatedBernie/Converge/internal/playback"
	"github.com/EducatedBernie/Converge/internal/recording"
	"github.com/EducatedBernie/Converge/internal/reducer"
	"github.com/EducatedBernie/Converge/internal/run"
)

// BatchLine is the progress record printed for every applied tick.
type BatchLine struct {
	Tick        int      `json:"tick"`
	User        int      `json:"user,omitempty"`
	Events      []string `json:"events,omitempty"`
	Routed      []string `json:"routed,omitempty"`
	Conversions int      `json:"conversions"`
	Final       bool     `json:"final,omitempty"`
}

func (b BatchLine) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "tick %-4d", b.Tick)
	if b.User > 0 {
		fmt.Fprintf(&sb, " user %-5d", b.User)
	} else {
		sb.WriteString(" user -    ")
	}
	fmt.Fprintf(&sb, " conversions %-4d", b.Conversions)
	if len(b.Routed) > 0 {
		fmt.Fprintf(&sb, " routed %s", strings.Join(b.Routed, ","))
	}
	if len(b.Events) > 0 {
		fmt.Fprintf(&sb, " events %s", strings.Join(b.Events, ","))
	}
	if b.Final {
		sb.WriteString(" (end)")
	}
	return sb.String()
}

// batchPrinter returns an observer writing one BatchLine per tick.
// stateFn supplies the reducer state after the batch was applied.
func batchPrinter(f *OutputFormatter, stateFn func() reducer.State) playback.Observer {
	return func(b playback.Batch) {
		f.Progress(BatchLine{
			Tick:        b.Tick,
			User:        max(b.UserNumber, 0),
			Events:      kindNames(b.Events),
			Routed:      kindNames(b.Routed),
			Conversions: stateFn().Conversions,
			Final:       b.Final,
		})
	}
}

func kindNames(events []event.Event) []string {
	if len(events) == 0 {
		return nil
	}
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = string(ev.Kind())
	}
	return out
}

// VariantRow is one allocation row of a summary. Step and Generation are
// known only when the recording carried variant metadata.
type VariantRow struct {
	VariantID   int     `json:"variant_id"`
	Exposures   int     `json:"exposures"`
	Conversions int     `json:"conversions"`
	Rate        float64 `json:"rate"`
	Step        int     `json:"step,omitempty"`
	Generation  int     `json:"generation,omitempty"`
}

// RunSummary is printed when a replay or live run ends.
type RunSummary struct {
	Mode        string         `json:"mode"`
	Scenario    string         `json:"scenario,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	Status      run.Status     `json:"status"`
	Users       int            `json:"users"`
	Events      int            `json:"events"`
	Conversions int            `json:"conversions"`
	Violations  int            `json:"violations"`
	Personas    map[string]int `json:"personas,omitempty"`
	Variants    []VariantRow   `json:"variants"`
	Elapsed     string         `json:"elapsed"`
	// PersonaNotes maps persona names to their recorded descriptions.
	PersonaNotes map[string]string `json:"persona_notes,omitempty"`
}

func newRunSummary(mode playback.Mode, r run.Run, st reducer.State, violations int, elapsed time.Duration) RunSummary {
	s := RunSummary{
		Mode:        mode.String(),
		RunID:       r.ID,
		Status:      r.Status,
		Users:       st.UserCount,
		Events:      st.EventsApplied,
		Conversions: st.Conversions,
		Violations:  violations,
		Personas:    st.PersonaCounts,
		Variants:    make([]VariantRow, len(st.Snapshot)),
		Elapsed:     elapsed.Round(time.Millisecond).String(),
	}
	for i, v := range st.Snapshot {
		s.Variants[i] = VariantRow{VariantID: v.VariantID, Exposures: v.Exposures, Conversions: v.Conversions, Rate: v.Rate}
	}
	return s
}

// describe fills in variant and persona metadata from rec.
func (s *RunSummary) describe(rec *recording.Recording) {
	for i, row := range s.Variants {
		if v, ok := rec.Variant(row.VariantID); ok {
			s.Variants[i].Step = v.StepID
			s.Variants[i].Generation = v.Generation
		}
	}
	for name := range s.Personas {
		p, ok := rec.Persona(name)
		if !ok || p.Description == "" {
			continue
		}
		if s.PersonaNotes == nil {
			s.PersonaNotes = make(map[string]string)
		}
		s.PersonaNotes[name] = p.Description
	}
}

func (s RunSummary) String() string {
	var sb strings.Builder
	name := s.Scenario
	if name == "" {
		name = s.RunID
	}
	fmt.Fprintf(&sb, "%s %s: %s after %s\n", s.Mode, name, s.Status, s.Elapsed)
	fmt.Fprintf(&sb, "  users %d, events %d, conversions %d", s.Users, s.Events, s.Conversions)
	if s.Violations > 0 {
		fmt.Fprintf(&sb, ", %d out-of-order dropped", s.Violations)
	}
	for _, v := range s.Variants {
		fmt.Fprintf(&sb, "\n  variant %-4d exposures %-6d conversions %-6d rate %.3f", v.VariantID, v.Exposures, v.Conversions, v.Rate)
		if v.Step > 0 {
			fmt.Fprintf(&sb, "  step %d gen %d", v.Step, v.Generation)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(s.Personas)) {
		fmt.Fprintf(&sb, "\n  persona %-12s users %-5d", name, s.Personas[name])
		if note := s.PersonaNotes[name]; note != "" {
			fmt.Fprintf(&sb, " %s", note)
		}
	}
	return sb.String()
}

// signalContext derives a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
