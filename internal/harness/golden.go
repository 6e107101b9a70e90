package harness

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/EducatedBernie/Converge/internal/event"
)

// FormatTrace renders a result as the line-oriented text stored in golden
// files: a header, one line per trace entry, and the final state.
func FormatTrace(name string, result *Result) []byte {
	var buf strings.Builder

	fmt.Fprintf(&buf, "scenario: %s\n", name)
	fmt.Fprintf(&buf, "token: %s\n", result.Token)
	for _, entry := range result.Trace {
		buf.WriteString(formatEntry(entry))
		buf.WriteByte('\n')
	}

	st := result.State
	fmt.Fprintf(&buf, "final: status=%s users=%d applied=%d conversions=%d recent=%d violations=%d\n",
		result.Status, st.UserCount, st.EventsApplied, st.Conversions, len(st.Recent), result.Violations)

	names := make([]string, 0, len(st.PersonaCounts))
	for name := range st.PersonaCounts {
		names = append(names, name)
	}
	sort.Strings(names)
	buf.WriteString("personas:")
	for _, name := range names {
		fmt.Fprintf(&buf, " %s=%d", name, st.PersonaCounts[name])
	}
	buf.WriteString("\nsnapshot:")
	for _, row := range st.Snapshot {
		fmt.Fprintf(&buf, " %d:%d/%d", row.VariantID, row.Exposures, row.Conversions)
	}
	buf.WriteByte('\n')

	return []byte(buf.String())
}

func formatEntry(e TraceEntry) string {
	at := fmt.Sprintf("+%dms", e.At.Milliseconds())

	var line string
	switch e.Kind {
	case EntryTick:
		user := "-"
		if e.UserNumber >= 0 {
			user = strconv.Itoa(e.UserNumber)
		}
		line = fmt.Sprintf("%s tick=%d routed=%s user=%s events=%s pos=%d",
			at, e.Tick, kindList(e.Routed), user, kindList(e.Events), e.Position)
		if e.Final {
			line += " final"
		}
	case EntryControl:
		line = fmt.Sprintf("%s control %s -> %s", at, e.Action, e.Status)
	case EntrySpeed:
		line = fmt.Sprintf("%s speed %s", at, strconv.FormatFloat(e.Speed, 'g', -1, 64))
	default:
		line = fmt.Sprintf("%s %s", at, e.Kind)
	}
	if e.Err != "" {
		line += " error=" + strconv.Quote(e.Err)
	}
	return line
}

func kindList(kinds []event.Kind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, FormatTrace(scenarioName, result))
}
