package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "One user"
recording:
  events:
    - { type: sim_ended, total_users: 0 }
steps:
  - drain: true
assertions:
  - type: final_status
    status: completed
`

func TestLoadScenario_ValidFile(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/pause_resume.yaml")
	require.NoError(t, err)

	assert.Equal(t, "pause_resume", scenario.Name)
	assert.Equal(t, 50.0, scenario.Speed)
	assert.Equal(t, filepath.Join("testdata", "recordings", "three_users.json"), scenario.RecordingFile)
	require.Len(t, scenario.Steps, 6)
	assert.Equal(t, "0s", scenario.Steps[0].Advance)
	assert.Equal(t, ControlPause, scenario.Steps[1].Control)
	assert.True(t, scenario.Steps[5].Drain)
	assert.Len(t, scenario.Assertions, 3)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_AbsoluteRecordingKept(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "rec.json")
	content := `
name: abs
description: "absolute recording path"
recording_file: ` + abs + `
steps:
  - drain: true
assertions:
  - type: violations
    count: 0
`
	path := filepath.Join(dir, "abs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, abs, scenario.RecordingFile)
}

func TestParseScenario_Inline(t *testing.T) {
	scenario, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)
	require.NotNil(t, scenario.Recording)
	assert.Empty(t, scenario.RecordingFile)
	assert.Empty(t, scenario.Token)
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name: "missing name",
			content: `
description: "x"
recording: { events: [] }
steps: [{ drain: true }]
assertions: [{ type: violations, count: 0 }]
`,
			errMsg: "name is required",
		},
		{
			name: "missing description",
			content: `
name: x
recording: { events: [] }
steps: [{ drain: true }]
assertions: [{ type: violations, count: 0 }]
`,
			errMsg: "description is required",
		},
		{
			name: "no recording",
			content: `
name: x
description: "x"
steps: [{ drain: true }]
assertions: [{ type: violations, count: 0 }]
`,
			errMsg: "exactly one of recording and recording_file",
		},
		{
			name: "both recordings",
			content: `
name: x
description: "x"
recording: { events: [] }
recording_file: a.json
steps: [{ drain: true }]
assertions: [{ type: violations, count: 0 }]
`,
			errMsg: "exactly one of recording and recording_file",
		},
		{
			name: "no steps",
			content: `
name: x
description: "x"
recording: { events: [] }
assertions: [{ type: violations, count: 0 }]
`,
			errMsg: "steps list is required",
		},
		{
			name: "no assertions",
			content: `
name: x
description: "x"
recording: { events: [] }
steps: [{ drain: true }]
`,
			errMsg: "assertions list is required",
		},
		{
			name: "bad duration",
			content: `
name: x
description: "x"
recording: { events: [] }
steps: [{ advance: soon }]
assertions: [{ type: violations, count: 0 }]
`,
			errMsg: "steps[0]: advance",
		},
		{
			name: "two actions in one step",
			content: `
name: x
description: "x"
recording: { events: [] }
steps: [{ drain: true, control: pause }]
assertions: [{ type: violations, count: 0 }]
`,
			errMsg: "steps[0]: exactly one of",
		},
		{
			name: "unknown control",
			content: `
name: x
description: "x"
recording: { events: [] }
steps: [{ control: rewind }]
assertions: [{ type: violations, count: 0 }]
`,
			errMsg: `unknown control "rewind"`,
		},
		{
			name: "final_status without status",
			content: `
name: x
description: "x"
recording: { events: [] }
steps: [{ drain: true }]
assertions: [{ type: final_status }]
`,
			errMsg: "status is required for final_status",
		},
		{
			name: "batch_users without users",
			content: `
name: x
description: "x"
recording: { events: [] }
steps: [{ drain: true }]
assertions: [{ type: batch_users }]
`,
			errMsg: "users list is required",
		},
		{
			name: "unknown assertion",
			content: `
name: x
description: "x"
recording: { events: [] }
steps: [{ drain: true }]
assertions: [{ type: trace_contains }]
`,
			errMsg: `unknown assertion type "trace_contains"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
