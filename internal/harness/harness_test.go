package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EducatedBernie/Converge/internal/recording"
	"github.com/EducatedBernie/Converge/internal/run"
)

func TestScenarios_Golden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(strings.TrimSuffix(filepath.Base(path), ".yaml"), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "assertion failures:\n%s", strings.Join(result.Errors, "\n"))
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/pause_resume.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, string(FormatTrace("a", first)), string(FormatTrace("a", second)))
}

func TestRun_MinimalRecording(t *testing.T) {
	scenario, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	assert.Equal(t, run.StatusCompleted, result.Status)
	assert.Equal(t, "test-token-default", result.Token)

	require.Len(t, result.Trace, 1)
	assert.True(t, result.Trace[0].Final)
	assert.Equal(t, -1, result.Trace[0].UserNumber)
	assert.Empty(t, result.Batches())
}

func TestRun_FailedAssertionsReported(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: wrong
description: "every assertion is off by one"
recording_file: testdata/recordings/three_users.json
speed: 50
steps:
  - drain: true
assertions:
  - type: final_status
    status: paused
  - type: user_count
    count: 4
  - type: batch_users
    users: [1, 2]
  - type: completed_at
    at: 60ms
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "Assertion failed: final_status")
	assert.Contains(t, result.Errors[0], "Actual: completed")
	assert.Contains(t, result.Errors[1], "Expected: 4")
	assert.Contains(t, result.Errors[2], "Actual: [1 2 3]")
	assert.Contains(t, result.Errors[3], "Actual: 40ms")
	assert.Contains(t, result.Errors[3], "Full trace:")
}

func TestRun_InvalidSpeedStepRecorded(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: bad_speed
description: "a rejected speed is traced with its error"
recording_file: testdata/recordings/three_users.json
steps:
  - advance: 0s
  - speed: -1
  - drain: true
assertions:
  - type: completed_at
    at: 400ms
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)

	trace := string(FormatTrace(scenario.Name, result))
	assert.Contains(t, trace, `+0ms speed -1 error="speed must be a positive number: -1"`)
}

func TestRun_SchemaViolation(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: broken
description: "events entries need a type"
recording:
  events:
    - { message: "untyped" }
steps:
  - drain: true
assertions:
  - type: violations
    count: 0
`))
	require.NoError(t, err)

	_, err = Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start replay")

	var le *recording.LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, recording.ErrCodeSchemaViolation, le.Code)
}

func TestRun_MissingRecordingFile(t *testing.T) {
	scenario, err := ParseScenario([]byte(strings.Replace(minimalScenario,
		"recording:\n  events:\n    - { type: sim_ended, total_users: 0 }",
		"recording_file: testdata/recordings/absent.json", 1)))
	require.NoError(t, err)

	_, err = Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read recording")
}
