package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EducatedBernie/Converge/internal/recording"
)

func TestValidate_ValidRecordings(t *testing.T) {
	out, _, err := execute(t, "validate", "--format", "json",
		"testdata/recordings/three_users.json", "testdata/recordings/unterminated.json")
	require.NoError(t, err)

	var result ValidationResult
	dataAs(t, lastResponse(t, out), &result)
	assert.True(t, result.Valid)
	require.Len(t, result.Files, 2)

	assert.Equal(t, FileValidation{
		File:       "testdata/recordings/three_users.json",
		Valid:      true,
		Events:     9,
		Users:      3,
		Terminated: true,
	}, result.Files[0])

	assert.True(t, result.Files[1].Valid)
	assert.False(t, result.Files[1].Terminated)
	assert.Equal(t, 1, result.Files[1].Unknown)
}

func TestValidate_InvalidRecordings(t *testing.T) {
	tests := []struct {
		file string
		code recording.LoadErrorCode
	}{
		{"testdata/invalid/no_events.json", recording.ErrCodeSchemaViolation},
		{"testdata/invalid/empty_type.json", recording.ErrCodeSchemaViolation},
		{"testdata/invalid/bad_step.json", recording.ErrCodeInvalidEvent},
		{"testdata/invalid/missing.json", recording.ErrCodeFetchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			out, _, err := execute(t, "validate", "--format", "json", tt.file)
			require.Error(t, err)
			assert.Equal(t, ExitFailure, ExitCode(err))

			var result ValidationResult
			dataAs(t, lastResponse(t, out), &result)
			assert.False(t, result.Valid)
			require.Len(t, result.Files, 1)
			assert.False(t, result.Files[0].Valid)
			assert.Equal(t, string(tt.code), result.Files[0].Code)
			assert.NotEmpty(t, result.Files[0].Error)
		})
	}
}

func TestValidate_TextOutput(t *testing.T) {
	out, _, err := execute(t, "validate", "testdata/recordings/three_users.json", "testdata/invalid/bad_step.json")
	require.Error(t, err)

	assert.Contains(t, out, "✓ testdata/recordings/three_users.json: 9 events, 3 users")
	assert.Contains(t, out, "✗ testdata/invalid/bad_step.json")
	assert.Contains(t, out, "1 of 2 recording(s) invalid")
}
