package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// lastResponse decodes the final JSON object of NDJSON output.
func lastResponse(t *testing.T, out string) Response {
	t.Helper()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &resp), "output: %s", out)
	return resp
}

// dataAs re-decodes a response's data payload into v.
func dataAs(t *testing.T, resp Response, v any) {
	t.Helper()

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"replay", "watch", "record", "scenarios", "archive", "validate", "test"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"verbose", "format", "backend", "recordings", "recordings-url", "archive", "catalog"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "missing flag --%s", name)
	}
	f := cmd.PersistentFlags().Lookup("format")
	assert.Equal(t, "text", f.DefValue)
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	_, _, err := execute(t, "--format", "xml", "scenarios")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestRootCommand_InvalidEnvironment(t *testing.T) {
	t.Setenv("CONVERGE_SPEED", "-1")

	_, _, err := execute(t, "scenarios")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestRootCommand_FlagOverridesEnvironment(t *testing.T) {
	t.Setenv("CONVERGE_RECORDINGS_DIR", t.TempDir())

	out, _, err := execute(t, "replay", "three_users",
		"--recordings", "testdata/recordings",
		"--speed", "1000", "--quiet", "--format", "json")

	require.NoError(t, err)
	assert.Equal(t, "ok", lastResponse(t, out).Status)
}

func TestRootCommand_EnvironmentUsedWithoutFlag(t *testing.T) {
	t.Setenv("CONVERGE_RECORDINGS_DIR", "testdata/recordings")

	out, _, err := execute(t, "replay", "three_users", "--speed", "1000", "-q", "--format", "json")

	require.NoError(t, err)
	assert.Equal(t, "ok", lastResponse(t, out).Status)
}
