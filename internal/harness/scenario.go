package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines one playback scenario: a recording, a timeline of
// steps against it, and assertions on the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Token is the fixed playback token. If empty, testutil.FixedToken's
	// default is used.
	Token string `yaml:"token,omitempty"`

	// Speed is applied right after the run starts. Zero keeps the default.
	Speed float64 `yaml:"speed,omitempty"`

	// Recording is an inline recorded document (same shape as the JSON file).
	Recording map[string]any `yaml:"recording,omitempty"`

	// RecordingFile names a recorded JSON document instead. Relative paths
	// are resolved against the scenario file's directory by LoadScenario.
	RecordingFile string `yaml:"recording_file,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one timeline action. Exactly one field is set.
type Step struct {
	Advance string  `yaml:"advance,omitempty"`
	Control string  `yaml:"control,omitempty"`
	Speed   float64 `yaml:"speed,omitempty"`
	Drain   bool    `yaml:"drain,omitempty"`
}

// Control actions.
const (
	ControlPause  = "pause"
	ControlResume = "resume"
	ControlStop   = "stop"
)

// Assertion validates the trace or final state.
type Assertion struct {
	// Type specifies the assertion type; see the package documentation.
	Type string `yaml:"type"`

	// Status is the expected run status (final_status).
	Status string `yaml:"status,omitempty"`

	// Count is the expected number (user_count, conversions, batch_count, violations).
	Count int `yaml:"count"`

	// Users are the expected batch user numbers in order (batch_users).
	Users []int `yaml:"users,omitempty"`

	// At is the expected clock offset (completed_at).
	At string `yaml:"at,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalStatus = "final_status"
	AssertUserCount   = "user_count"
	AssertConversions = "conversions"
	AssertBatchCount  = "batch_count"
	AssertBatchUsers  = "batch_users"
	AssertViolations  = "violations"
	AssertCompletedAt = "completed_at"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.RecordingFile != "" && !filepath.IsAbs(scenario.RecordingFile) {
		scenario.RecordingFile = filepath.Join(filepath.Dir(path), scenario.RecordingFile)
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if (s.Recording == nil) == (s.RecordingFile == "") {
		return fmt.Errorf("exactly one of recording and recording_file is required")
	}
	if s.Speed < 0 {
		return fmt.Errorf("speed must be positive")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st Step) error {
	set := 0
	if st.Advance != "" {
		set++
		if d, err := time.ParseDuration(st.Advance); err != nil || d < 0 {
			return fmt.Errorf("steps[%d]: advance %q is not a non-negative duration", index, st.Advance)
		}
	}
	if st.Control != "" {
		set++
		switch st.Control {
		case ControlPause, ControlResume, ControlStop:
		default:
			return fmt.Errorf("steps[%d]: unknown control %q", index, st.Control)
		}
	}
	if st.Speed != 0 {
		set++
	}
	if st.Drain {
		set++
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of advance, control, speed, drain is required", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFinalStatus:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for final_status", index)
		}
	case AssertUserCount, AssertConversions, AssertBatchCount, AssertViolations:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertBatchUsers:
		if a.Users == nil {
			return fmt.Errorf("assertions[%d]: users list is required for batch_users", index)
		}
	case AssertCompletedAt:
		if _, err := time.ParseDuration(a.At); err != nil {
			return fmt.Errorf("assertions[%d]: at must be a duration for completed_at", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
