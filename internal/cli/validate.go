package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/EducatedBernie/Converge/internal/event"
	"github.com/EducatedBernie/Converge/internal/recording"
)

// FileValidation is the validation result for one recording file.
type FileValidation struct {
	File       string `json:"file"`
	Valid      bool   `json:"valid"`
	Events     int    `json:"events"`
	Users      int    `json:"users"`
	Terminated bool   `json:"terminated"`
	Unknown    int    `json:"unknown_events,omitempty"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

func (r ValidationResult) String() string {
	var sb strings.Builder
	invalid := 0
	for _, f := range r.Files {
		if !f.Valid {
			invalid++
			fmt.Fprintf(&sb, "✗ %s\n  %s\n", f.File, f.Error)
			continue
		}
		fmt.Fprintf(&sb, "✓ %s: %d events, %d users", f.File, f.Events, f.Users)
		if !f.Terminated {
			sb.WriteString(", no sim_ended")
		}
		if f.Unknown > 0 {
			fmt.Fprintf(&sb, ", %d unknown", f.Unknown)
		}
		sb.WriteByte('\n')
	}
	if invalid == 0 {
		sb.WriteString("✓ All recordings valid")
	} else {
		fmt.Fprintf(&sb, "✗ %d of %d recording(s) invalid", invalid, len(r.Files))
	}
	return sb.String()
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <recording.json>...",
		Short: "Validate recording files",
		Long: `Check recording documents against the recording schema and decode every
event, without replaying them.

Exit codes:
  0 - All recordings valid
  1 - One or more recordings invalid`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, files []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	result := ValidationResult{Valid: true, Files: make([]FileValidation, 0, len(files))}
	for _, file := range files {
		formatter.VerboseLog("Validating %s", file)
		fv := validateFile(file)
		if !fv.Valid {
			result.Valid = false
		}
		result.Files = append(result.Files, fv)
	}

	if err := formatter.Success(result); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

func validateFile(file string) FileValidation {
	fv := FileValidation{File: file}

	raw, err := os.ReadFile(file)
	if err != nil {
		fv.Code = string(recording.ErrCodeFetchFailed)
		fv.Error = err.Error()
		return fv
	}

	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	rec, err := recording.Parse(name, raw)
	if err != nil {
		var le *recording.LoadError
		if errors.As(err, &le) {
			fv.Code = string(le.Code)
		}
		fv.Error = err.Error()
		return fv
	}

	fv.Valid = true
	fv.Events = len(rec.Events)
	fv.Terminated = rec.Terminated()
	users := make(map[int]struct{})
	for _, ev := range rec.Events {
		if n, ok := event.UserNumberOf(ev); ok {
			users[n] = struct{}{}
		}
		if !ev.Kind().Known() {
			fv.Unknown++
		}
	}
	fv.Users = len(users)
	return fv
}
