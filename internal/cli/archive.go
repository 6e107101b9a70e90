package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/EducatedBernie/Converge/internal/recording"
	"github.com/EducatedBernie/Converge/internal/store"
)

// ArchiveImportResult reports one imported file.
type ArchiveImportResult struct {
	File     string `json:"file"`
	Scenario string `json:"scenario"`
	Events   int    `json:"events"`
	Changed  bool   `json:"changed"`
	Error    string `json:"error,omitempty"`
}

// ArchiveImportSummary is the archive import output.
type ArchiveImportSummary struct {
	Results  []ArchiveImportResult `json:"results"`
	Imported int                   `json:"imported"`
	Failed   int                   `json:"failed"`
}

func (s ArchiveImportSummary) String() string {
	var sb strings.Builder
	for _, r := range s.Results {
		switch {
		case r.Error != "":
			fmt.Fprintf(&sb, "✗ %s: %s\n", r.File, r.Error)
		case r.Changed:
			fmt.Fprintf(&sb, "✓ %s -> %s (%d events)\n", r.File, r.Scenario, r.Events)
		default:
			fmt.Fprintf(&sb, "= %s -> %s (unchanged)\n", r.File, r.Scenario)
		}
	}
	fmt.Fprintf(&sb, "%d imported, %d failed", s.Imported, s.Failed)
	return sb.String()
}

// ArchiveList is the archive list output.
type ArchiveList struct {
	Recordings []ArchiveListEntry `json:"recordings"`
}

// ArchiveListEntry is one archived recording, without its document.
type ArchiveListEntry struct {
	Scenario   string `json:"scenario"`
	Label      string `json:"label,omitempty"`
	RecordedAt string `json:"recorded_at,omitempty"`
	Events     int    `json:"events"`
	Digest     string `json:"digest"`
}

func (l ArchiveList) String() string {
	if len(l.Recordings) == 0 {
		return "Archive is empty."
	}
	var sb strings.Builder
	for i, r := range l.Recordings {
		if i > 0 {
			sb.WriteByte('\n')
		}
		digest := r.Digest
		if len(digest) > 12 {
			digest = digest[:12]
		}
		fmt.Fprintf(&sb, "%-24s %6d events  %s  %s", r.Scenario, r.Events, digest, r.Label)
	}
	return sb.String()
}

// NewArchiveCommand creates the archive command group.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Manage the SQLite recording archive",
		Long: `Import, list, and remove recordings in the archive named by --archive
or CONVERGE_ARCHIVE. Replay reads from the archive whenever one is configured.`,
	}

	cmd.AddCommand(newArchiveImportCommand(rootOpts))
	cmd.AddCommand(newArchiveListCommand(rootOpts))
	cmd.AddCommand(newArchiveRemoveCommand(rootOpts))
	return cmd
}

func newArchiveImportCommand(rootOpts *RootOptions) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Validate and import recording files",
		Long: `Validate each recording file and store it in the archive under its file
name (without .json). Re-importing an identical document is a no-op.

Exit codes:
  0 - All files imported
  1 - One or more files were invalid
  2 - Command error (no archive configured, etc.)`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name != "" && len(args) > 1 {
				return NewExitError(ExitCommandError, "--name needs exactly one file")
			}
			return runArchiveImport(rootOpts, args, name, cmd)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "scenario name to store a single file under")
	return cmd
}

func runArchiveImport(opts *RootOptions, files []string, name string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	st, err := openArchive(opts.config())
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	summary := ArchiveImportSummary{Results: make([]ArchiveImportResult, 0, len(files))}
	for _, file := range files {
		scenario := name
		if scenario == "" {
			scenario = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		}
		res := importFile(ctx, st, file, scenario)
		if res.Error != "" {
			summary.Failed++
		} else {
			summary.Imported++
		}
		summary.Results = append(summary.Results, res)
	}

	if err := formatter.Success(summary); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d file(s) failed to import", summary.Failed))
	}
	return nil
}

func importFile(ctx context.Context, st *store.Store, file, scenario string) ArchiveImportResult {
	res := ArchiveImportResult{File: file, Scenario: scenario}
	if !recording.ValidScenario(scenario) {
		res.Error = fmt.Sprintf("invalid scenario name %q", scenario)
		return res
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	rec, err := recording.Parse(scenario, raw)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Events = len(rec.Events)

	changed, err := st.PutRecording(ctx, archiveEntry(scenario, rec, raw))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Changed = changed
	return res
}

func newArchiveListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List archived recordings",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			st, err := openArchive(rootOpts.config())
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.ListRecordings(context.Background())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list archive", err)
			}
			list := ArchiveList{Recordings: make([]ArchiveListEntry, len(entries))}
			for i, e := range entries {
				list.Recordings[i] = ArchiveListEntry{
					Scenario:   e.Scenario,
					Label:      e.Label,
					RecordedAt: e.RecordedAt,
					Events:     e.EventCount,
					Digest:     e.Digest,
				}
			}
			return formatter.Success(list)
		},
	}
}

func newArchiveRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "rm <scenario>",
		Short:         "Remove a recording from the archive",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			st, err := openArchive(rootOpts.config())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteRecording(context.Background(), args[0]); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return WrapExitError(ExitFailure, fmt.Sprintf("%s is not archived", args[0]), err)
				}
				return WrapExitError(ExitCommandError, "failed to remove recording", err)
			}
			return formatter.Success(fmt.Sprintf("Removed %s", args[0]))
		},
	}
}
