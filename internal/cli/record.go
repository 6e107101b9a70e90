package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/EducatedBernie/Converge/internal/control"
	"github.com/EducatedBernie/Converge/internal/event"
	"github.com/EducatedBernie/Converge/internal/recording"
	"github.com/EducatedBernie/Converge/internal/run"
	"github.com/EducatedBernie/Converge/internal/store"
)

// RecordOptions holds flags for the record command.
type RecordOptions struct {
	WatchOptions
	Label  string
	Output string
	Import bool
}

// RecordResult is printed after a recording is written.
type RecordResult struct {
	Scenario string `json:"scenario"`
	RunID    string `json:"run_id"`
	Path     string `json:"path,omitempty"`
	Events   int    `json:"events"`
	Users    int    `json:"users"`
	Complete bool   `json:"complete"`
	Archived bool   `json:"archived"`
}

func (r RecordResult) String() string {
	s := fmt.Sprintf("Recorded %s from run %s: %d events, %d users", r.Scenario, r.RunID, r.Events, r.Users)
	if !r.Complete {
		s += " (incomplete, no sim_ended)"
	}
	if r.Path != "" {
		s += "\n  wrote " + r.Path
	}
	if r.Archived {
		s += "\n  archived"
	}
	return s
}

// NewRecordCommand creates the record command.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{WatchOptions: WatchOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "record <scenario>",
		Short: "Record a live simulation for later replay",
		Long: `Start a live simulation and capture its full event stream, together with
the backend's variant and persona tables, as a recording document.

The document is written to <recordings>/<scenario>.json unless --output is
given, and is also stored in the archive with --import.

Examples:
  converge record baseline --users 500
  converge record skeptic-heavy --scenario skeptic-heavy --import --archive ./converge.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Scenario, "scenario", "", "catalog scenario supplying users and mix")
	cmd.Flags().IntVar(&opts.Users, "users", 0, "total simulated users")
	cmd.Flags().StringSliceVar(&opts.Mix, "mix", nil, "population mix as persona=weight pairs")
	cmd.Flags().StringVar(&opts.Label, "label", "", "human-readable label stored with the recording")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default <recordings>/<scenario>.json)")
	cmd.Flags().BoolVar(&opts.Import, "import", false, "also store the recording in the archive")

	return cmd
}

// collector gathers every frame of one run until sim_ended, keeping the
// payload as received next to its decoded event.
type collector struct {
	mu     sync.Mutex
	events []event.Event
	frames []json.RawMessage
	ended  chan struct{}
	once   sync.Once
}

func (c *collector) add(ev event.Event, data []byte) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.frames = append(c.frames, data)
	c.mu.Unlock()
	if ev.Kind() == event.KindSimEnded {
		c.once.Do(func() { close(c.ended) })
	}
}

func (c *collector) snapshot() ([]event.Event, []json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.events), slices.Clone(c.frames)
}

func runRecord(opts *RecordOptions, name string, cmd *cobra.Command) error {
	if !recording.ValidScenario(name) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid scenario name %q", name))
	}
	users, mix, _, err := liveRunParams(&opts.WatchOptions)
	if err != nil {
		return err
	}
	mix, err = run.NormalizeMix(mix)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --mix", err)
	}

	cfg := opts.config()
	logger := opts.logger()
	formatter := opts.formatter(cmd)

	path := opts.Output
	if path == "" {
		path = filepath.Join(cfg.RecordingsDir, name+".json")
	}
	var archive *store.Store
	if opts.Import {
		if archive, err = openArchive(cfg); err != nil {
			return err
		}
		defer archive.Close()
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	client := newControlClient(cfg, logger)
	resp, err := client.Start(ctx, control.StartRequest{TotalUsers: users, PopulationMix: mix})
	if err != nil {
		_ = formatter.Error("E_START", "backend refused start", err.Error())
		return WrapExitError(ExitFailure, "backend refused start", err)
	}
	runID := resp.RunID.String()
	formatter.VerboseLog("Recording run %s (%d users)", runID, users)

	col := &collector{ended: make(chan struct{})}
	conn := newAdapter(cfg, logger).ConnectFrames(context.WithoutCancel(ctx), runID, col.add)

	select {
	case <-col.ended:
	case <-conn.Done():
	case <-ctx.Done():
		logger.Info("interrupted, stopping run", "run_id", runID)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		if err := client.Stop(stopCtx, runID); err != nil {
			logger.Warn("backend stop failed", "run_id", runID, "error", err)
		}
		stopCancel()
	}
	conn.Close()
	if err := conn.Err(); err != nil {
		logger.Warn("stream ended with error", "run_id", runID, "error", err)
	}

	metaCtx, metaCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer metaCancel()
	variants, err := client.Variants(metaCtx)
	if err != nil {
		logger.Warn("could not fetch variants", "error", err)
	}
	personas, err := client.Personas(metaCtx)
	if err != nil {
		logger.Warn("could not fetch personas", "error", err)
	}

	events, frames := col.snapshot()
	rec := &recording.Recording{
		RecordedAt:    time.Now().UTC(),
		Scenario:      name,
		Label:         opts.Label,
		PopulationMix: mix,
		TotalUsers:    users,
		Variants:      variants,
		Personas:      personas,
		Events:        events,
		Frames:        frames,
	}
	var buf bytes.Buffer
	if err := recording.Write(&buf, rec); err != nil {
		return WrapExitError(ExitFailure, "failed to encode recording", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create output directory", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return WrapExitError(ExitCommandError, "failed to write recording", err)
	}

	result := RecordResult{
		Scenario: name,
		RunID:    runID,
		Path:     path,
		Events:   len(rec.Events),
		Users:    lastUser(rec.Events),
		Complete: rec.Terminated(),
	}
	if archive != nil {
		if _, err := archive.PutRecording(context.WithoutCancel(ctx), archiveEntry(name, rec, buf.Bytes())); err != nil {
			return WrapExitError(ExitFailure, "failed to archive recording", err)
		}
		result.Archived = true
	}
	return formatter.Success(result)
}

// lastUser returns the highest user_number in events.
func lastUser(events []event.Event) int {
	n := 0
	for _, ev := range events {
		if u, ok := event.UserNumberOf(ev); ok && u > n {
			n = u
		}
	}
	return n
}

func archiveEntry(name string, rec *recording.Recording, doc []byte) store.Entry {
	e := store.Entry{
		Scenario:   name,
		Label:      rec.Label,
		EventCount: len(rec.Events),
		Document:   doc,
	}
	if !rec.RecordedAt.IsZero() {
		e.RecordedAt = rec.RecordedAt.UTC().Format(time.RFC3339)
	}
	return e
}
