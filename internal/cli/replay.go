package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/EducatedBernie/Converge/internal/reducer"
	"github.com/EducatedBernie/Converge/internal/recording"
	"github.com/EducatedBernie/Converge/internal/run"
	"github.com/EducatedBernie/Converge/internal/session"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Speed float64
	Quiet bool
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <scenario>",
		Short: "Replay a recorded simulation",
		Long: `Replay a recorded simulation, one user per tick.

The scenario is looked up in the catalog for its recording name and default
speed; names not in the catalog are loaded as recordings directly. The
recording comes from the archive if one is configured, else from
--recordings-url, else from <recordings>/<name>.json.

Exit codes:
  0 - Replay completed
  1 - Recording could not be loaded
  2 - Command error (bad flags, unreadable catalog, etc.)

Examples:
  converge replay simulation-recording
  converge replay skeptic-heavy --speed 25
  converge replay baseline --recordings ./testdata --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().Float64Var(&opts.Speed, "speed", 0, "playback speed multiplier (default from catalog or config)")
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "print only the final summary")

	return cmd
}

func runReplay(opts *ReplayOptions, name string, cmd *cobra.Command) error {
	cfg := opts.config()
	logger := opts.logger()
	formatter := opts.formatter(cmd)

	cat, err := openCatalog(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load catalog", err)
	}
	recordingName, speed := name, cfg.Speed
	if sc, ok := cat.Lookup(name); ok {
		recordingName, speed = sc.Recording, sc.Speed
		formatter.VerboseLog("Scenario %s uses recording %s", name, recordingName)
	}
	if opts.Speed != 0 {
		speed = opts.Speed
	}
	if err := run.ValidateSpeed(speed); err != nil {
		return WrapExitError(ExitCommandError, "invalid --speed", err)
	}

	src, closeSource, err := recordingSource(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSource(); err != nil {
			logger.Error("error closing recording source", "error", err)
		}
	}()
	loader := recording.NewLoader(src, nil,
		recording.WithFetchTimeout(cfg.FetchTimeout),
		recording.WithLogger(logger),
	)

	var sess *session.Session
	sessOpts := []session.Option{
		session.WithLoader(loader),
		session.WithLogger(logger),
		session.WithSpeed(speed),
	}
	if !opts.Quiet {
		sessOpts = append(sessOpts, session.WithObserver(batchPrinter(formatter, func() reducer.State { return sess.State() })))
	}
	sess = session.New(sessOpts...)
	defer sess.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	started := time.Now()
	r, err := sess.StartReplay(ctx, recordingName)
	if err != nil {
		_ = formatter.Error("E_LOAD", fmt.Sprintf("failed to load recording %q", recordingName), err.Error())
		return WrapExitError(ExitFailure, "failed to load recording", err)
	}
	formatter.Token = r.Token
	formatter.VerboseLog("Replaying %s at %gx (token %s)", recordingName, speed, r.Token)

	select {
	case <-sess.Done():
	case <-ctx.Done():
		logger.Info("interrupted, stopping replay")
		_ = sess.Stop(context.Background())
	}

	summary := newRunSummary(sess.Mode(), sess.Run(), sess.State(), sess.Violations(), time.Since(started))
	summary.Scenario = name
	summary.RunID = ""
	// The loader still holds the recording; this is a cache hit.
	if rec, err := loader.Load(context.Background(), recordingName); err == nil {
		summary.describe(rec)
	}
	return formatter.Success(summary)
}
