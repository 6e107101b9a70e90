package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/EducatedBernie/Converge/internal/reducer"
	"github.com/EducatedBernie/Converge/internal/run"
	"github.com/EducatedBernie/Converge/internal/session"
)

// staleCheckInterval is how often watch checks for a run stuck in starting.
const staleCheckInterval = time.Second

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Scenario string
	Users    int
	Mix      []string
	Speed    float64
	Quiet    bool
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Start a live simulation and follow it",
		Long: `Ask the backend to start a simulation and follow its event stream.

Pause, resume, and speed changes go to the backend first. Interrupting the
command stops the run on the backend. A run that never produces an event
within the start timeout is abandoned.

Exit codes:
  0 - Run completed or was interrupted
  1 - Backend refused the run, the stream failed, or the run never started
  2 - Command error (bad flags)

Examples:
  converge watch --users 200
  converge watch --mix skeptical=0.6,casual=0.4 --speed 10
  converge watch --scenario skeptic-heavy --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Scenario, "scenario", "", "catalog scenario supplying users, mix, and speed")
	cmd.Flags().IntVar(&opts.Users, "users", 0, "total simulated users (default from scenario or config)")
	cmd.Flags().StringSliceVar(&opts.Mix, "mix", nil, "population mix as persona=weight pairs")
	cmd.Flags().Float64Var(&opts.Speed, "speed", 0, "playback speed multiplier")
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "print only the final summary")

	return cmd
}

// liveRunParams resolves users, mix, and speed from flags, the catalog
// scenario, and config, in that order.
func liveRunParams(opts *WatchOptions) (users int, mix map[string]float64, speed float64, err error) {
	cfg := opts.config()
	users, speed = cfg.TotalUsers, cfg.Speed
	mix = run.DefaultPopulationMix()
	if len(cfg.Personas) > 0 {
		mix = make(map[string]float64, len(cfg.Personas))
		for _, p := range cfg.Personas {
			mix[p] = 1
		}
	}

	if opts.Scenario != "" {
		cat, err := openCatalog(cfg)
		if err != nil {
			return 0, nil, 0, WrapExitError(ExitCommandError, "failed to load catalog", err)
		}
		sc, ok := cat.Lookup(opts.Scenario)
		if !ok {
			return 0, nil, 0, NewExitError(ExitCommandError, fmt.Sprintf("unknown scenario %q", opts.Scenario))
		}
		users, speed = sc.TotalUsers, sc.Speed
		if len(sc.PopulationMix) > 0 {
			mix = sc.PopulationMix
		}
	}

	if opts.Users != 0 {
		users = opts.Users
	}
	if users <= 0 {
		return 0, nil, 0, NewExitError(ExitCommandError, "--users must be positive")
	}
	if len(opts.Mix) > 0 {
		if mix, err = parseMix(opts.Mix); err != nil {
			return 0, nil, 0, WrapExitError(ExitCommandError, "invalid --mix", err)
		}
	}
	if opts.Speed != 0 {
		speed = opts.Speed
	}
	if err := run.ValidateSpeed(speed); err != nil {
		return 0, nil, 0, WrapExitError(ExitCommandError, "invalid --speed", err)
	}
	return users, mix, speed, nil
}

// parseMix parses persona=weight pairs.
func parseMix(pairs []string) (map[string]float64, error) {
	mix := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%q: want persona=weight", pair)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", pair, err)
		}
		mix[strings.TrimSpace(name)] = w
	}
	if err := run.ValidateMix(mix); err != nil {
		return nil, err
	}
	return mix, nil
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	users, mix, speed, err := liveRunParams(opts)
	if err != nil {
		return err
	}

	cfg := opts.config()
	logger := opts.logger()
	formatter := opts.formatter(cmd)

	var sess *session.Session
	sessOpts := []session.Option{
		session.WithLive(newControlClient(cfg, logger), newAdapter(cfg, logger)),
		session.WithLogger(logger),
		// A non-default speed is forwarded once the backend run is active.
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
	r, err := sess.StartLive(ctx, users, mix)
	if err != nil {
		_ = formatter.Error("E_START", "backend refused start", err.Error())
		return WrapExitError(ExitFailure, "backend refused start", err)
	}
	formatter.Token = r.Token
	formatter.VerboseLog("Following run %s with %d users (token %s)", r.ID, users, r.Token)

	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-sess.Done():
			break wait
		case <-ctx.Done():
			logger.Info("interrupted, stopping run", "run_id", r.ID)
			stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
			if err := sess.Stop(stopCtx); err != nil {
				logger.Warn("backend stop failed", "run_id", r.ID, "error", err)
			}
			stopCancel()
			break wait
		case <-ticker.C:
			if sess.AbortIfStale(ctx, cfg.StartTimeout) {
				_ = formatter.Error("E_STALE", "run never started", fmt.Sprintf("no event within %s", cfg.StartTimeout))
				return NewExitError(ExitFailure, fmt.Sprintf("run %s never started", r.ID))
			}
		}
	}

	summary := newRunSummary(sess.Mode(), sess.Run(), sess.State(), sess.Violations(), time.Since(started))
	if err := sess.Err(); err != nil {
		_ = formatter.Error("E_STREAM", "stream halted", err.Error())
		return WrapExitError(ExitFailure, "stream halted", err)
	}
	return formatter.Success(summary)
}
