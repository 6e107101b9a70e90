package cli

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/EducatedBernie/Converge/internal/catalog"
	"github.com/EducatedBernie/Converge/internal/config"
	"github.com/EducatedBernie/Converge/internal/control"
	"github.com/EducatedBernie/Converge/internal/live"
	"github.com/EducatedBernie/Converge/internal/recording"
	"github.com/EducatedBernie/Converge/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// Config is resolved in the root's pre-run from CONVERGE_* variables
	// and the flags below. Commands built on their own (tests) fall back to
	// config.Default().
	Config *config.Config

	// Logger defaults to a text handler on stderr.
	Logger *slog.Logger

	backendURL    string
	recordingsDir string
	recordingsURL string
	archivePath   string
	catalogDir    string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the converge CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "converge",
		Short: "Converge - bandit simulation playback",
		Long:  "Replays recorded bandit simulations and follows live runs, paced one user at a time.",

		// main prints the error and picks the exit code.
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, err := config.FromEnv()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			opts.applyFlags(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			opts.Config = &cfg

			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			opts.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			slog.SetDefault(opts.Logger)
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.backendURL, "backend", "", "simulation backend URL (env CONVERGE_BACKEND_URL)")
	cmd.PersistentFlags().StringVar(&opts.recordingsDir, "recordings", "", "recordings directory (env CONVERGE_RECORDINGS_DIR)")
	cmd.PersistentFlags().StringVar(&opts.recordingsURL, "recordings-url", "", "fetch recordings over HTTP (env CONVERGE_RECORDINGS_URL)")
	cmd.PersistentFlags().StringVar(&opts.archivePath, "archive", "", "SQLite recording archive (env CONVERGE_ARCHIVE)")
	cmd.PersistentFlags().StringVar(&opts.catalogDir, "catalog", "", "directory of *.cue scenario definitions (env CONVERGE_CATALOG_DIR)")

	// Add subcommands
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewRecordCommand(opts))
	cmd.AddCommand(NewScenariosCommand(opts))
	cmd.AddCommand(NewArchiveCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// applyFlags overlays explicitly set flags onto cfg.
func (o *RootOptions) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.BackendURL = o.backendURL
	}
	if flags.Changed("recordings") {
		cfg.RecordingsDir = o.recordingsDir
	}
	if flags.Changed("recordings-url") {
		cfg.RecordingsURL = o.recordingsURL
	}
	if flags.Changed("archive") {
		cfg.ArchivePath = o.archivePath
	}
	if flags.Changed("catalog") {
		cfg.CatalogDir = o.catalogDir
	}
}

func (o *RootOptions) config() config.Config {
	if o.Config != nil {
		return *o.Config
	}
	return config.Default()
}

func (o *RootOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// openCatalog returns the catalog from cfg.CatalogDir, or the built-in one.
func openCatalog(cfg config.Config) (*catalog.Catalog, error) {
	if cfg.CatalogDir == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(cfg.CatalogDir)
}

// openArchive opens the configured archive. The caller closes it.
func openArchive(cfg config.Config) (*store.Store, error) {
	if cfg.ArchivePath == "" {
		return nil, NewExitError(ExitCommandError, "no archive configured (use --archive or CONVERGE_ARCHIVE)")
	}
	st, err := store.Open(cfg.ArchivePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open archive", err)
	}
	return st, nil
}

// recordingSource picks where recordings come from: the archive, an HTTP
// base URL, or the recordings directory, in that order of preference.
// The returned close func is never nil.
func recordingSource(cfg config.Config) (recording.Source, func() error, error) {
	switch {
	case cfg.ArchivePath != "":
		st, err := openArchive(cfg)
		if err != nil {
			return nil, nil, err
		}
		return recording.ArchiveSource{Store: st}, st.Close, nil
	case cfg.RecordingsURL != "":
		src := recording.HTTPSource{BaseURL: cfg.RecordingsURL, Client: &http.Client{Timeout: cfg.FetchTimeout}}
		return src, func() error { return nil }, nil
	default:
		return recording.DirSource{Dir: cfg.RecordingsDir}, func() error { return nil }, nil
	}
}

func newControlClient(cfg config.Config, logger *slog.Logger) *control.Client {
	return control.NewClient(cfg.BackendURL,
		control.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		control.WithLogger(logger),
	)
}

// newAdapter builds the live adapter. Its HTTP client has no overall
// timeout since a stream stays open for the whole run.
func newAdapter(cfg config.Config, logger *slog.Logger) *live.Adapter {
	return live.NewAdapter(cfg.BackendURL,
		live.WithBackoff(cfg.Backoff()),
		live.WithLogger(logger),
	)
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
