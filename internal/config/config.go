// Package config holds the process-level settings for converge.
//
// Settings come from three layers, applied in order: Default(), the
// CONVERGE_* environment variables (FromEnv), and finally command-line
// flags bound by the cli package.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/EducatedBernie/Converge/internal/live"
	"github.com/EducatedBernie/Converge/internal/run"
)

// Config is the resolved configuration.
type Config struct {
	// BackendURL is the simulation backend root, e.g. http://localhost:8000.
	BackendURL string `env:"CONVERGE_BACKEND_URL" envDefault:"http://localhost:8000"`

	// Recording sources. At most one of RecordingsURL and ArchivePath is
	// consulted; RecordingsDir is the fallback.
	RecordingsDir string `env:"CONVERGE_RECORDINGS_DIR" envDefault:"recordings"`
	RecordingsURL string `env:"CONVERGE_RECORDINGS_URL"`
	ArchivePath   string `env:"CONVERGE_ARCHIVE"`

	// CatalogDir holds *.cue scenario definitions. Empty uses the built-in catalog.
	CatalogDir string `env:"CONVERGE_CATALOG_DIR"`

	Speed      float64 `env:"CONVERGE_SPEED"       envDefault:"5"`
	TotalUsers int     `env:"CONVERGE_TOTAL_USERS" envDefault:"500"`

	// StartTimeout aborts a live run still "starting" after this long.
	StartTimeout   time.Duration `env:"CONVERGE_START_TIMEOUT"   envDefault:"30s"`
	FetchTimeout   time.Duration `env:"CONVERGE_FETCH_TIMEOUT"   envDefault:"30s"`
	RequestTimeout time.Duration `env:"CONVERGE_REQUEST_TIMEOUT" envDefault:"10s"`

	BackoffMin      time.Duration `env:"CONVERGE_BACKOFF_MIN"      envDefault:"250ms"`
	BackoffMax      time.Duration `env:"CONVERGE_BACKOFF_MAX"      envDefault:"5s"`
	BackoffAttempts int           `env:"CONVERGE_BACKOFF_ATTEMPTS" envDefault:"8"`

	// Personas restricts the personas offered for live runs (comma separated).
	Personas []string `env:"CONVERGE_PERSONAS" envSeparator:","`
}

// Default returns the configuration with no environment applied.
func Default() Config {
	return Config{
		BackendURL:      "http://localhost:8000",
		RecordingsDir:   "recordings",
		Speed:           run.DefaultSpeed,
		TotalUsers:      500,
		StartTimeout:    30 * time.Second,
		FetchTimeout:    30 * time.Second,
		RequestTimeout:  10 * time.Second,
		BackoffMin:      live.DefaultBackoff.Min,
		BackoffMax:      live.DefaultBackoff.Max,
		BackoffAttempts: live.DefaultBackoff.MaxAttempts,
	}
}

// ParseEnv overlays environment variables onto target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// FromEnv returns Default() overlaid with CONVERGE_* variables and validated.
func FromEnv() (Config, error) {
	cfg := Default()
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend url %q: must be an absolute http(s) url", c.BackendURL)
	}
	if c.RecordingsURL != "" {
		if u, err := url.Parse(c.RecordingsURL); err != nil || u.Scheme == "" {
			return fmt.Errorf("recordings url %q: must be absolute", c.RecordingsURL)
		}
	}
	if err := run.ValidateSpeed(c.Speed); err != nil {
		return fmt.Errorf("speed %v: %w", c.Speed, err)
	}
	if c.TotalUsers <= 0 {
		return fmt.Errorf("total users must be positive, got %d", c.TotalUsers)
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("backoff: need 0 < min <= max, got %s..%s", c.BackoffMin, c.BackoffMax)
	}
	if c.BackoffAttempts < 0 {
		return errors.New("backoff attempts must not be negative")
	}
	return nil
}

// Backoff returns the live adapter reconnect policy.
func (c Config) Backoff() live.Backoff {
	return live.Backoff{Min: c.BackoffMin, Max: c.BackoffMax, MaxAttempts: c.BackoffAttempts}
}
