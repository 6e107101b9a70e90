package recording

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultFetchTimeout bounds one shared fetch-and-parse.
const DefaultFetchTimeout = 30 * time.Second

// Loader resolves scenarios to recordings through a Cache and a Source.
//
// Concurrent Load calls for the same scenario share a single fetch; all of
// them observe the same *Recording or the same error. The shared fetch does
// not belong to any one caller, so a caller giving up (context cancelled)
// does not abort it for the others.
type Loader struct {
	source  Source
	cache   *Cache
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*call
	latest   string
}

type call struct {
	done    chan struct{}
	rec     *Recording
	err     error
	waiters int
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) { l.timeout = d }
}

// WithLogger sets the loader's logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a loader. A nil cache gets a fresh one.
func NewLoader(source Source, cache *Cache, opts ...LoaderOption) *Loader {
	if cache == nil {
		cache = NewCache()
	}
	l := &Loader{
		source:   source,
		cache:    cache,
		timeout:  DefaultFetchTimeout,
		logger:   slog.Default(),
		inflight: make(map[string]*call),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Cache returns the loader's cache.
func (l *Loader) Cache() *Cache {
	return l.cache
}

// Load returns the recording for scenario, fetching it if it is not cached.
func (l *Loader) Load(ctx context.Context, scenario string) (*Recording, error) {
	if rec, ok := l.cache.Get(scenario); ok {
		return rec, nil
	}

	l.mu.Lock()
	// A fetch may have landed between the unlocked cache check and here.
	if rec, ok := l.cache.Get(scenario); ok {
		l.mu.Unlock()
		return rec, nil
	}
	l.latest = scenario
	c, ok := l.inflight[scenario]
	if ok {
		c.waiters++
	} else {
		c = &call{done: make(chan struct{}), waiters: 1}
		l.inflight[scenario] = c
		go l.fetch(ctx, scenario, c)
	}
	l.mu.Unlock()

	select {
	case <-c.done:
		return c.rec, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loader) fetch(parent context.Context, scenario string, c *call) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), l.timeout)
	defer cancel()

	rec, err := l.fetchAndParse(ctx, scenario)

	l.mu.Lock()
	if err == nil {
		// A newer request for another scenario owns the slot now.
		if l.latest == scenario {
			l.cache.Set(scenario, rec)
		}
	} else {
		l.logger.Warn("recording load failed", "scenario", scenario, "error", err)
	}
	delete(l.inflight, scenario)
	c.rec, c.err = rec, err
	l.mu.Unlock()

	close(c.done)
}

func (l *Loader) fetchAndParse(ctx context.Context, scenario string) (*Recording, error) {
	raw, err := l.source.Fetch(ctx, scenario)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeFetchFailed, Scenario: scenario, Err: err}
	}
	rec, err := Parse(scenario, raw)
	if err != nil {
		if le, ok := err.(*LoadError); ok && le.Scenario == "" {
			le.Scenario = scenario
		}
		return nil, err
	}
	if !rec.Terminated() {
		l.logger.Warn("recording does not end with sim_ended", "scenario", scenario, "events", len(rec.Events))
	}
	l.logger.Debug("recording loaded", "scenario", scenario, "events", len(rec.Events))
	return rec, nil
}

// waiters reports how many callers are attached to the in-flight fetch
// for scenario.
func (l *Loader) waiters(scenario string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.inflight[scenario]; ok {
		return c.waiters
	}
	return 0
}
