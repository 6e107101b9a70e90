// Package live consumes the backend's push stream for a run.
//
// An Adapter opens GET /api/simulation/{run_id}/stream as server-sent events,
// decodes each frame with the event codec, and hands events to a callback in
// arrival order. Transport hiccups are retried with exponential backoff and
// Last-Event-ID; malformed frames are logged and skipped without closing
// the connection.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EducatedBernie/Converge/internal/event"
)

// Backoff controls reconnection pacing.
type Backoff struct {
	Min time.Duration
	Max time.Duration
	// MaxAttempts is the number of consecutive failed reconnects allowed
	// before the connection gives up. Zero means DefaultBackoff's value.
	MaxAttempts int
}

// DefaultBackoff is used for zero-valued Backoff fields.
var DefaultBackoff = Backoff{
	Min:         250 * time.Millisecond,
	Max:         5 * time.Second,
	MaxAttempts: 8,
}

func (b Backoff) withDefaults() Backoff {
	if b.Min <= 0 {
		b.Min = DefaultBackoff.Min
	}
	if b.Max < b.Min {
		b.Max = max(DefaultBackoff.Max, b.Min)
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = DefaultBackoff.MaxAttempts
	}
	return b
}

// Adapter opens live connections. One Adapter owns at most one connection
// per run id.
type Adapter struct {
	baseURL string
	client  *http.Client
	backoff Backoff
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]*Conn
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient sets the client used for stream requests. It must not
// set a total request timeout, which would cut long-lived streams.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithBackoff overrides DefaultBackoff.
func WithBackoff(b Backoff) Option {
	return func(a *Adapter) { a.backoff = b }
}

// WithLogger sets the adapter's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// NewAdapter creates an adapter for the backend rooted at baseURL.
func NewAdapter(baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: baseURL,
		client:  http.DefaultClient,
		backoff: DefaultBackoff,
		logger:  slog.Default(),
		conns:   make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.backoff = a.backoff.withDefaults()
	return a
}

// Conn is one logical live connection. It survives transient reconnects
// and ends only on a terminal condition or Close.
type Conn struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}

	closed    atomic.Bool
	delivered atomic.Int64
	dropped   atomic.Int64

	// Owned by the connection goroutine until done is closed.
	lastEventID string
	retry       time.Duration
	sawEnd      bool
	err         error
}

// Connect opens the stream for runID and calls onEvent for each decoded
// event, from a single goroutine, in arrival order. Any earlier connection
// for the same runID is closed first, so the two never deliver concurrently.
//
// onEvent must not call Close on the returned Conn.
func (a *Adapter) Connect(ctx context.Context, runID string, onEvent func(event.Event)) *Conn {
	return a.ConnectFrames(ctx, runID, func(ev event.Event, _ []byte) { onEvent(ev) })
}

// ConnectFrames is Connect, but also hands over each event's data payload
// exactly as the stream carried it. The slice is not reused.
func (a *Adapter) ConnectFrames(ctx context.Context, runID string, onFrame func(ev event.Event, data []byte)) *Conn {
	ctx, cancel := context.WithCancel(ctx)
	c := &Conn{runID: runID, cancel: cancel, done: make(chan struct{})}

	a.mu.Lock()
	prev := a.conns[runID]
	a.conns[runID] = c
	a.mu.Unlock()

	if prev != nil {
		a.logger.Debug("replacing live connection", "run_id", runID)
		prev.Close()
	}

	go a.run(ctx, c, onFrame)
	return c
}

// Close ends the connection and waits for the delivery goroutine to exit.
// Safe to call more than once.
func (c *Conn) Close() {
	c.closed.Store(true)
	c.cancel()
	<-c.done
}

// Done is closed once the connection has ended and no more events will be
// delivered.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, or nil if the stream ended normally after
// sim_ended or was closed by the caller. Valid after Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// RunID returns the run this connection follows.
func (c *Conn) RunID() string { return c.runID }

// Delivered returns how many events were passed to the callback.
func (c *Conn) Delivered() int64 { return c.delivered.Load() }

// Dropped returns how many malformed frames were skipped.
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

func (a *Adapter) streamURL(runID string) (string, error) {
	return url.JoinPath(a.baseURL, "api", "simulation", url.PathEscape(runID), "stream")
}

func (a *Adapter) run(ctx context.Context, c *Conn, onFrame func(event.Event, []byte)) {
	defer close(c.done)
	defer func() {
		a.mu.Lock()
		if a.conns[c.runID] == c {
			delete(a.conns, c.runID)
		}
		a.mu.Unlock()
	}()

	failures := 0
	delay := a.backoff.Min
	for {
		progressed, err := a.stream(ctx, c, onFrame)

		if ctx.Err() != nil {
			if !c.closed.Load() {
				c.err = ctx.Err()
			}
			return
		}
		if err == nil {
			// Clean end of stream after sim_ended.
			a.logger.Debug("live stream finished", "run_id", c.runID, "delivered", c.delivered.Load())
			return
		}

		var te *TransportError
		if errors.As(err, &te) && te.Terminal {
			c.err = err
			a.logger.Warn("live stream closed", "run_id", c.runID, "error", err)
			return
		}

		if progressed {
			failures = 0
			delay = a.backoff.Min
		}
		failures++
		if failures > a.backoff.MaxAttempts {
			c.err = &TransportError{Code: ErrCodeExhausted, RunID: c.runID, Terminal: true, Err: err}
			a.logger.Warn("live stream gave up", "run_id", c.runID, "attempts", failures-1, "error", err)
			return
		}

		wait := delay
		if c.retry > 0 {
			wait = max(wait, c.retry)
		}
		a.logger.Info("live stream reconnecting", "run_id", c.runID, "attempt", failures, "wait", wait, "error", err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			if !c.closed.Load() {
				c.err = ctx.Err()
			}
			return
		case <-t.C:
		}
		delay = min(delay*2, a.backoff.Max)
	}
}

// stream runs one HTTP request to completion. It returns nil only for a
// clean end of stream after sim_ended was seen.
func (a *Adapter) stream(ctx context.Context, c *Conn, onFrame func(event.Event, []byte)) (progressed bool, err error) {
	target, err := a.streamURL(c.runID)
	if err != nil {
		return false, &TransportError{Code: ErrCodeDial, RunID: c.runID, Terminal: true, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, &TransportError{Code: ErrCodeDial, RunID: c.runID, Terminal: true, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return false, &TransportError{Code: ErrCodeDial, RunID: c.runID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, &TransportError{
			Code:       ErrCodeStatus,
			RunID:      c.runID,
			StatusCode: resp.StatusCode,
			Terminal:   !retryableStatus(resp.StatusCode),
			Err:        errors.New(resp.Status),
		}
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/event-stream" {
		return false, &TransportError{
			Code:     ErrCodeContentType,
			RunID:    c.runID,
			Terminal: true,
			Err:      fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type")),
		}
	}

	err = ParseFrames(resp.Body, func(f Frame) error {
		if f.ID != "" {
			c.lastEventID = f.ID
		}
		if f.HasRetry {
			c.retry = f.Retry
		}
		if f.Data == "" {
			return nil
		}
		if f.Event != "" && f.Event != "message" {
			a.logger.Debug("skipping named frame", "run_id", c.runID, "event", f.Event)
			return nil
		}

		data := []byte(f.Data)
		ev, derr := event.Decode(data)
		if derr != nil {
			c.dropped.Add(1)
			a.logger.Warn("dropping malformed frame", "run_id", c.runID, "error", derr)
			return nil
		}
		if ev.Kind() == event.KindSimEnded {
			c.sawEnd = true
		}
		progressed = true
		c.delivered.Add(1)
		onFrame(ev, data)
		return nil
	})
	if err != nil {
		return progressed, &TransportError{Code: ErrCodeRead, RunID: c.runID, Err: err}
	}
	if !c.sawEnd {
		return progressed, &TransportError{Code: ErrCodeRead, RunID: c.runID, Err: errEndedEarly}
	}
	return progressed, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
