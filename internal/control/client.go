// Package control is a client for the simulation backend's REST control
// surface: starting runs, pausing, resuming, stopping, and retuning speed
// or population mix, plus the static variant and persona listings.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/EducatedBernie/Converge/internal/event"
	"github.com/EducatedBernie/Converge/internal/recording"
)

// DefaultTimeout bounds a single control request.
const DefaultTimeout = 10 * time.Second

// Client talks to one backend.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client (which has DefaultTimeout).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

// NewClient creates a client for the backend rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartRequest is the body of POST /api/simulation/start.
type StartRequest struct {
	TotalUsers           int                `json:"total_users"`
	PopulationMix        map[string]float64 `json:"population_mix,omitempty"`
	AgentTriggerInterval int                `json:"agent_trigger_interval,omitempty"`
}

// StartResponse is the backend's answer to a start.
type StartResponse struct {
	RunID  event.RunID `json:"run_id"`
	Status string      `json:"status"`
}

// Start asks the backend to create a run.
func (c *Client) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	var resp StartResponse
	if err := c.do(ctx, http.MethodPost, "/api/simulation/start", req, &resp); err != nil {
		return StartResponse{}, err
	}
	if resp.RunID == "" {
		return StartResponse{}, &RequestError{Op: "start", StatusCode: http.StatusOK, Message: "response has no run_id"}
	}
	return resp, nil
}

// Pause suspends event production for runID.
func (c *Client) Pause(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, runPath(runID, "pause"), nil, nil)
}

// Resume continues event production for runID.
func (c *Client) Resume(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, runPath(runID, "resume"), nil, nil)
}

// Stop ends runID; the backend still emits sim_ended.
func (c *Client) Stop(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, runPath(runID, "stop"), nil, nil)
}

// SetSpeed sends the multiplier. The backend accepts whole numbers of at
// least 1, so speed is rounded; the applied value is returned.
func (c *Client) SetSpeed(ctx context.Context, runID string, speed float64) (int, error) {
	body := struct {
		Speed int `json:"speed"`
	}{Speed: max(1, int(math.Round(speed)))}

	var resp struct {
		Speed int `json:"speed"`
	}
	if err := c.do(ctx, http.MethodPatch, runPath(runID, "speed"), body, &resp); err != nil {
		return 0, err
	}
	return resp.Speed, nil
}

// SetPopulationMix replaces the persona weights for the rest of runID.
func (c *Client) SetPopulationMix(ctx context.Context, runID string, mix map[string]float64) error {
	body := struct {
		PopulationMix map[string]float64 `json:"population_mix"`
	}{PopulationMix: mix}
	return c.do(ctx, http.MethodPatch, runPath(runID, "population"), body, nil)
}

// Variants lists all candidate treatments.
func (c *Client) Variants(ctx context.Context) ([]recording.Variant, error) {
	var out []recording.Variant
	if err := c.do(ctx, http.MethodGet, "/api/data/variants", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Personas lists the simulated user archetypes.
func (c *Client) Personas(ctx context.Context) ([]recording.Persona, error) {
	var out []recording.Persona
	if err := c.do(ctx, http.MethodGet, "/api/data/personas", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func runPath(runID, action string) string {
	return "/api/simulation/" + url.PathEscape(runID) + "/" + action
}

// do sends one JSON request. The backend reports some failures as a 200
// with an {"error": ...} body; those become a *RequestError too.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return &RequestError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RequestError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	if msg := inlineError(raw); msg != "" {
		return &RequestError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	c.logger.Debug("control request", "op", op, "status", resp.StatusCode)
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// inlineError extracts the message of an {"error": "..."} body.
func inlineError(raw []byte) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ""
	}
	var probe struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return ""
	}
	return probe.Error
}

func errorMessage(raw []byte, fallback string) string {
	if msg := inlineError(raw); msg != "" {
		return msg
	}
	var probe struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && len(probe.Detail) > 0 {
		var s string
		if json.Unmarshal(probe.Detail, &s) == nil {
			return s
		}
		return string(probe.Detail)
	}
	return fallback
}
