package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Process exit codes.
const (
	ExitFailure      = 1 // the run, a recording, or a harness scenario failed
	ExitCommandError = 2 // the invocation itself was wrong
)

// ExitError carries the exit code a command wants the process to end with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError with a plain message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Err: errors.New(message)}
}

// WrapExitError prefixes err with message and attaches code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Err: fmt.Errorf("%s: %w", message, err)}
}

// ExitCode maps err to a process exit code; errors without one are failures.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the envelope of every final JSON result.
type Response struct {
	Status string         `json:"status"` // "ok" or "error"
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
	Token  string         `json:"token,omitempty"`
}

// ResponseError describes why a command failed.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// OutputFormatter writes progress lines and the final result either as text
// or as line-delimited JSON. Progress arrives from playback goroutines, so
// every write is serialized.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose diagnostics; Writer when nil
	Verbose   bool
	Token     string // echoed in JSON results once a run has started

	mu sync.Mutex
}

func (f *OutputFormatter) json() bool { return f.Format == "json" }

// Success writes the final result.
func (f *OutputFormatter) Success(data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.json() {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data, Token: f.Token})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Progress writes one record while the command is still running.
func (f *OutputFormatter) Progress(v fmt.Stringer) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.json() {
		_ = json.NewEncoder(f.Writer).Encode(v)
		return
	}
	fmt.Fprintln(f.Writer, v.String())
}

// Error writes a failure result. In text mode the detail is shown only
// when verbose.
func (f *OutputFormatter) Error(code, message, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.json() {
		return json.NewEncoder(f.Writer).Encode(Response{
			Status: "error",
			Token:  f.Token,
			Error:  &ResponseError{Code: code, Message: message, Detail: detail},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && detail != "" {
		fmt.Fprintf(f.Writer, "  %s\n", detail)
	}
	return nil
}

// VerboseLog writes a diagnostic line when verbose. It never goes to Writer
// when ErrWriter is set, so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
