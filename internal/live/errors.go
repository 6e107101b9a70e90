package live

import (
	"errors"
	"fmt"
)

// TransportErrorCode categorizes stream failures.
type TransportErrorCode string

const (
	// ErrCodeDial indicates the stream request could not be sent.
	ErrCodeDial TransportErrorCode = "DIAL"

	// ErrCodeStatus indicates the server answered with a non-200 status.
	ErrCodeStatus TransportErrorCode = "STATUS"

	// ErrCodeContentType indicates the response was not text/event-stream.
	ErrCodeContentType TransportErrorCode = "CONTENT_TYPE"

	// ErrCodeRead indicates the stream broke or ended before sim_ended.
	ErrCodeRead TransportErrorCode = "READ"

	// ErrCodeExhausted indicates reconnect attempts ran out.
	ErrCodeExhausted TransportErrorCode = "EXHAUSTED"
)

// TransportError describes a failure of the live connection.
//
// Terminal errors close the connection; the adapter retries the others.
type TransportError struct {
	Code       TransportErrorCode
	RunID      string
	StatusCode int
	Terminal   bool
	Err        error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("%s: run %s", e.Code, e.RunID)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError returns true if err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsTerminal reports whether err is a terminal *TransportError.
func IsTerminal(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Terminal
}

var errEndedEarly = errors.New("stream ended before sim_ended")
