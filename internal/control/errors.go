package control

import (
	"errors"
	"fmt"
	"net/http"
)

// RequestError is a failed control call.
//
// StatusCode is zero when no response was received.
type RequestError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the call could succeed.
func (e *RequestError) Retryable() bool {
	if e.StatusCode == 0 {
		return e.Err != nil
	}
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsRequestError returns true if err is or wraps a *RequestError.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}
