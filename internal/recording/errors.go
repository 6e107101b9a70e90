package recording

import (
	"errors"
	"fmt"
)

// LoadErrorCode categorizes recording load failures.
type LoadErrorCode string

const (
	// ErrCodeFetchFailed indicates the source could not produce the document.
	ErrCodeFetchFailed LoadErrorCode = "FETCH_FAILED"

	// ErrCodeInvalidDocument indicates the document is not valid JSON or has bad metadata.
	ErrCodeInvalidDocument LoadErrorCode = "INVALID_DOCUMENT"

	// ErrCodeSchemaViolation indicates the document failed schema validation.
	ErrCodeSchemaViolation LoadErrorCode = "SCHEMA_VIOLATION"

	// ErrCodeInvalidEvent indicates an entry of the events array could not be decoded.
	ErrCodeInvalidEvent LoadErrorCode = "INVALID_EVENT"
)

// LoadError is fatal to one load attempt. It never disturbs the cache.
type LoadError struct {
	Code     LoadErrorCode
	Scenario string
	Err      error
}

func (e *LoadError) Error() string {
	if e.Scenario != "" {
		return fmt.Sprintf("%s: load %q: %v", e.Code, e.Scenario, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsLoadError returns true if err is or wraps a *LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// ErrInvalidScenario is returned for scenario names that cannot name a document.
var ErrInvalidScenario = errors.New("invalid scenario name")

// ErrTooLarge is returned when a downloaded recording exceeds the size limit.
var ErrTooLarge = errors.New("recording too large")
