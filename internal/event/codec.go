package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ParseErrorCode categorizes decode failures.
type ParseErrorCode string

const (
	// ErrCodeInvalidJSON indicates the frame is not valid JSON.
	ErrCodeInvalidJSON ParseErrorCode = "INVALID_JSON"

	// ErrCodeNotObject indicates valid JSON that is not an object.
	ErrCodeNotObject ParseErrorCode = "NOT_OBJECT"

	// ErrCodeMissingType indicates the object has no usable "type" field.
	ErrCodeMissingType ParseErrorCode = "MISSING_TYPE"

	// ErrCodeInvalidField indicates a known type whose fields do not match the schema.
	ErrCodeInvalidField ParseErrorCode = "INVALID_FIELD"
)

// ParseError reports one frame or line that could not be decoded.
// It is always recoverable: the offending unit is dropped and the
// surrounding stream continues.
type ParseError struct {
	Code ParseErrorCode
	Type string // event type, when it could be read
	Err  error
}

func (e *ParseError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Type, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError returns true if err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Decode parses one JSON-encoded event.
func Decode(data []byte) (Event, error) {
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, &ParseError{Code: ErrCodeInvalidJSON, Err: errors.New("frame is not valid JSON")}
	}
	if len(data) == 0 || data[0] != '{' {
		return nil, &ParseError{Code: ErrCodeNotObject, Err: errors.New("frame is not a JSON object")}
	}

	var envelope struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ParseError{Code: ErrCodeInvalidJSON, Err: err}
	}
	var typ string
	if len(envelope.Type) == 0 || json.Unmarshal(envelope.Type, &typ) != nil || typ == "" {
		return nil, &ParseError{Code: ErrCodeMissingType, Err: errors.New(`"type" must be a non-empty string`)}
	}

	switch Kind(typ) {
	case KindStatus:
		return decodeAs[Status](typ, data)
	case KindSimStarted:
		return decodeAs[SimStarted](typ, data)
	case KindMatrixReady:
		return decodeAs[MatrixReady](typ, data)
	case KindUserEvent:
		ev, err := decodeAs[UserEvent](typ, data)
		if err != nil {
			return nil, err
		}
		if err := validateUserEvent(ev.(UserEvent)); err != nil {
			return nil, &ParseError{Code: ErrCodeInvalidField, Type: typ, Err: err}
		}
		return ev, nil
	case KindBanditSnapshot:
		ev, err := decodeAs[BanditSnapshot](typ, data)
		if err != nil {
			return nil, err
		}
		if ev.(BanditSnapshot).UserNumber < 0 {
			return nil, &ParseError{Code: ErrCodeInvalidField, Type: typ, Err: errors.New("user_number must not be negative")}
		}
		return ev, nil
	case KindSimEnded:
		return decodeAs[SimEnded](typ, data)
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Type: typ, Raw: raw}, nil
	}
}

func decodeAs[T Event](typ string, data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &ParseError{Code: ErrCodeInvalidField, Type: typ, Err: err}
	}
	return v, nil
}

func validateUserEvent(e UserEvent) error {
	if e.UserNumber < 0 {
		return errors.New("user_number must not be negative")
	}
	if e.Step < 1 || e.Step > 4 {
		return fmt.Errorf("step %d out of range 1-4", e.Step)
	}
	return nil
}

// Encode renders ev in the wire format, with the "type" discriminator first.
// Unknown events are written back verbatim.
func Encode(ev Event) ([]byte, error) {
	if u, ok := ev.(Unknown); ok {
		return u.Raw, nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	typ, _ := json.Marshal(string(ev.Kind()))

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// RunID is a backend run identifier. The backend emits integers; the
// identifier is kept opaque so string ids decode too.
type RunID string

// UnmarshalJSON accepts a JSON number, string, or null.
func (id *RunID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*id = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("run_id: %w", err)
		}
		*id = RunID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("run_id: %w", err)
	}
	*id = RunID(n.String())
	return nil
}

// MarshalJSON writes integer ids as numbers and anything else as a string.
func (id RunID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id RunID) String() string {
	return string(id)
}
