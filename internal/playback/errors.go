package playback

import (
	"errors"
	"fmt"

	"github.com/EducatedBernie/Converge/internal/event"
)

// ProtocolViolation reports an event whose user_number went backwards.
// The scheduler logs and drops such events; it never halts on them.
type ProtocolViolation struct {
	Kind     event.Kind
	Previous int
	Got      int
	Position int
}

func (v *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation at position %d: %s user_number %d after %d",
		v.Position, v.Kind, v.Got, v.Previous)
}

// IsProtocolViolation returns true if err is or wraps a *ProtocolViolation.
func IsProtocolViolation(err error) bool {
	var v *ProtocolViolation
	return errors.As(err, &v)
}
