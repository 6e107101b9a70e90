package playback

import (
	"io"

	"github.com/EducatedBernie/Converge/internal/event"
)

// Mode identifies the event source behind a cursor.
type Mode int

const (
	// ModeReplay walks a finite recorded sequence.
	ModeReplay Mode = iota + 1
	// ModeLive follows a push feed that may not have produced the next event yet.
	ModeLive
)

func (m Mode) String() string {
	switch m {
	case ModeReplay:
		return "replay"
	case ModeLive:
		return "live"
	}
	return "unknown"
}

// Cursor is a non-blocking pull interface over an event sequence.
//
// Peek returns the next event without consuming it. ok is false when a live
// source has nothing buffered yet. err is io.EOF once the sequence is
// exhausted, or the terminal error that ended a live source.
type Cursor interface {
	Peek() (ev event.Event, ok bool, err error)
	Advance()
	Position() int
	SeekEnd()
	Mode() Mode
}

// ReplayCursor walks an immutable slice. It never copies or modifies the
// slice, so many cursors may share one recording.
type ReplayCursor struct {
	events []event.Event
	pos    int
}

// NewReplayCursor returns a cursor positioned before events[0].
func NewReplayCursor(events []event.Event) *ReplayCursor {
	return &ReplayCursor{events: events}
}

func (c *ReplayCursor) Peek() (event.Event, bool, error) {
	if c.pos >= len(c.events) {
		return nil, false, io.EOF
	}
	return c.events[c.pos], true, nil
}

func (c *ReplayCursor) Advance() {
	if c.pos < len(c.events) {
		c.pos++
	}
}

func (c *ReplayCursor) Position() int { return c.pos }

func (c *ReplayCursor) SeekEnd() { c.pos = len(c.events) }

func (c *ReplayCursor) Mode() Mode { return ModeReplay }

// Len returns the length of the underlying sequence.
func (c *ReplayCursor) Len() int { return len(c.events) }
