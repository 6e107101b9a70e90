package playback

import (
	"io"
	"sync"

	"github.com/EducatedBernie/Converge/internal/event"
)

// LiveCursor is an unbounded FIFO fed by a live stream.
//
// Producers call Push from any goroutine; the scheduler consumes through
// the Cursor methods. The queue is unbounded so a slow playback speed never
// applies backpressure to the network reader.
type LiveCursor struct {
	mu       sync.Mutex
	events   []event.Event
	pos      int
	closed   bool
	closeErr error
	signal   chan struct{} // buffered, size 1
}

// NewLiveCursor creates an empty, open cursor.
func NewLiveCursor() *LiveCursor {
	return &LiveCursor{
		events: make([]event.Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Push appends ev. Returns false once the cursor is closed.
func (c *LiveCursor) Push(ev event.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.events = append(c.events, ev)

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return true
}

// CloseWithError marks the end of the feed. Buffered events stay readable;
// after them Peek reports err, or io.EOF when err is nil. Only the first
// close takes effect.
func (c *LiveCursor) CloseWithError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	close(c.signal)
}

// Close is CloseWithError(nil).
func (c *LiveCursor) Close() { c.CloseWithError(nil) }

// Wait returns a channel that receives when events may be available and is
// closed when the feed ends.
func (c *LiveCursor) Wait() <-chan struct{} {
	return c.signal
}

func (c *LiveCursor) Peek() (event.Event, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) > 0 {
		return c.events[0], true, nil
	}
	if c.closed {
		if c.closeErr != nil {
			return nil, false, c.closeErr
		}
		return nil, false, io.EOF
	}
	return nil, false, nil
}

func (c *LiveCursor) Advance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.popLocked()
}

func (c *LiveCursor) popLocked() {
	if len(c.events) == 0 {
		return
	}
	// Clear the slot so the backing array does not pin consumed events.
	c.events[0] = nil
	if len(c.events) == 1 {
		c.events = c.events[:0]
	} else {
		c.events = c.events[1:]
	}
	c.pos++
}

func (c *LiveCursor) Position() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// SeekEnd discards everything buffered so far.
func (c *LiveCursor) SeekEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.events) > 0 {
		c.popLocked()
	}
}

func (c *LiveCursor) Mode() Mode { return ModeLive }
