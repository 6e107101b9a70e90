package live

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Frame is one server-sent event envelope.
type Frame struct {
	Event string
	Data  string
	ID    string
	// Retry is the reconnection delay the server asked for, if HasRetry.
	Retry    time.Duration
	HasRetry bool
}

// maxLineBytes bounds a single SSE line.
const maxLineBytes = 1 << 20

// ParseFrames reads server-sent events from r and calls fn for each
// complete frame. A frame ends at a blank line or at end of input.
// Comment lines (starting with ':') and unknown fields are ignored.
func ParseFrames(r io.Reader, fn func(Frame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	var cur Frame
	var dataLines []string
	pending := false

	flush := func() error {
		if !pending {
			return nil
		}
		cur.Data = strings.Join(dataLines, "\n")
		f := cur
		cur = Frame{}
		dataLines = dataLines[:0]
		pending = false
		return fn(f)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			cur.Event = value
			pending = true
		case "data":
			dataLines = append(dataLines, value)
			pending = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				cur.ID = value
				pending = true
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				cur.Retry = time.Duration(ms) * time.Millisecond
				cur.HasRetry = true
				pending = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}
