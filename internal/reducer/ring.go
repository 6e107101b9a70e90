package reducer

// Ring is a fixed-capacity FIFO that evicts its oldest entry on overflow.
//
// Not safe for concurrent use; Reducer guards it.
type Ring[T any] struct {
	buf   []T
	start int // index of the oldest entry
	n     int
}

// NewRing creates a ring holding at most capacity entries.
// Panics if capacity is not positive.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("reducer: ring capacity must be positive")
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry when full.
func (r *Ring[T]) Push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// Items returns the entries oldest first, as a new slice.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of entries held.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the maximum number of entries.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Reset empties the ring and releases references held by evicted slots.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.n = 0, 0
}
