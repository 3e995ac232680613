// Package transcript provides a bounded ring of recent chat lines.
package transcript

import (
	"sync"
)

// Line is one rendered chat line with its speaker role.
type Line struct {
	Text string
	Role string
}

// Ring is a thread-safe circular buffer that keeps the most recent chat
// lines up to a fixed capacity. When the ring is full, the oldest line
// is discarded to make room for the new one.
//
// The CLI uses it to redisplay recent conversation after the screen has
// scrolled away, the client-side counterpart of server-side output
// caching.
type Ring struct {
	lines    []Line
	capacity int
	mu       sync.RWMutex
}

// NewRing creates a Ring with the specified capacity. The capacity must
// be greater than 0; if not, it defaults to 1.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		lines:    make([]Line, 0, capacity),
		capacity: capacity,
	}
}

// Append adds a line to the ring, discarding the oldest line when the
// ring is at capacity.
func (r *Ring) Append(text, role string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.lines) == r.capacity {
		copy(r.lines, r.lines[1:])
		r.lines = r.lines[:len(r.lines)-1]
	}
	r.lines = append(r.lines, Line{Text: text, Role: role})
}

// Lines returns a copy of the buffered lines, oldest first.
func (r *Ring) Lines() []Line {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.lines) == 0 {
		return nil
	}
	out := make([]Line, len(r.lines))
	copy(out, r.lines)
	return out
}

// Len returns the current number of buffered lines.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.lines)
}

// Cap returns the capacity of the ring.
func (r *Ring) Cap() int {
	return r.capacity
}

// Clear removes all buffered lines.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = r.lines[:0]
}
