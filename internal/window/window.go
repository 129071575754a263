// Package window keeps the most recent readings of a session for display.
package window

import (
	"sync"

	"github.com/doridoridoriand/envmon/internal/reading"
)

// DefaultCapacity matches the number of points shown on the live chart.
const DefaultCapacity = 30

// Window is a fixed-capacity FIFO of readings. The ingestion loop is the only
// writer; readers receive copies through Snapshot.
type Window struct {
	mu     sync.RWMutex
	points []reading.Reading
	size   int
}

// New creates a window holding at most capacity readings.
func New(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		points: make([]reading.Reading, 0, capacity),
		size:   capacity,
	}
}

// Push appends r, evicting the oldest reading when the window is full.
func (w *Window) Push(r reading.Reading) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.points) < w.size {
		w.points = append(w.points, r)
		return
	}
	copy(w.points, w.points[1:])
	w.points[len(w.points)-1] = r
}

// Snapshot returns a copy of the window, oldest first.
func (w *Window) Snapshot() []reading.Reading {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]reading.Reading, len(w.points))
	copy(out, w.points)
	return out
}

// Last returns the newest reading.
func (w *Window) Last() (reading.Reading, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.points) == 0 {
		return reading.Reading{}, false
	}
	return w.points[len(w.points)-1], true
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.points)
}

func (w *Window) Cap() int {
	return w.size
}

// Reset empties the window at session start.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = w.points[:0]
}
