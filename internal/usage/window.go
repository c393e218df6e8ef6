package usage

import (
	"sync"
	"time"
)

type sample struct {
	at    time.Time
	value float64
}

// SlidingWindow maintains a rolling sum of timestamped samples over a fixed
// duration. Expired samples are dropped lazily on each call; the total is
// clamped at zero to absorb floating-point drift.
type SlidingWindow struct {
	size time.Duration
	now  func() time.Time

	mu      sync.Mutex
	samples []sample
	total   float64
}

// NewSlidingWindow creates a window over the given duration. A zero or
// negative duration defaults to one minute.
func NewSlidingWindow(size time.Duration) *SlidingWindow {
	if size <= 0 {
		size = time.Minute
	}
	return &SlidingWindow{
		size: size,
		now:  time.Now,
	}
}

// SetClock overrides the window's clock. Test hook.
func (w *SlidingWindow) SetClock(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
}

// Add records a sample at the current time.
func (w *SlidingWindow) Add(value float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.samples = append(w.samples, sample{at: now, value: value})
	w.total += value
	w.dropExpiredLocked(now)
}

// Total returns the sum of samples inside the window.
func (w *SlidingWindow) Total() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropExpiredLocked(w.now())
	return w.total
}

// Count returns the number of samples inside the window.
func (w *SlidingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropExpiredLocked(w.now())
	return len(w.samples)
}

// Clear empties the window.
func (w *SlidingWindow) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = nil
	w.total = 0
}

func (w *SlidingWindow) dropExpiredLocked(now time.Time) {
	cutoff := now.Add(-w.size)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		w.total -= w.samples[i].value
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
	if w.total < 0 {
		w.total = 0
	}
}
