package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a movable clock for window tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSlidingWindow(t *testing.T) {
	t.Parallel()

	t.Run("sums samples inside the window", func(t *testing.T) {
		t.Parallel()
		clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
		w := NewSlidingWindow(time.Minute)
		w.SetClock(clock.Now)

		w.Add(10)
		clock.Advance(5 * time.Second)
		w.Add(20)
		clock.Advance(5 * time.Second)
		w.Add(30)

		assert.InDelta(t, 60, w.Total(), 1e-9)
		assert.Equal(t, 3, w.Count())
	})

	t.Run("drops expired samples lazily", func(t *testing.T) {
		t.Parallel()
		clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
		w := NewSlidingWindow(time.Minute)
		w.SetClock(clock.Now)

		w.Add(100)
		clock.Advance(30 * time.Second)
		w.Add(50)

		// First sample ages out, second stays.
		clock.Advance(45 * time.Second)
		assert.InDelta(t, 50, w.Total(), 1e-9)
		assert.Equal(t, 1, w.Count())

		// Everything ages out.
		clock.Advance(time.Minute)
		assert.Zero(t, w.Total())
		assert.Zero(t, w.Count())
	})

	t.Run("total never goes negative", func(t *testing.T) {
		t.Parallel()
		clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
		w := NewSlidingWindow(time.Minute)
		w.SetClock(clock.Now)

		w.Add(0.1)
		w.Add(0.2)
		clock.Advance(2 * time.Minute)
		assert.GreaterOrEqual(t, w.Total(), 0.0)
	})

	t.Run("clear empties the window", func(t *testing.T) {
		t.Parallel()
		w := NewSlidingWindow(time.Minute)
		w.Add(5)
		w.Add(7)
		w.Clear()
		assert.Zero(t, w.Total())
		assert.Zero(t, w.Count())
	})

	t.Run("zero size defaults to one minute", func(t *testing.T) {
		t.Parallel()
		w := NewSlidingWindow(0)
		assert.Equal(t, time.Minute, w.size)
	})
}
