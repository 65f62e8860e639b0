package temporal

import (
	"sync"
	"time"
)

// Clock supplies timestamps for new changesets.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// MonotonicClock wraps a Clock and guarantees strictly increasing results.
//
// Changeset timestamps double as activation times, so two changesets created
// within the same nanosecond (or across a backwards wall-clock step) must
// still be totally ordered. When the source clock does not advance, the
// previous timestamp plus one nanosecond is returned instead.
//
// Thread Safety:
//
//	Safe for concurrent use.
type MonotonicClock struct {
	mu     sync.Mutex
	source Clock
	last   time.Time
}

// NewMonotonicClock creates a MonotonicClock over source. A nil source uses
// SystemClock.
func NewMonotonicClock(source Clock) *MonotonicClock {
	if source == nil {
		source = SystemClock
	}
	return &MonotonicClock{source: source}
}

// Now implements Clock.
func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.source.Now().Round(0)
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}

// Observe raises the clock's floor to t. Used after reopening a store so that
// new changesets sort after everything already persisted.
func (c *MonotonicClock) Observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t.Round(0)
	}
}
