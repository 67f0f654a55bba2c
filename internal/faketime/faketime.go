// Package faketime provides deterministic time sources for tests of the
// scheduler, reconciler and orphan-sweep loops, which all depend on wall
// clock progression.
package faketime

import (
	"sync"
	"time"
)

// Frozen returns a NowFunc that always returns t.
func Frozen(t time.Time) func() time.Time {
	return func() time.Time {
		return t
	}
}

// ClockTimeWithOffset offsets the real clock by a fixed duration, so tests
// can pretend "now" is some other baseline while time still advances
// naturally (used by scheduler tests that need real goroutine timing).
type ClockTimeWithOffset struct {
	offset time.Duration
}

// NewClockTimeWithOffset returns a ClockTimeWithOffset that adds offset to
// the real wall clock every time NowFunc's result is invoked.
func NewClockTimeWithOffset(offset time.Duration) *ClockTimeWithOffset {
	return &ClockTimeWithOffset{offset: offset}
}

// NowFunc returns a function suitable for scheduler.Options.TimeNow.
func (c *ClockTimeWithOffset) NowFunc() func() time.Time {
	return func() time.Time {
		return time.Now().Add(c.offset)
	}
}

// TimeAdvance is a manually-advanced clock, useful for reconciler staleness
// tests where time must jump in discrete steps.
type TimeAdvance struct {
	mu   sync.Mutex
	now  time.Time
	auto time.Duration
}

// NewTimeAdvance returns a TimeAdvance starting at start.
func NewTimeAdvance(start time.Time) *TimeAdvance {
	return &TimeAdvance{now: start}
}

// NewAutoAdvance returns a TimeAdvance that also advances by step every time
// NowFunc's result is called, in addition to manual Advance calls.
func NewAutoAdvance(start time.Time, step time.Duration) *TimeAdvance {
	ta := &TimeAdvance{now: start}
	ta.auto = step

	return ta
}

// Advance moves the clock forward by d.
func (ta *TimeAdvance) Advance(d time.Duration) {
	ta.mu.Lock()
	defer ta.mu.Unlock()

	ta.now = ta.now.Add(d)
}

// NowFunc returns a function returning the current fake time, advancing it
// automatically if configured via NewAutoAdvance.
func (ta *TimeAdvance) NowFunc() func() time.Time {
	return func() time.Time {
		ta.mu.Lock()
		defer ta.mu.Unlock()

		cur := ta.now
		if ta.auto != 0 {
			ta.now = ta.now.Add(ta.auto)
		}

		return cur
	}
}

// AutoAdvance returns a NowFunc starting at start that advances by step on
// every call, guaranteeing monotonically increasing, unique timestamps
// across concurrent callers.
func AutoAdvance(start time.Time, step time.Duration) func() time.Time {
	return NewAutoAdvance(start, step).NowFunc()
}
