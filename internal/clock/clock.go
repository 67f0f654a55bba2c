// Package clock provides the current time, indirected so tests can replace
// it with a fake or offset clock without touching call sites.
package clock

import (
	"context"
	"time"
)

// nowFunc is swapped out by tests via SetNowFunc to produce deterministic
// time in schedulers and reconcilers.
var nowFunc = time.Now //nolint:gochecknoglobals

// Now returns the current time according to the process-wide clock.
func Now() time.Time {
	return nowFunc()
}

// SetNowFunc overrides the clock used by Now and returns a function that
// restores the previous one. Intended for tests only.
func SetNowFunc(f func() time.Time) (restore func()) {
	prev := nowFunc
	nowFunc = f

	return func() { nowFunc = prev }
}

// SleepInterruptibly sleeps for d or until ctx is done, whichever comes
// first. It returns true if the full duration elapsed, false if ctx expired
// first. Every worker loop in this repository uses this instead of
// time.Sleep so shutdown signals are never blocked behind a sleep.
func SleepInterruptibly(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
