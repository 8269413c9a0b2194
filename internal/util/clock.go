package util

import "time"

// Clock abstracts wall-clock reads so window arithmetic is testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// RealClock returns a Clock backed by time.Now in UTC.
func RealClock() Clock { return realClock{} }

// WindowStart returns the opening edge of the trailing window ending at now.
func WindowStart(now time.Time, window time.Duration) time.Time {
	return now.Add(-window)
}

// WithinWindow reports whether ts falls inside the trailing window ending at
// now. The window is half-open: ts == now-window is outside, ts == now is
// inside.
func WithinWindow(ts, now time.Time, window time.Duration) bool {
	return ts.After(WindowStart(now, window)) && !ts.After(now)
}

// Elapsed returns the non-negative duration since ts as observed at now.
func Elapsed(ts, now time.Time) time.Duration {
	if d := now.Sub(ts); d > 0 {
		return d
	}
	return 0
}

// Remaining returns how long until deadline as observed at now, or zero if
// the deadline has passed.
func Remaining(deadline, now time.Time) time.Duration {
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}
