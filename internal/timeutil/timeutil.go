// Package timeutil provides instant and window helpers used by session
// correlation and staleness checks.
package timeutil

import "time"

// WithinWindow reports whether a and b are no more than window apart,
// regardless of order.
func WithinWindow(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// StartedWithinBefore reports whether start lies in the half-open window
// [ref-window, ref]: at or before ref, and no more than window earlier.
// A start after ref always fails.
func StartedWithinBefore(start, ref time.Time, window time.Duration) bool {
	d := ref.Sub(start)
	return d >= 0 && d <= window
}

// ParseTimestamp parses an ISO-8601 timestamp, accepting both second and
// sub-second precision. Returns the zero time on failure.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// ModifiedSince reports whether mtime is at or after now-within.
func ModifiedSince(mtime, now time.Time, within time.Duration) bool {
	return !mtime.Before(now.Add(-within))
}
