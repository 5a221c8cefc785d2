// Package timefmt formats wire-protocol timestamps.
package timefmt

import "time"

// ISO8601 is the ISO-8601 format used for timestamp serialization.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format formats a time.Time to the standard wire representation.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// Now returns the current time in the standard wire representation.
func Now() string {
	return Format(time.Now())
}

// Parse parses a wire timestamp. The zero time is returned on error so
// callers rendering snapshots never fail on a malformed peer timestamp.
func Parse(s string) time.Time {
	t, err := time.Parse(ISO8601, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
