// Package system provides the wall clock used for record timestamps, expiry,
// and subscriber last-seen bookkeeping.
package system

import "time"

// Clock returns UTC wall time.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Unix converts t to fractional unix seconds, the timestamp form carried in
// progress records and stream frames.
func Unix(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}
