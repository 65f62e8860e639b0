// Package temporal provides the time thresholds and clocks used by StrataDB's
// point-in-time queries.
//
// Every merged read is evaluated "as of" a threshold. The Latest threshold
// asks for the current state and is the only threshold whose results may be
// cached; an At threshold pins the evaluation to a fixed instant and always
// recomputes from the version log.
//
// Example usage:
//
//	now := temporal.Latest()
//	yesterday := temporal.At(time.Now().Add(-24 * time.Hour))
//
//	if now.IsLatest() {
//		// eligible for caching
//	}
//
//	// Versions activated at or before the threshold are visible.
//	visible := yesterday.Includes(version.ActivationTime)
package temporal

import (
	"fmt"
	"time"
)

// Threshold selects the point in time a merged view is evaluated at.
//
// The zero value is Latest.
type Threshold struct {
	fixed bool
	at    time.Time
}

// Latest returns the threshold for the current state.
func Latest() Threshold {
	return Threshold{}
}

// At returns a threshold pinned to t. Versions with an activation time after
// t are invisible to queries using it.
func At(t time.Time) Threshold {
	return Threshold{fixed: true, at: t}
}

// IsLatest reports whether the threshold tracks the current state.
func (t Threshold) IsLatest() bool {
	return !t.fixed
}

// Time returns the pinned instant. It returns the zero time for Latest.
func (t Threshold) Time() time.Time {
	return t.at
}

// Includes reports whether a version activated at ts is visible.
func (t Threshold) Includes(ts time.Time) bool {
	if !t.fixed {
		return true
	}
	return !ts.After(t.at)
}

// UnixNano returns the pinned instant as nanoseconds, or the maximum int64
// for Latest so that range comparisons need no special case.
func (t Threshold) UnixNano() int64 {
	if !t.fixed {
		return int64(^uint64(0) >> 1)
	}
	return t.at.UnixNano()
}

// String implements fmt.Stringer.
func (t Threshold) String() string {
	if !t.fixed {
		return "latest"
	}
	return fmt.Sprintf("at(%s)", t.at.UTC().Format(time.RFC3339Nano))
}
