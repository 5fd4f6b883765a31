// timecmp has small comparison helpers for time.Time, which has Before and
// After but no ordering functions.

package timecmp

import "time"

// Leq returns true if l <= r
func Leq(l, r time.Time) bool {
	return !l.After(r)
}

// Max returns whichever of l or r is greatest (farther in the future)
func Max(l, r time.Time) time.Time {
	if l.Before(r) {
		return r
	}
	return l
}

// Min returns whichever of l or r is least (farther in the past)
func Min(l, r time.Time) time.Time {
	if l.Before(r) {
		return l
	}
	return r
}

// Overlap returns how much of [l1, r1) lies inside [l2, r2) (0 if the two
// don't intersect)
func Overlap(l1, r1, l2, r2 time.Time) time.Duration {
	d := Min(r1, r2).Sub(Max(l1, l2))
	if d < 0 {
		return 0
	}
	return d
}
