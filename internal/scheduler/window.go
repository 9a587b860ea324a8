package scheduler

import "time"

// withinWindow reports whether now falls in [target, target+tolerance), where
// target is hour:minute on now's calendar day in now's location.
//
// Built on time arithmetic rather than minute comparison so a window that
// crosses an hour boundary (e.g. 09:58 + 5m) matches correctly. A window that
// would cross midnight is clamped to the day: after midnight "now" carries the
// next day's date key, which gets its own window.
func withinWindow(now time.Time, hour, minute int, tolerance time.Duration) bool {
	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	diff := now.Sub(target)
	return diff >= 0 && diff < tolerance
}
