package quota

import "time"

// MinuteWindow is the length of the short quota window.
const MinuteWindow = 60 * time.Second

// MinuteWindowExpired reports whether the minute window that started at last
// has elapsed. A zero last means the window was never started.
func MinuteWindowExpired(now, last time.Time) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= MinuteWindow
}

// DailyWindowExpired reports whether now falls on a later calendar day than
// last, both evaluated in now's location.
func DailyWindowExpired(now, last time.Time) bool {
	if last.IsZero() {
		return true
	}
	last = last.In(now.Location())
	ny, nm, nd := now.Date()
	ly, lm, ld := last.Date()
	return ny != ly || nm != lm || nd != ld
}
