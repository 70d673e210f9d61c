package schedule

import "time"

// NextFireInstant returns the next instant, strictly after now, at which a
// reminder for t should fire. The candidate is built on now's calendar date
// in now's location; if it is not after now it moves one calendar day
// forward (AddDate, not +24h, so civil-time shifts keep the wall clock).
func NextFireInstant(t NotificationTime, now time.Time) time.Time {
	h, m := t.To24Hour()
	y, mo, d := now.Date()
	loc := now.Location()

	candidate := time.Date(y, mo, d, h, m, 0, 0, loc)
	if !candidate.After(now) {
		candidate = time.Date(y, mo, d+1, h, m, 0, 0, loc)
	}
	// A wall-clock time that does not exist on the target day (spring-forward
	// gap) is normalized by time.Date and can land at or before now; step again.
	for !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
