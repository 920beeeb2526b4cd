package relay

import "time"

// inRegularHours reports whether t falls inside US equities regular trading
// hours: 09:30-16:00 in loc, Monday through Friday. No holiday calendar.
func inRegularHours(t time.Time, loc *time.Location) bool {
	local := t.In(loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	const openMin, closeMin = 9*60 + 30, 16 * 60
	return minutes >= openMin && minutes <= closeMin
}
