package shiftcycle

import "time"

// Window bounds a single work day's duty period. It is derived from the
// schedule on every evaluation and never persisted.
type Window struct {
	Date  time.Time
	Start time.Time
	End   time.Time
}

// Window computes the duty window for workDate: the day at startHour local
// time, running for durationHours.
func (c *Calculator) Window(workDate time.Time, startHour, durationHours int) Window {
	day := c.midnight(workDate)
	start := day.Add(time.Duration(startHour) * time.Hour)
	return Window{
		Date:  day,
		Start: start,
		End:   start.Add(time.Duration(durationHours) * time.Hour),
	}
}
