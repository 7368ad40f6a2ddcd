// Package shiftcycle computes duty days and work windows for fixed-offset
// rotation patterns such as 24h on / 72h off. All calendar math is done in
// the calculator's timezone; callers that need agreement across devices
// must configure the same location everywhere.
package shiftcycle

import (
	"errors"
	"math"
	"time"

	"plantao/internal/domain"
)

// ErrInvalidPattern indicates a pattern with no work days or a
// non-positive cycle length.
var ErrInvalidPattern = errors.New("shiftcycle: pattern must have at least one work day")

// Calculator evaluates rotation patterns against a reference calendar.
type Calculator struct {
	location *time.Location
}

// NewCalculator constructs a Calculator that normalizes dates to the
// provided location. If loc is nil, the local timezone is used.
func NewCalculator(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.Local
	}
	return &Calculator{location: loc}
}

// Location returns the calculator's calendar timezone.
func (c *Calculator) Location() *time.Location {
	return c.location
}

// CycleDay returns the whole-day distance from firstShift to reference.
// The result is negative when reference falls before the first shift.
func (c *Calculator) CycleDay(reference, firstShift time.Time) int {
	a := c.midnight(firstShift)
	b := c.midnight(reference)
	// Midnight-to-midnight distance stays within an hour or two of a whole
	// number of days across DST transitions, so rounding recovers the
	// calendar-day count.
	return int(math.Round(b.Sub(a).Hours() / 24))
}

// IsWorkDay reports whether reference falls on a duty day of the rotation
// anchored at firstShift. Days before the first shift are never work days;
// the first shift day itself always is.
func (c *Calculator) IsWorkDay(reference, firstShift time.Time, pattern domain.CyclePattern) (bool, error) {
	if pattern.WorkDays <= 0 || pattern.Length() <= 0 {
		return false, ErrInvalidPattern
	}
	day := c.CycleDay(reference, firstShift)
	if day < 0 {
		return false, nil
	}
	return day%pattern.Length() < pattern.WorkDays, nil
}

// NextWorkDay returns the first duty day on or after from.
func (c *Calculator) NextWorkDay(from, firstShift time.Time, pattern domain.CyclePattern) (time.Time, error) {
	if pattern.WorkDays <= 0 || pattern.Length() <= 0 {
		return time.Time{}, ErrInvalidPattern
	}
	day := c.CycleDay(from, firstShift)
	first := c.midnight(firstShift)
	if day < 0 {
		return first, nil
	}
	offset := day % pattern.Length()
	if offset < pattern.WorkDays {
		return c.midnight(from), nil
	}
	return c.midnight(from).AddDate(0, 0, pattern.Length()-offset), nil
}

func (c *Calculator) midnight(t time.Time) time.Time {
	t = t.In(c.location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.location)
}
