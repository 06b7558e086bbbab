// Package clock provides the time source and next-occurrence arithmetic for
// cadence scheduling decisions.
//
// All due-time computation goes through this package so tests can substitute
// a fixed clock and so the today/tomorrow rule is applied consistently.
package clock

import (
	"fmt"
	"time"

	"github.com/lumabot/cadence/internal/models"
)

// Clock supplies the current wall-clock time.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by time.Now.
type System struct{}

// Now returns the current time.
func (System) Now() time.Time { return time.Now() }

// LoadLocation resolves an IANA timezone name, falling back to UTC on an
// empty or unknown name rather than failing the scheduling decision.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NextOccurrence returns the next instant at the given wall-clock time in loc:
// today if that moment is still strictly ahead of now, otherwise tomorrow.
// Day arithmetic is calendar-based (AddDate), so the result stays at the same
// wall-clock time across DST transitions instead of drifting by the offset.
// The result is always strictly after now.
func NextOccurrence(now time.Time, tod models.TimeOfDay, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), tod.Hour, tod.Minute, 0, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// NextDayAt returns tomorrow at the given wall-clock time in loc, regardless
// of whether today's occurrence is still ahead. Program day advancement uses
// this so completing a task early never schedules the next task for the same
// day.
func NextDayAt(now time.Time, tod models.TimeOfDay, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), tod.Hour, tod.Minute, 0, 0, loc)
	return next.AddDate(0, 0, 1)
}

// DaysUntil returns the number of whole calendar days in loc from now until t.
// Used by the expiry sweep to find subscriptions expiring in exactly N days.
func DaysUntil(now, t time.Time, loc *time.Location) int {
	a := now.In(loc)
	b := t.In(loc)
	aDay := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, loc)
	bDay := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, loc)
	return int(bDay.Sub(aDay) / (24 * time.Hour))
}

// Fixed is a Clock that always reports the same instant. Test helper.
type Fixed struct {
	T time.Time
}

// Now returns the fixed instant.
func (f *Fixed) Now() time.Time { return f.T }

// Advance moves the fixed clock forward by d.
func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }

// String implements fmt.Stringer for log readability in tests.
func (f *Fixed) String() string { return fmt.Sprintf("Fixed(%s)", f.T.Format(time.RFC3339)) }
