package clock

import (
	"testing"
	"time"

	"github.com/lumabot/cadence/internal/models"
)

func TestNextOccurrenceTodayIfAhead(t *testing.T) {
	// 08:30 local, reminder at 09:00 -> today 09:00.
	now := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)
	next := NextOccurrence(now, models.TimeOfDay{Hour: 9, Minute: 0}, time.UTC)

	want := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextOccurrenceTomorrowIfPassed(t *testing.T) {
	// 10:00 local, reminder at 09:00 -> tomorrow 09:00.
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	next := NextOccurrence(now, models.TimeOfDay{Hour: 9, Minute: 0}, time.UTC)

	want := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextOccurrenceExactMomentRollsOver(t *testing.T) {
	// Exactly 09:00 is not "still ahead"; the next occurrence is tomorrow.
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	next := NextOccurrence(now, models.TimeOfDay{Hour: 9, Minute: 0}, time.UTC)

	if !next.After(now) {
		t.Errorf("expected next occurrence strictly after now, got %v", next)
	}
	if next.Day() != 11 {
		t.Errorf("expected rollover to tomorrow, got %v", next)
	}
}

func TestNextOccurrenceRespectsTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone database unavailable: %v", err)
	}

	// 13:00 UTC is 08:00/09:00 in New York depending on DST; use a winter
	// date so the offset is fixed at -05:00.
	now := time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC)
	next := NextOccurrence(now, models.TimeOfDay{Hour: 9, Minute: 0}, loc)

	want := time.Date(2025, 1, 15, 9, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextDayAtAlwaysTomorrow(t *testing.T) {
	// Even though 09:00 is still ahead, NextDayAt goes to tomorrow.
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	next := NextDayAt(now, models.TimeOfDay{Hour: 9, Minute: 0}, time.UTC)

	want := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextDayAtKeepsWallClockAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("timezone database unavailable: %v", err)
	}

	// Europe/Berlin springs forward on 2025-03-30. Tomorrow's occurrence must
	// still read 09:00 on the wall clock.
	now := time.Date(2025, 3, 29, 10, 0, 0, 0, loc)
	next := NextDayAt(now, models.TimeOfDay{Hour: 9, Minute: 0}, loc)

	if next.Hour() != 9 || next.Minute() != 0 {
		t.Errorf("expected 09:00 wall clock after DST transition, got %v", next)
	}
	if next.Day() != 30 {
		t.Errorf("expected March 30, got %v", next)
	}
}

func TestDaysUntil(t *testing.T) {
	now := time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC)
	cases := []struct {
		name   string
		target time.Time
		want   int
	}{
		{"same day", time.Date(2025, 3, 10, 23, 59, 0, 0, time.UTC), 0},
		{"next day early morning", time.Date(2025, 3, 11, 0, 30, 0, 0, time.UTC), 1},
		{"a week out", time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC), 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DaysUntil(now, tc.target, time.UTC); got != tc.want {
				t.Errorf("DaysUntil(%v) = %d, want %d", tc.target, got, tc.want)
			}
		})
	}
}

func TestLoadLocationFallsBackToUTC(t *testing.T) {
	if loc := LoadLocation(""); loc != time.UTC {
		t.Errorf("expected UTC for empty name, got %v", loc)
	}
	if loc := LoadLocation("Not/AZone"); loc != time.UTC {
		t.Errorf("expected UTC for unknown name, got %v", loc)
	}
}

func TestFixedClock(t *testing.T) {
	f := &Fixed{T: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	before := f.Now()
	f.Advance(time.Hour)
	if got := f.Now().Sub(before); got != time.Hour {
		t.Errorf("expected 1h advance, got %v", got)
	}
}
