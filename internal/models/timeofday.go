package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTimeOfDay is returned when an HH:MM string cannot be parsed.
var ErrInvalidTimeOfDay = errors.New("invalid time of day, expected HH:MM")

// TimeOfDay is a wall-clock time in a user's reference timezone, stored and
// exchanged as an HH:MM string (24-hour).
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// ParseTimeOfDay parses an "HH:MM" string into a TimeOfDay.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MustTimeOfDay parses an "HH:MM" string and panics on error. For use with
// trusted constants only.
func MustTimeOfDay(s string) TimeOfDay {
	tod, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return tod
}

// String returns the canonical "HH:MM" representation.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// IsZero reports whether the time of day is the zero value (midnight).
// Midnight reminder times are not distinguished from "unset"; callers that
// need an optional time use a pointer.
func (t TimeOfDay) IsZero() bool {
	return t.Hour == 0 && t.Minute == 0
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
