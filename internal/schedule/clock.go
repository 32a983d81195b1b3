package schedule

import (
	"fmt"
	"time"
)

// Clock is a time of day at minute resolution.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("invalid time of day %q: expected HH:MM", s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MustParseClock is ParseClock for constants and tests.
func MustParseClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// seconds returns the offset of c from midnight in seconds.
func (c Clock) seconds() int {
	return c.Hour*3600 + c.Minute*60
}

// On returns c on the calendar day of t, in loc.
func (c Clock) On(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, loc)
}

// Next returns the first occurrence of c strictly after t.
func (c Clock) Next(t time.Time, loc *time.Location) time.Time {
	next := c.On(t, loc)
	if !next.After(t) {
		t = t.In(loc)
		next = time.Date(t.Year(), t.Month(), t.Day()+1, c.Hour, c.Minute, 0, 0, loc)
	}
	return next
}

// secondOfDay returns the offset of t from its local midnight in seconds.
func secondOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}
