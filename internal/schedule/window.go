// Package schedule decides whether the control loop may run at a given
// instant.
package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Clock is a time of day with minute precision.
type Clock struct {
	Hour, Minute int
}

// ParseClock parses "15:04".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return Clock{}, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// Weekdays is a bit mask of allowed days, bit i for time.Weekday(i).
type Weekdays uint8

// EveryDay allows all seven days.
const EveryDay Weekdays = 0x7f

// NewWeekdays builds a mask from days.
func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

// Has reports whether d is allowed.
func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<uint(d)) != 0
}

// Window is a daily [Start, End) interval in Location on the allowed
// weekdays. Start == End covers the whole day. Start > End wraps past
// midnight and belongs to the weekday on which it opens.
type Window struct {
	Start    Clock
	End      Clock
	Location *time.Location
	Days     Weekdays
}

func (w Window) loc() *time.Location {
	if w.Location == nil {
		return time.Local
	}
	return w.Location
}

// Allow reports whether now falls inside the window. It has no side
// effects and depends only on its inputs.
func (w Window) Allow(now time.Time) bool {
	local := now.In(w.loc())
	m := local.Hour()*60 + local.Minute()
	start, end := w.Start.minutes(), w.End.minutes()

	switch {
	case start == end:
		return w.Days.Has(local.Weekday())
	case start < end:
		return w.Days.Has(local.Weekday()) && m >= start && m < end
	case m >= start:
		return w.Days.Has(local.Weekday())
	case m < end:
		return w.Days.Has(local.AddDate(0, 0, -1).Weekday())
	}
	return false
}

// Next returns the earliest instant at or after now that Allow accepts,
// searching up to eight days ahead. The zero time means the window never
// opens.
func (w Window) Next(now time.Time) time.Time {
	if w.Allow(now) {
		return now
	}
	local := now.In(w.loc())
	for d := 0; d <= 8; d++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+d, w.Start.Hour, w.Start.Minute, 0, 0, w.loc())
		if day.Before(now) {
			continue
		}
		if w.Allow(day) {
			return day
		}
	}
	return time.Time{}
}

// String renders the window for logs.
func (w Window) String() string {
	var days []string
	for d := time.Sunday; d <= time.Saturday; d++ {
		if w.Days.Has(d) {
			days = append(days, d.String()[:3])
		}
	}
	return fmt.Sprintf("%s-%s %s [%s]", w.Start, w.End, w.loc(), strings.Join(days, ","))
}
