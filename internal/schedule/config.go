package schedule

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/config"
)

// FromConfig builds a Window from the working_hours section.
func FromConfig(c config.WorkingHoursConfig) (Window, error) {
	start, err := ParseClock(c.Start)
	if err != nil {
		return Window{}, err
	}
	end, err := ParseClock(c.End)
	if err != nil {
		return Window{}, err
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return Window{}, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	var days Weekdays
	for _, name := range c.Weekdays {
		d, ok := config.ParseWeekday(name)
		if !ok {
			return Window{}, fmt.Errorf("unknown weekday %q", name)
		}
		days |= NewWeekdays(d)
	}
	return Window{Start: start, End: end, Location: loc, Days: days}, nil
}
