package router

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"deskline/internal/domain"
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// IsCovered reports whether any schedule of the desk is open at now. A desk
// without schedules is always covered. Each schedule is read in its own zone,
// falling back to UTC when the zone is unknown. Start and End are inclusive
// "HH:MM" bounds on the same day.
func IsCovered(desk domain.Desk, now time.Time) bool {
	if len(desk.Schedules) == 0 {
		return true
	}
	for _, s := range desk.Schedules {
		if scheduleOpen(s, now) {
			return true
		}
	}
	return false
}

func scheduleOpen(s domain.CoverageSchedule, now time.Time) bool {
	loc, err := time.LoadLocation(s.TZ)
	if err != nil || s.TZ == "" {
		loc = time.UTC
	}
	local := now.In(loc)
	day, ok := weekdays[strings.ToLower(strings.TrimSpace(s.Day))]
	if !ok || local.Weekday() != day {
		return false
	}
	hhmm := local.Format("15:04")
	return s.Start <= hhmm && hhmm <= s.End
}

// ValidateSchedule rejects schedules IsCovered could not evaluate as written.
func ValidateSchedule(s domain.CoverageSchedule) error {
	if _, ok := weekdays[strings.ToLower(strings.TrimSpace(s.Day))]; !ok {
		return fmt.Errorf("schedule day %q is not a weekday", s.Day)
	}
	for _, v := range []string{s.Start, s.End} {
		if _, err := time.Parse("15:04", v); err != nil || len(v) != 5 {
			return fmt.Errorf("schedule time %q must be HH:MM", v)
		}
	}
	if s.Start > s.End {
		return fmt.Errorf("schedule start %s is after end %s", s.Start, s.End)
	}
	if s.TZ != "" {
		if _, err := time.LoadLocation(s.TZ); err != nil {
			return fmt.Errorf("schedule zone %q: %w", s.TZ, err)
		}
	}
	return nil
}
