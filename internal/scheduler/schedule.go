package scheduler

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var everyNMin = regexp.MustCompile(`^every_(\d+)_min$`)

// NextRun returns the next run of schedule counted from now. Named schedules
// are fixed offsets; anything robfig/cron can parse (five fields, @daily,
// @every 90m) uses the cron schedule; anything else runs again in an hour.
func NextRun(schedule string, from time.Time) time.Time {
	s := strings.TrimSpace(schedule)
	switch s {
	case "hourly":
		return from.Add(time.Hour)
	case "daily":
		return from.Add(24 * time.Hour)
	case "weekly":
		return from.Add(7 * 24 * time.Hour)
	}
	if m := everyNMin.FindStringSubmatch(s); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return from.Add(time.Duration(n) * time.Minute)
		}
	}
	if sched, err := cron.ParseStandard(s); err == nil {
		if next := sched.Next(from); !next.IsZero() {
			return next
		}
	}
	return from.Add(time.Hour)
}

// ValidSchedule reports whether schedule is recognised rather than falling
// back to hourly.
func ValidSchedule(schedule string) bool {
	s := strings.TrimSpace(schedule)
	switch s {
	case "hourly", "daily", "weekly":
		return true
	}
	if m := everyNMin.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		return err == nil && n > 0
	}
	_, err := cron.ParseStandard(s)
	return err == nil
}
