package calendar

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var clockRe = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)

var dateLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWhen resolves the time of a plan. It accepts absolute times
// ("2026-03-05 19:00", RFC 3339) and relative ones ("Thu 19:00",
// "thursday 7pm", "tomorrow 8:30", "19:00"). Relative times resolve to the
// next matching moment after now.
func ParseWhen(s string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("no time given")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	now = now.In(loc)
	fields := strings.Fields(strings.ToLower(s))
	day := -1 // days from today; -1 means "next occurrence of the clock time"
	weekday := time.Weekday(-1)
	switch first := strings.TrimSuffix(fields[0], ","); {
	case first == "today":
		day = 0
		fields = fields[1:]
	case first == "tomorrow":
		day = 1
		fields = fields[1:]
	case len(first) >= 3:
		if wd, ok := weekdays[first[:3]]; ok {
			weekday = wd
			fields = fields[1:]
		}
	}
	if len(fields) > 0 && fields[0] == "at" {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return time.Time{}, fmt.Errorf("no clock time in %q", s)
	}
	hour, minute, err := parseClock(strings.Join(fields, ""))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", s, err)
	}

	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
	switch {
	case weekday >= 0:
		at = at.AddDate(0, 0, (int(weekday)-int(now.Weekday())+7)%7)
		if !at.After(now) {
			at = at.AddDate(0, 0, 7)
		}
	case day >= 0:
		at = at.AddDate(0, 0, day)
	case !at.After(now):
		at = at.AddDate(0, 0, 1)
	}
	return at, nil
}

func parseClock(s string) (hour, minute int, err error) {
	m := clockRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("unrecognized clock time %q", s)
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	switch m[3] {
	case "am":
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 12 {
			hour += 12
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("clock time out of range %q", s)
	}
	return hour, minute, nil
}
