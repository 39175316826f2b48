package calendar

import (
	"strings"
	"time"
)

// Significant reports whether an event clears the notification threshold:
// any High event, or a Medium event for EUR or USD.
func Significant(e Event) bool {
	switch e.Impact {
	case ImpactHigh:
		return true
	case ImpactMedium:
		return e.Country == "EUR" || e.Country == "USD"
	default:
		return false
	}
}

// WeekWindow returns the Sunday-to-Saturday week containing now, in now's
// location. On a Sunday the window starts that same day.
func WeekWindow(now time.Time) (start, end time.Time) {
	y, m, d := now.Date()
	loc := now.Location()
	back := int(now.Weekday())
	start = time.Date(y, m, d-back, 0, 0, 0, 0, loc)
	end = time.Date(y, m, d-back+6, 23, 59, 59, 999999000, loc)
	return start, end
}

// FilterWindow keeps significant events whose parsed date lies in
// [start, end]. Events with an unparseable date are skipped.
func FilterWindow(events []Event, start, end time.Time) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if !Significant(e) {
			continue
		}
		t, err := e.When()
		if err != nil {
			continue
		}
		if t.Before(start) || t.After(end) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// FilterWeek is FilterWindow over WeekWindow(now).
func FilterWeek(events []Event, now time.Time) []Event {
	start, end := WeekWindow(now)
	return FilterWindow(events, start, end)
}

// FilterDay keeps significant events whose raw date string starts with
// today ("YYYY-MM-DD"). The date is not parsed, so the feed's own offset is
// ignored.
func FilterDay(events []Event, today string) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if Significant(e) && strings.HasPrefix(e.Date, today) {
			out = append(out, e)
		}
	}
	return out
}

// Today formats now as the day-filter key.
func Today(now time.Time) string { return now.Format("2006-01-02") }
