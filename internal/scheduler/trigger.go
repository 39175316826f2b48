package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var dailyParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextTrigger returns the first hour:minute in loc strictly after now.
// When now is at or past today's trigger the result is tomorrow's.
// DST gaps follow cron semantics: a trigger inside a skipped hour fires at
// the next valid matching time.
func NextTrigger(now time.Time, loc *time.Location, hour, minute int) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("invalid trigger %02d:%02d", hour, minute)
	}
	sched, err := dailyParser.Parse(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		return time.Time{}, err
	}
	// cron evaluates in the location of the time it is given.
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("no trigger found after %s", now)
	}
	return next, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// ParseAt validates an "HH:MM" trigger string.
func ParseAt(s string) (hour, minute int, err error) { return parseHHMM(s) }

// LoadLocation resolves an IANA name; empty means time.Local.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
