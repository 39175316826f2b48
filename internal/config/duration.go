package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

type durationField struct{ path, raw string }

// durationFields lists every duration string in cfg, keyed by its config path.
func durationFields(cfg *Config) []durationField {
	out := []durationField{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"telegram.command_timeout", cfg.Telegram.CommandTimeout},
		{"calendar.timeout", cfg.Calendar.Timeout},
		{"schedule.run_timeout", cfg.Schedule.RunTimeout},
	}
	if e := cfg.Delivery.Email; e != nil && e.Enabled {
		out = append(out, durationField{"delivery.email.timeout", e.Timeout})
	}
	if s := cfg.Storage; s != nil {
		out = append(out, durationField{"storage.busy_timeout", s.BusyTimeout})
	}
	return out
}
