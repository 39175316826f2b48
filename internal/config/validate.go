package config

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Validate checks every section. It is run on load and before each hot reload
// is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	emailOn := cfg.Delivery.Email != nil && cfg.Delivery.Email.Enabled
	if strings.TrimSpace(cfg.Telegram.Token) == "" && !emailOn {
		add(errors.New("telegram.token is empty (set it or BOT_TOKEN)"))
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: invalid chat id %q", g))
		}
	}

	if u := strings.TrimSpace(cfg.Calendar.FeedURL); u != "" {
		pu, err := url.Parse(u)
		if err != nil || (pu.Scheme != "http" && pu.Scheme != "https") || pu.Host == "" {
			add(fmt.Errorf("calendar.feed_url: invalid url %q", u))
		}
	}

	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err))
		}
	}
	if at := strings.TrimSpace(cfg.Schedule.At); at != "" {
		if _, err := time.Parse("15:04", at); err != nil {
			add(fmt.Errorf("schedule.at: invalid %q, expected HH:MM", at))
		}
	}

	if cfg.Delivery.Workers < 0 {
		add(errors.New("delivery.workers must be >= 0"))
	}
	if cfg.Delivery.RatePerSec < 0 {
		add(errors.New("delivery.rate_per_sec must be >= 0"))
	}
	if emailOn {
		add(validateEmail(cfg.Delivery.Email))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path is required for driver %q", s.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown %q", s.Driver))
		}
	}

	for _, f := range durationFields(cfg) {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}

	if p := cfg.Health.Port; p < 0 || p > 65535 {
		add(fmt.Errorf("health.port: out of range (%d)", p))
	}
	return errors.Join(errs...)
}

func validateEmail(e *EmailConfig) error {
	var errs []error
	if strings.TrimSpace(e.Host) == "" {
		errs = append(errs, errors.New("delivery.email.host is required"))
	}
	if e.Port < 0 || e.Port > 65535 {
		errs = append(errs, fmt.Errorf("delivery.email.port: out of range (%d)", e.Port))
	}
	if _, err := mail.ParseAddress(e.From); err != nil {
		errs = append(errs, fmt.Errorf("delivery.email.from: %w", err))
	}
	if len(e.To) == 0 {
		errs = append(errs, errors.New("delivery.email.to: at least one recipient is required"))
	}
	for _, to := range e.To {
		if _, err := mail.ParseAddress(to); err != nil {
			errs = append(errs, fmt.Errorf("delivery.email.to %q: %w", to, err))
		}
	}
	return errors.Join(errs...)
}
