package app

import (
	"net"
	"strconv"
	"strings"
	"time"

	"ffbot/internal/bot"
	"ffbot/internal/calendar"
	"ffbot/internal/config"
	"ffbot/internal/delivery"
	"ffbot/internal/health"
	"ffbot/internal/scheduler"
	"ffbot/internal/storage"
	"ffbot/internal/transport/email"
	logx "ffbot/pkg/logx"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 5000
	defaultSubject    = "Economic calendar"
)

// Every mapper below runs on a config that already passed config.Validate,
// so parse errors are only reported, never expected.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// groupLogChat returns the operator chat id, or 0 when unset.
func groupLogChat(cfg *config.Config) int64 {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapCalendar(cfg *config.Config) (calendar.Config, error) {
	timeout, err := config.ParseDurationOrDefault("calendar.timeout", cfg.Calendar.Timeout, calendar.DefaultTimeout)
	if err != nil {
		return calendar.Config{}, err
	}
	return calendar.Config{
		FeedURL:   strings.TrimSpace(cfg.Calendar.FeedURL),
		CachePath: strings.TrimSpace(cfg.Calendar.CachePath),
		Timeout:   timeout,
	}, nil
}

func mapSchedule(cfg *config.Config) (scheduler.Config, error) {
	runTimeout, err := config.ParseDurationOrDefault("schedule.run_timeout", cfg.Schedule.RunTimeout, scheduler.DefaultRunTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	tz := strings.TrimSpace(cfg.Schedule.Timezone)
	if tz == "" {
		tz = scheduler.DefaultTimezone
	}
	at := strings.TrimSpace(cfg.Schedule.At)
	if at == "" {
		at = scheduler.DefaultAt
	}
	return scheduler.Config{
		Enabled:    cfg.Schedule.IsEnabled(),
		Timezone:   tz,
		At:         at,
		RunTimeout: runTimeout,
	}, nil
}

func mapDelivery(cfg *config.Config) delivery.Config {
	return delivery.Config{
		Workers:    cfg.Delivery.Workers,
		RatePerSec: cfg.Delivery.RatePerSec,
	}
}

// mapEmail reports enabled=false when email delivery is off.
func mapEmail(cfg *config.Config) (email.Config, []string, string, bool, error) {
	e := cfg.Delivery.Email
	if e == nil || !e.Enabled {
		return email.Config{}, nil, "", false, nil
	}
	timeout, err := config.ParseDurationField("delivery.email.timeout", e.Timeout)
	if err != nil {
		return email.Config{}, nil, "", false, err
	}
	subject := strings.TrimSpace(e.Subject)
	if subject == "" {
		subject = defaultSubject
	}
	return email.Config{
		Host:     strings.TrimSpace(e.Host),
		Port:     e.Port,
		Username: e.Username,
		Password: e.Password,
		From:     strings.TrimSpace(e.From),
		Timeout:  timeout,
	}, append([]string(nil), e.To...), subject, true, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapHealth(cfg *config.Config) health.Config {
	host := strings.TrimSpace(cfg.Health.Host)
	if host == "" {
		host = defaultHealthHost
	}
	port := cfg.Health.Port
	if port == 0 {
		port = defaultHealthPort
	}
	return health.Config{
		Enabled: cfg.Health.IsEnabled(),
		Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		Token:   cfg.Health.Token,
		Pprof:   cfg.Health.Pprof,
	}
}

func mapBot(cfg *config.Config) (bot.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.command_timeout", cfg.Telegram.CommandTimeout, bot.DefaultCommandTimeout)
	if err != nil {
		return bot.Config{}, err
	}
	return bot.Config{
		Owners:         append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
		CommandTimeout: timeout,
	}, nil
}
