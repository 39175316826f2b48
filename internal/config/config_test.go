package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func noEnv(string) (string, bool) { return "", false }

const minimalJSON = `{
  "telegram": {"token": "123:abc", "owner_user_ids": [7]},
  "logging": {"level": "info", "console": true},
  "schedule": {"timezone": "America/New_York", "at": "06:10"}
}`

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, t.TempDir(), "config.json", minimalJSON))
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || len(cfg.Telegram.OwnerUserIDs) != 1 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if !cfg.Schedule.IsEnabled() || !cfg.Health.IsEnabled() {
		t.Fatal("omitted enabled flags should default to true")
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	body := `
telegram:
  token: "123:abc"
  owner_user_ids: [1, 2]
calendar:
  cache_path: /tmp/events.json
  timeout: 5s
schedule:
  enabled: false
  at: "07:30"
delivery:
  workers: 2
  email:
    enabled: true
    host: smtp.example.com
    from: bot@example.com
    to: [desk@example.com]
storage:
  driver: sqlite
  path: ./ffbot.db
health:
  port: 8081
`
	m := NewConfigManager(writeFile(t, t.TempDir(), "config.yaml", body))
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Schedule.IsEnabled() || cfg.Schedule.At != "07:30" {
		t.Fatalf("schedule = %+v", cfg.Schedule)
	}
	if cfg.Delivery.Email == nil || cfg.Delivery.Email.To[0] != "desk@example.com" {
		t.Fatalf("email = %+v", cfg.Delivery.Email)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" || cfg.Health.Port != 8081 {
		t.Fatalf("storage/health = %+v %+v", cfg.Storage, cfg.Health)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
	}{
		{"unknown json key", "c.json", `{"telegram": {"token": "x", "tokn": "y"}}`},
		{"unknown yaml key", "c.yaml", "schedule:\n  every: 5m\n"},
		{"trailing json", "c.json", `{} {}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, t.TempDir(), "config.json", `{"telegram": {"token": ""}}`))
	env := map[string]string{EnvToken: "999:env", EnvPort: "8080", EnvTimezone: "Europe/London"}
	m.SetEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "999:env" || cfg.Health.Port != 8080 || cfg.Schedule.Timezone != "Europe/London" {
		t.Fatalf("env not applied: %+v %+v %+v", cfg.Telegram, cfg.Health, cfg.Schedule)
	}
}

func TestEnvBadPortRejected(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, t.TempDir(), "config.json", minimalJSON))
	m.SetEnv(func(k string) (string, bool) {
		if k == EnvPort {
			return "eighty", true
		}
		return "", false
	})
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), "health.port") {
		t.Fatalf("Load error = %v, want health.port error", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"email only", func(c *Config) {
			c.Telegram.Token = ""
			c.Delivery.Email = &EmailConfig{Enabled: true, Host: "smtp", From: "a@b.c", To: []string{"d@e.f"}}
		}, ""},
		{"bad group log", func(c *Config) { c.Telegram.GroupLog = "ops" }, "telegram.group_log"},
		{"bad feed url", func(c *Config) { c.Calendar.FeedURL = "ftp://x" }, "calendar.feed_url"},
		{"bad timeout", func(c *Config) { c.Calendar.Timeout = "soon" }, "calendar.timeout"},
		{"bad timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Base" }, "schedule.timezone"},
		{"bad at", func(c *Config) { c.Schedule.At = "25:00" }, "schedule.at"},
		{"negative workers", func(c *Config) { c.Delivery.Workers = -1 }, "delivery.workers"},
		{"email without recipients", func(c *Config) {
			c.Delivery.Email = &EmailConfig{Enabled: true, Host: "smtp", From: "a@b.c"}
		}, "delivery.email.to"},
		{"disabled email skipped", func(c *Config) { c.Delivery.Email = &EmailConfig{} }, ""},
		{"unknown storage", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "storage.driver"},
		{"sqlite without path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"port range", func(c *Config) { c.Health.Port = 70000 }, "health.port"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	off := false
	a := &Config{Telegram: TelegramConfig{Token: "secret-a"}, Schedule: ScheduleConfig{At: "06:10"}}
	b := &Config{Telegram: TelegramConfig{Token: "secret-b"}, Schedule: ScheduleConfig{At: "06:10", Enabled: &off}}

	sections, _ := SummarizeConfigChange(a, b)
	got := strings.Join(sections, ",")
	if got != "telegram,schedule" {
		t.Fatalf("sections = %q", got)
	}
	if s, _ := SummarizeConfigChange(a, a); len(s) != 0 {
		t.Fatalf("identical configs reported changes: %v", s)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", minimalJSON)
	m := NewConfigManager(path)
	m.SetEnv(noEnv)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// An invalid edit is rejected and the committed config stays.
	bad := strings.Replace(minimalJSON, `"06:10"`, `"99:99"`, 1)
	deadline := time.Now().Add(3 * time.Second)
	good := strings.Replace(minimalJSON, `"06:10"`, `"07:45"`, 1)
	for {
		writeFile(t, dir, "config.json", bad)
		time.Sleep(50 * time.Millisecond)
		writeFile(t, dir, "config.json", good)
		select {
		case cfg := <-sub:
			if cfg.Schedule.At != "07:45" {
				t.Fatalf("published At = %q", cfg.Schedule.At)
			}
			if m.Get().Schedule.At != "07:45" {
				t.Fatal("published config not committed")
			}
			return
		case <-time.After(300 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("no config published")
		}
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join("..", "..", "config.example.json"))
	m.SetEnv(func(k string) (string, bool) {
		if k == EnvToken {
			return "123:example", true
		}
		return "", false
	})
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("config.example.json: %v", err)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" || cfg.Schedule.At != "06:10" {
		t.Fatalf("unexpected example config: %+v", cfg)
	}
}
