package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ffbot/internal/config"
	"ffbot/internal/health"
	"ffbot/internal/scheduler"
)

func TestMapHealthDefaults(t *testing.T) {
	t.Parallel()
	off := false
	tests := []struct {
		name    string
		in      config.HealthConfig
		addr    string
		enabled bool
	}{
		{"defaults", config.HealthConfig{}, "0.0.0.0:5000", true},
		{"port override", config.HealthConfig{Port: 8080}, "0.0.0.0:8080", true},
		{"host and port", config.HealthConfig{Host: "127.0.0.1", Port: 9000}, "127.0.0.1:9000", true},
		{"disabled", config.HealthConfig{Enabled: &off}, "0.0.0.0:5000", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := mapHealth(&config.Config{Health: tt.in})
			if got.Addr != tt.addr || got.Enabled != tt.enabled {
				t.Fatalf("mapHealth = %+v, want addr %s enabled %v", got, tt.addr, tt.enabled)
			}
		})
	}
}

func TestMapScheduleDefaults(t *testing.T) {
	t.Parallel()
	got, err := mapSchedule(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled || got.Timezone != scheduler.DefaultTimezone || got.At != scheduler.DefaultAt || got.RunTimeout != scheduler.DefaultRunTimeout {
		t.Fatalf("mapSchedule = %+v", got)
	}
}

func TestMapStorage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		in     *config.StorageConfig
		driver string
	}{
		{"omitted", nil, "memory"},
		{"none", &config.StorageConfig{Driver: "none"}, "memory"},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "x.db"}, "sqlite"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorage(&config.Config{Storage: tt.in})
			if err != nil {
				t.Fatal(err)
			}
			if got.Driver != tt.driver {
				t.Fatalf("driver = %q, want %q", got.Driver, tt.driver)
			}
		})
	}
}

func TestMapEmail(t *testing.T) {
	t.Parallel()
	if _, _, _, on, err := mapEmail(&config.Config{}); on || err != nil {
		t.Fatalf("no email section: on=%v err=%v", on, err)
	}
	cfg := &config.Config{Delivery: config.DeliveryConfig{Email: &config.EmailConfig{
		Enabled: true, Host: " smtp.example.com ", From: "bot@example.com", To: []string{"desk@example.com"}, Timeout: "5s",
	}}}
	ec, to, subject, on, err := mapEmail(cfg)
	if err != nil || !on {
		t.Fatalf("on=%v err=%v", on, err)
	}
	if ec.Host != "smtp.example.com" || ec.Timeout != 5*time.Second || subject != defaultSubject || len(to) != 1 {
		t.Fatalf("mapEmail = %+v %v %q", ec, to, subject)
	}
}

func TestGroupLogChat(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]int64{"": 0, "-1001234": -1001234, "ops": 0} {
		cfg := &config.Config{Telegram: config.TelegramConfig{GroupLog: raw}}
		if got := groupLogChat(cfg); got != want {
			t.Fatalf("groupLogChat(%q) = %d, want %d", raw, got, want)
		}
	}
}

func emailOnlyConfig(dir, at string) string {
	return `{
  "telegram": {"token": ""},
  "logging": {"level": "error"},
  "calendar": {"cache_path": "` + filepath.ToSlash(filepath.Join(dir, "events.json")) + `"},
  "schedule": {"timezone": "UTC", "at": "` + at + `"},
  "delivery": {"email": {"enabled": true, "host": "127.0.0.1", "port": 2525, "from": "bot@example.com", "to": ["desk@example.com"]}},
  "health": {"enabled": false}
}`
}

func TestAppEmailOnlyLifecycleAndReload(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv(config.EnvToken, "")
	t.Setenv(config.EnvPort, "")
	t.Setenv(config.EnvTimezone, "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(emailOnlyConfig(dir, "06:10")), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.adapter != nil || a.bot != nil {
		t.Fatal("email-only config should not build telegram components")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := a.sched.Snapshot()
	if !st.Enabled || st.Hour != 6 || st.Minute != 10 {
		t.Fatalf("scheduler state = %+v", st)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := os.WriteFile(path, []byte(emailOnlyConfig(dir, "07:45")), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(400 * time.Millisecond)
		if st := a.sched.Snapshot(); st.Hour == 7 && st.Minute == 45 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reload not applied: %+v", a.sched.Snapshot())
		}
	}

	status, ok := a.status().(health.Status)
	if !ok || status.Status != "ok" || status.Scheduler.At != "07:45" {
		t.Fatalf("status = %+v", a.status())
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}
