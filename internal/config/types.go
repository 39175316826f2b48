package config

// Config is the on-disk configuration. JSON or YAML; unknown keys are rejected.
//
// Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Calendar CalendarConfig `json:"calendar"`
	Schedule ScheduleConfig `json:"schedule"`
	Delivery DeliveryConfig `json:"delivery"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Health   HealthConfig   `json:"health"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via BOT_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id of the operator log sink.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
	// CommandTimeout bounds one chat command, including its pipeline run.
	CommandTimeout string `json:"command_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// CalendarConfig points at the weekly feed and its local cache file.
//
// Defaults: the ForexFactory weekly JSON export, "./cached_events.json", "10s".
type CalendarConfig struct {
	FeedURL   string `json:"feed_url,omitempty"`
	CachePath string `json:"cache_path,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// ScheduleConfig controls the daily broadcast.
//
// Enabled is a pointer so an omitted key means enabled.
type ScheduleConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Timezone is an IANA name; TIMEZONE overrides it. Default America/New_York.
	Timezone string `json:"timezone,omitempty"`
	// At is "HH:MM" in Timezone. Default "06:10".
	At         string `json:"at,omitempty"`
	RunTimeout string `json:"run_timeout,omitempty"`
}

// IsEnabled reports the effective enabled flag.
func (s ScheduleConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type DeliveryConfig struct {
	Workers    int          `json:"workers,omitempty"`
	RatePerSec int          `json:"rate_per_sec,omitempty"`
	Email      *EmailConfig `json:"email,omitempty"`
}

// EmailConfig adds SMTP recipients as broadcast destinations.
type EmailConfig struct {
	Enabled  bool     `json:"enabled"`
	Host     string   `json:"host"`
	Port     int      `json:"port,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	Subject  string   `json:"subject,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
}

// StorageConfig controls the chat registry and run history.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./ffbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// HealthConfig controls the HTTP probe. PORT overrides Port.
type HealthConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Host defaults to 0.0.0.0, Port to 5000.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	// Token guards /metrics and /debug/pprof/ (never logged).
	Token string `json:"token,omitempty"`
	Pprof bool   `json:"pprof,omitempty"`
}

func (h HealthConfig) IsEnabled() bool { return h.Enabled == nil || *h.Enabled }
