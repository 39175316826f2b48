package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (json snapshot + jsonl)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "" or "memory": in-process only, lost on restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Chat is a broadcast destination the bot has seen.
type Chat struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Title    string    `json:"title,omitempty"`
	Type     string    `json:"type,omitempty"`
	AddedAt  time.Time `json:"added_at"`
	SeenAt   time.Time `json:"seen_at"`
}

// RunRecord is one pipeline execution. It is history only and is never replayed.
type RunRecord struct {
	ID        string    `json:"id"`
	Trigger   string    `json:"trigger"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
	TookMS    int64     `json:"took_ms"`
	Events    int       `json:"events"`
	Messages  int       `json:"messages"`
	Delivered int       `json:"delivered"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
}
