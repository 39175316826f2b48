package storage

import (
	"context"
	"errors"
	"strings"

	logx "ffbot/pkg/logx"
)

// Store is the persistence API used by the bot and the pipeline.
type Store interface {
	// PutChat inserts or refreshes a chat. AddedAt is kept from the first insert.
	PutChat(ctx context.Context, c Chat) error
	RemoveChat(ctx context.Context, chatID int64) error
	// ListChats returns chats ordered by ChatID.
	ListChats(ctx context.Context) ([]Chat, error)

	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to n runs, newest first.
	RecentRuns(ctx context.Context, n int) ([]RunRecord, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "none", "memory":
		return newMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
