package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "ffbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// keepRuns bounds the runs table; older rows are pruned periodically.
const keepRuns = 5000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 200}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrations)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutChat(ctx context.Context, c Chat) error {
	now := time.Now()
	if c.SeenAt.IsZero() {
		c.SeenAt = now
	}
	if c.AddedAt.IsZero() {
		c.AddedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats(chat_id, thread_id, title, type, added_at, seen_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   thread_id=excluded.thread_id,
		   title=COALESCE(NULLIF(excluded.title, ''), chats.title),
		   type=COALESCE(NULLIF(excluded.type, ''), chats.type),
		   seen_at=excluded.seen_at`,
		c.ChatID, c.ThreadID, c.Title, c.Type, c.AddedAt.UnixMilli(), c.SeenAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) RemoveChat(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?`, chatID)
	return err
}

func (s *sqliteStore) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, thread_id, title, type, added_at, seen_at FROM chats ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var (
			c           Chat
			added, seen int64
		)
		if err := rows.Scan(&c.ChatID, &c.ThreadID, &c.Title, &c.Type, &added, &seen); err != nil {
			return nil, err
		}
		c.AddedAt = time.UnixMilli(added)
		c.SeenAt = time.UnixMilli(seen)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, source, mode, started_at, took_ms, events, messages, delivered, skipped, failed, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Trigger, r.Mode, r.StartedAt.UnixMilli(), r.TookMS, r.Events, r.Messages,
		r.Delivered, r.Skipped, r.Failed, nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneRuns(pctx); perr != nil {
			s.log.Debug("run history prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, n int) ([]RunRecord, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, mode, started_at, took_ms, events, messages, delivered, skipped, failed, err
		 FROM runs ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r       RunRecord
			started int64
			errStr  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Mode, &started, &r.TookMS, &r.Events, &r.Messages,
			&r.Delivered, &r.Skipped, &r.Failed, &errStr); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		r.Error = errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE seq <= (SELECT MAX(seq) FROM runs) - ?`, keepRuns)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
