package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "ffbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.chats.json  (snapshot, replaced atomically on every change)
//   - <prefix>.runs.jsonl  (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	chatsPath string
	runsFile  *os.File
	state     memState
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	chatsPath := prefix + ".chats.json"
	runsPath := prefix + ".runs.jsonl"

	state := newMemState()
	if err := loadChats(chatsPath, state.chats); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("chat snapshot unreadable; starting empty", logx.String("path", chatsPath), logx.Err(err))
	}
	if err := replayRuns(runsPath, &state); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run history unreadable", logx.String("path", runsPath), logx.Err(err))
	}

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:       log,
		chatsPath: chatsPath,
		runsFile:  rf,
		state:     state,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil
	}
	err := s.runsFile.Close()
	s.runsFile = nil
	return err
}

func (s *fileStore) PutChat(ctx context.Context, c Chat) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	s.state.putChat(c)
	return s.writeChatsLocked()
}

func (s *fileStore) RemoveChat(ctx context.Context, chatID int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	if _, ok := s.state.chats[chatID]; !ok {
		return nil
	}
	delete(s.state.chats, chatID)
	return s.writeChatsLocked()
}

func (s *fileStore) ListChats(ctx context.Context) ([]Chat, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil, ErrClosed
	}
	return s.state.listChats(), nil
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	s.state.appendRun(r)
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, n int) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil, ErrClosed
	}
	return s.state.recentRuns(n), nil
}

func (s *fileStore) writeChatsLocked() error {
	tmp := s.chatsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.state.listChats()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.chatsPath)
}

func loadChats(path string, out map[int64]Chat) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []Chat
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, c := range list {
		out[c.ChatID] = c
	}
	return nil
}

func replayRuns(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		st.appendRun(r)
	}
	return sc.Err()
}
