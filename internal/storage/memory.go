package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// maxRunsInMemory bounds the run history kept in process.
const maxRunsInMemory = 200

// memState holds chats and recent runs. Callers hold the owner's lock.
type memState struct {
	chats map[int64]Chat
	runs  []RunRecord // oldest first
}

func newMemState() memState {
	return memState{chats: map[int64]Chat{}}
}

func (m *memState) putChat(c Chat) Chat {
	now := time.Now()
	if c.SeenAt.IsZero() {
		c.SeenAt = now
	}
	if prev, ok := m.chats[c.ChatID]; ok && !prev.AddedAt.IsZero() {
		c.AddedAt = prev.AddedAt
		if c.Title == "" {
			c.Title = prev.Title
		}
		if c.Type == "" {
			c.Type = prev.Type
		}
	}
	if c.AddedAt.IsZero() {
		c.AddedAt = now
	}
	m.chats[c.ChatID] = c
	return c
}

func (m *memState) listChats() []Chat {
	out := make([]Chat, 0, len(m.chats))
	for _, c := range m.chats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

func (m *memState) appendRun(r RunRecord) {
	m.runs = append(m.runs, r)
	if over := len(m.runs) - maxRunsInMemory; over > 0 {
		m.runs = append(m.runs[:0:0], m.runs[over:]...)
	}
}

func (m *memState) recentRuns(n int) []RunRecord {
	if n <= 0 || n > len(m.runs) {
		n = len(m.runs)
	}
	out := make([]RunRecord, 0, n)
	for i := len(m.runs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.runs[i])
	}
	return out
}

type memoryStore struct {
	mu     sync.Mutex
	state  memState
	closed bool
}

func newMemory() *memoryStore {
	return &memoryStore{state: newMemState()}
}

func (s *memoryStore) PutChat(ctx context.Context, c Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.state.putChat(c)
	return nil
}

func (s *memoryStore) RemoveChat(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.state.chats, chatID)
	return nil
}

func (s *memoryStore) ListChats(ctx context.Context) ([]Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.state.listChats(), nil
}

func (s *memoryStore) AppendRun(ctx context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.state.appendRun(r)
	return nil
}

func (s *memoryStore) RecentRuns(ctx context.Context, n int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.state.recentRuns(n), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
