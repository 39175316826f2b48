package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"ffbot/internal/calendar"
	"ffbot/internal/delivery"
	"ffbot/internal/scheduler"
	"ffbot/internal/storage"
	kit "ffbot/internal/transport"
	logx "ffbot/pkg/logx"
)

type sentText struct {
	to   kit.ChatTarget
	text string
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sentText
	menu []kit.BotCommand
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                        { return nil }
func (a *fakeAdapter) CanSend(ctx context.Context, chatID int64) (bool, error) {
	return true, nil
}

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sentText{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.menu = append([]kit.BotCommand(nil), cmds...)
	return nil
}

func (a *fakeAdapter) texts() []sentText {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentText(nil), a.sent...)
}

func (a *fakeAdapter) menuNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, c := range a.menu {
		out = append(out, c.Command)
	}
	return out
}

type pipelineCall struct {
	mode calendar.Mode
	ch   delivery.Channel
}

type fakePipeline struct {
	mu    sync.Mutex
	calls []pipelineCall
	err   error
}

func (p *fakePipeline) ForChannel(ctx context.Context, mode calendar.Mode, ch delivery.Channel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pipelineCall{mode: mode, ch: ch})
	return p.err
}

func (p *fakePipeline) recorded() []pipelineCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pipelineCall(nil), p.calls...)
}

type fakeRunner struct {
	mu    sync.Mutex
	runs  int
	state scheduler.State
}

func (r *fakeRunner) RunNow(ctx context.Context, fn scheduler.Job) error {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	return fn(ctx)
}

func (r *fakeRunner) Snapshot() scheduler.State { return r.state }

type fakeCache struct {
	mu    sync.Mutex
	calls int
}

func (c *fakeCache) Invalidate() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.calls == 1, nil
}

func (c *fakeCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type harness struct {
	bot      *Bot
	adapter  *fakeAdapter
	pipeline *fakePipeline
	runner   *fakeRunner
	cache    *fakeCache
	chats    storage.Store
	updates  chan kit.Update
}

func startBot(t *testing.T, cfg Config) *harness {
	t.Helper()
	chats, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		adapter:  &fakeAdapter{},
		pipeline: &fakePipeline{},
		runner:   &fakeRunner{},
		cache:    &fakeCache{},
		chats:    chats,
		updates:  make(chan kit.Update, 16),
	}
	h.bot = New(cfg, Deps{
		Adapter:  h.adapter,
		Pipeline: h.pipeline,
		Runner:   h.runner,
		Cache:    h.cache,
		Chats:    chats,
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.bot.Run(ctx, h.updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = chats.Close()
	})
	return h
}

func (h *harness) message(chatID int64, thread int, from int64, chatType, text string) {
	h.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: chatID, ThreadID: thread, ChatTitle: "chat", ChatType: chatType, FromID: from, Text: text,
	}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{"/weeklyevents", "weeklyevents", nil, true},
		{"!weeklyevents", "weeklyevents", nil, true},
		{"/dailyevents@ffbot", "dailyevents", nil, true},
		{"  /Help me please ", "help", []string{"me", "please"}, true},
		{"hello", "", nil, false},
		{"/", "", nil, false},
		{"/@ffbot", "", nil, false},
		{"", "", nil, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			name, args, ok := parseCommand(tt.in)
			if ok != tt.ok || name != tt.name || strings.Join(args, " ") != strings.Join(tt.args, " ") {
				t.Fatalf("parseCommand(%q) = %q %v %v", tt.in, name, args, ok)
			}
		})
	}
}

func TestEventsCommandsRunPipelineForInvokingChat(t *testing.T) {
	t.Parallel()
	h := startBot(t, Config{})

	h.message(-100, 7, 1, "supergroup", "/weeklyevents")
	h.message(42, 0, 1, "private", "!dailyevents@ffbot")
	waitFor(t, "two pipeline calls", func() bool { return len(h.pipeline.recorded()) == 2 })

	got := map[string]calendar.Mode{}
	for _, c := range h.pipeline.recorded() {
		got[c.ch.ID] = c.mode
	}
	if m, ok := got["tg:-100/7"]; !ok || m != calendar.ModeWeek {
		t.Fatalf("week call missing: %v", got)
	}
	if m, ok := got["tg:42"]; !ok || m != calendar.ModeDay {
		t.Fatalf("day call missing: %v", got)
	}
	h.runner.mu.Lock()
	runs := h.runner.runs
	h.runner.mu.Unlock()
	if runs != 2 {
		t.Fatalf("runner saw %d runs, want 2", runs)
	}
}

func TestEventsCommandFailureRepliesWithError(t *testing.T) {
	t.Parallel()
	h := startBot(t, Config{})
	h.pipeline.mu.Lock()
	h.pipeline.err = &calendar.FetchError{Kind: calendar.ErrUpstream, StatusCode: 500}
	h.pipeline.mu.Unlock()

	h.message(42, 0, 1, "private", "/weeklyevents")
	waitFor(t, "error reply", func() bool {
		for _, s := range h.adapter.texts() {
			if s.text == ErrorReply && s.to.ChatID == 42 {
				return true
			}
		}
		return false
	})
}

func TestClearCacheIsOwnerOnly(t *testing.T) {
	t.Parallel()
	h := startBot(t, Config{Owners: []int64{99}})

	h.message(42, 0, 1, "private", "/clearcache")
	waitFor(t, "unauthorized reply", func() bool {
		for _, s := range h.adapter.texts() {
			if s.text == "unauthorized" {
				return true
			}
		}
		return false
	})
	if h.cache.count() != 0 {
		t.Fatal("non-owner invalidated the cache")
	}

	h.message(42, 0, 99, "private", "/clearcache")
	waitFor(t, "invalidate", func() bool { return h.cache.count() == 1 })
	waitFor(t, "cleared reply", func() bool {
		for _, s := range h.adapter.texts() {
			if strings.HasPrefix(s.text, "Cache cleared") {
				return true
			}
		}
		return false
	})
}

func TestChatRegistryFollowsMessagesAndMembership(t *testing.T) {
	t.Parallel()
	h := startBot(t, Config{})
	ctx := context.Background()

	h.message(5, 0, 1, "group", "good morning")
	h.updates <- kit.Update{Kind: kit.UpdateMembership, Membership: &kit.Membership{ChatID: 6, ChatTitle: "desk", ChatType: "supergroup", Active: true}}

	chatIDs := func() []int64 {
		cs, err := h.chats.ListChats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var ids []int64
		for _, c := range cs {
			ids = append(ids, c.ChatID)
		}
		return ids
	}
	waitFor(t, "two chats recorded", func() bool { return len(chatIDs()) == 2 })

	h.updates <- kit.Update{Kind: kit.UpdateMembership, Membership: &kit.Membership{ChatID: 5, Active: false}}
	waitFor(t, "chat forgotten", func() bool {
		ids := chatIDs()
		return len(ids) == 1 && ids[0] == 6
	})
}

func TestUnknownCommandRepliesOnlyInPrivate(t *testing.T) {
	t.Parallel()
	h := startBot(t, Config{})

	h.message(-1, 0, 1, "group", "/somethingelse")
	h.message(42, 0, 1, "private", "/somethingelse")
	waitFor(t, "private reply", func() bool { return len(h.adapter.texts()) >= 1 })
	time.Sleep(20 * time.Millisecond)

	for _, s := range h.adapter.texts() {
		if s.to.ChatID == -1 {
			t.Fatalf("group got a reply: %q", s.text)
		}
	}
}

func TestMenuExcludesOwnerCommands(t *testing.T) {
	t.Parallel()
	h := startBot(t, Config{})
	waitFor(t, "menu update", func() bool { return len(h.adapter.menuNames()) > 0 })
	names := strings.Join(h.adapter.menuNames(), ",")
	if strings.Contains(names, "clearcache") {
		t.Fatalf("menu lists owner command: %s", names)
	}
	for _, want := range []string{"weeklyevents", "dailyevents", "nextrun", "help"} {
		if !strings.Contains(names, want) {
			t.Fatalf("menu missing %s: %s", want, names)
		}
	}
}

func TestNextRunText(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 13, 5, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		st   scheduler.State
		want []string
	}{
		{"disabled", scheduler.State{}, []string{"disabled"}},
		{"armed", scheduler.State{Enabled: true, Next: now.Add(70 * time.Minute)}, []string{"Wednesday, March 13, 2024 06:10 UTC", "1h10m0s"}},
		{"running with error", scheduler.State{Enabled: true, Phase: scheduler.PhaseRunning, LastErr: "feed <down>"}, []string{"not armed", "in progress", "feed &lt;down&gt;"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := nextRunText(tt.st, now)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Fatalf("nextRunText = %q, missing %q", got, w)
				}
			}
		})
	}
}

func TestPanickingHandlerKeepsDispatcherAlive(t *testing.T) {
	t.Parallel()
	h := startBot(t, Config{})
	h.bot.register(append(h.bot.Commands(), Command{
		Name:   "explode",
		Handle: func(ctx context.Context, req *Request) error { panic("boom") },
	}))

	h.message(42, 0, 1, "private", "/explode")
	h.message(42, 0, 1, "private", "/weeklyevents")
	waitFor(t, "pipeline call after panic", func() bool { return len(h.pipeline.recorded()) == 1 })
}
