// Package bot turns chat updates into pipeline runs. It keeps the chat
// registry current from messages and membership changes, and routes
// commands to a small worker pool.
package bot

import (
	"context"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"ffbot/internal/calendar"
	"ffbot/internal/delivery"
	rtsup "ffbot/internal/runtime/supervisor"
	"ffbot/internal/scheduler"
	"ffbot/internal/storage"
	kit "ffbot/internal/transport"
	logx "ffbot/pkg/logx"
)

const (
	DefaultCommandTimeout = 2 * time.Minute
	DefaultWorkers        = 4

	// chatRefreshEvery throttles registry writes for chats that talk often.
	chatRefreshEvery = time.Hour
)

// Pipeline is implemented by pipeline.Pipeline.
type Pipeline interface {
	ForChannel(ctx context.Context, mode calendar.Mode, ch delivery.Channel) error
}

// Runner is implemented by scheduler.Service.
type Runner interface {
	RunNow(ctx context.Context, fn scheduler.Job) error
	Snapshot() scheduler.State
}

// Cache is implemented by calendar.Store.
type Cache interface {
	Invalidate() (bool, error)
}

// Chats is the registry subset of storage.Store.
type Chats interface {
	PutChat(ctx context.Context, c storage.Chat) error
	RemoveChat(ctx context.Context, chatID int64) error
}

type Config struct {
	Owners         []int64
	CommandTimeout time.Duration
	Workers        int
}

type Deps struct {
	Adapter  kit.Adapter
	Pipeline Pipeline
	Runner   Runner
	Cache    Cache
	Chats    Chats
	// Metrics is optional.
	Metrics  Recorder
}

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Description string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Chat      kit.ChatTarget
	ChatTitle string
	FromID    int64
	Command   string
	Args      []string
	ReqID     string
	Logger    logx.Logger
}

type Bot struct {
	mu   sync.RWMutex
	cfg  Config
	cmds map[string]Command
	list []Command

	log  logx.Logger
	deps Deps
	rec  Recorder
	now  func() time.Time

	seenMu sync.Mutex
	seen   map[int64]time.Time

	runMu sync.Mutex
	sup   *rtsup.Supervisor
	jobs  chan func()
}

func New(cfg Config, deps Deps, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{
		log:  log,
		deps: deps,
		rec:  deps.Metrics,
		now:  time.Now,
		seen: map[int64]time.Time{},
		jobs: make(chan func(), 64),
	}
	if b.rec == nil {
		b.rec = nopRecorder{}
	}
	b.Apply(cfg)
	b.register(b.commands())
	return b
}

// Apply swaps owners and timeouts. Safe during hot reload.
func (b *Bot) Apply(cfg Config) {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	cfg.Owners = append([]int64(nil), cfg.Owners...)
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

func (b *Bot) config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *Bot) register(cmds []Command) {
	m := make(map[string]Command, len(cmds))
	for _, c := range cmds {
		m[c.Name] = c
	}
	b.mu.Lock()
	b.cmds = m
	b.list = cmds
	b.mu.Unlock()
}

// Commands returns the registered commands in menu order.
func (b *Bot) Commands() []Command {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Command(nil), b.list...)
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (b *Bot) Supervisor() *rtsup.Supervisor {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.sup
}

// Run dispatches updates until ctx is done or updates is closed.
func (b *Bot) Run(ctx context.Context, updates <-chan kit.Update) error {
	cfg := b.config()
	sup := rtsup.New(ctx, b.log.With(logx.String("comp", "bot.dispatch")), rtsup.Isolate)
	b.runMu.Lock()
	b.sup = sup
	b.runMu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.Keep("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-b.jobs:
					b.runJob(idx, job)
				}
			}
		}, rtsup.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second})
	}
	sup.Go0("telegram.menu.update", b.updateMenu)
	b.log.Info("command dispatcher started", logx.Int("workers", cfg.Workers), logx.Int("commands", len(b.Commands())))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		b.runMu.Lock()
		b.sup = nil
		b.runMu.Unlock()
		b.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			b.route(ctx, up)
		}
	}
}

func (b *Bot) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if job != nil {
		job()
	}
}

func (b *Bot) updateMenu(ctx context.Context) {
	up, ok := b.deps.Adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	var menu []kit.BotCommand
	for _, c := range b.Commands() {
		if c.Access == AccessOwnerOnly {
			continue
		}
		menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(cctx, menu); err != nil {
		b.log.Warn("update command menu failed", logx.Err(err))
	}
}

func (b *Bot) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMembership:
		if up.Membership != nil {
			b.trackMembership(ctx, *up.Membership)
		}
	case kit.UpdateMessage:
		if up.Message != nil {
			b.routeMessage(ctx, *up.Message)
		}
	}
}

func (b *Bot) routeMessage(ctx context.Context, msg kit.Message) {
	if msg.FromBot {
		return
	}
	b.touchChat(ctx, msg)

	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	b.mu.RLock()
	cmd, found := b.cmds[name]
	b.mu.RUnlock()
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !found {
		if msg.ChatType == "private" {
			b.send(ctx, to, "Unknown command. Try /help")
		}
		return
	}

	cfg := b.config()
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, cfg.Owners) {
		b.send(ctx, to, "unauthorized")
		return
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Chat:      to,
		ChatTitle: msg.ChatTitle,
		FromID:    msg.FromID,
		Command:   cmd.Name,
		Args:      args,
		ReqID:     rid,
		Logger: b.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = cfg.CommandTimeout
	}
	if !b.tryEnqueue(func() { _ = b.invoke(ctx, cmd, req, timeout) }) {
		b.send(ctx, to, "Busy, try again in a moment.")
	}
}

func (b *Bot) tryEnqueue(fn func()) bool {
	select {
	case b.jobs <- fn:
		return true
	default:
		return false
	}
}

// touchChat records the chat a message came from, at most once per
// chatRefreshEvery.
func (b *Bot) touchChat(ctx context.Context, msg kit.Message) {
	if b.deps.Chats == nil {
		return
	}
	now := b.now()
	b.seenMu.Lock()
	last, ok := b.seen[msg.ChatID]
	if ok && now.Sub(last) < chatRefreshEvery {
		b.seenMu.Unlock()
		return
	}
	b.seen[msg.ChatID] = now
	b.seenMu.Unlock()

	err := b.deps.Chats.PutChat(ctx, storage.Chat{
		ChatID: msg.ChatID,
		Title:  msg.ChatTitle,
		Type:   msg.ChatType,
		SeenAt: now,
	})
	if err != nil {
		b.log.Warn("record chat failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
		b.seenMu.Lock()
		delete(b.seen, msg.ChatID)
		b.seenMu.Unlock()
		return
	}
	if !ok {
		b.log.Debug("chat recorded", logx.Int64("chat_id", msg.ChatID), logx.String("title", msg.ChatTitle))
	}
}

func (b *Bot) trackMembership(ctx context.Context, m kit.Membership) {
	if b.deps.Chats == nil {
		return
	}
	b.seenMu.Lock()
	delete(b.seen, m.ChatID)
	b.seenMu.Unlock()

	if !m.Active {
		if err := b.deps.Chats.RemoveChat(ctx, m.ChatID); err != nil {
			b.log.Warn("forget chat failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
			return
		}
		b.log.Info("bot removed from chat", logx.Int64("chat_id", m.ChatID), logx.String("title", m.ChatTitle))
		return
	}
	err := b.deps.Chats.PutChat(ctx, storage.Chat{
		ChatID: m.ChatID,
		Title:  m.ChatTitle,
		Type:   m.ChatType,
		SeenAt: b.now(),
	})
	if err != nil {
		b.log.Warn("record chat failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
		return
	}
	b.log.Info("bot added to chat", logx.Int64("chat_id", m.ChatID), logx.String("title", m.ChatTitle))
}

func (b *Bot) send(ctx context.Context, to kit.ChatTarget, text string) {
	if b.deps.Adapter == nil {
		return
	}
	if _, err := b.deps.Adapter.SendText(ctx, to, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		b.log.Warn("reply failed", logx.Chat(to), logx.Err(err))
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
