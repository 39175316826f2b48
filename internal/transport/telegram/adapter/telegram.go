// Package adapter connects the bot to Telegram through telebot: long polling
// for commands and membership changes, and sending for the calendar fan-out.
package adapter

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "ffbot/internal/runtime/supervisor"
	kit "ffbot/internal/transport"
	logx "ffbot/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	stopGrace          = 2 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// inbox is the consumer side of one Start/Stop session.
type inbox struct {
	ch      chan<- kit.Update
	dropped atomic.Uint64
}

func (in *inbox) push(up kit.Update) {
	select {
	case in.ch <- up:
	default:
		in.dropped.Add(1)
	}
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	inbox atomic.Pointer[inbox]

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		// Only what the bot reacts to: commands in text and its own membership.
		Poller: &tele.LongPoller{
			Timeout:        cfg.PollTimeout,
			AllowedUpdates: []string{"message", "channel_post", "my_chat_member"},
		},
		OnError: func(err error, _ tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{log: log, bot: b}
	b.Handle(tele.OnText, func(c tele.Context) error {
		if up, ok := messageUpdate(c.Message()); ok {
			a.deliver(up)
		}
		return nil
	})
	b.Handle(tele.OnChannelPost, func(c tele.Context) error {
		if up, ok := messageUpdate(c.Message()); ok {
			a.deliver(up)
		}
		return nil
	})
	b.Handle(tele.OnMyChatMember, func(c tele.Context) error {
		if up, ok := membershipUpdate(c.ChatMember()); ok {
			a.deliver(up)
		}
		return nil
	})
	return a, nil
}

// messageUpdate converts a text message or channel post. Messages without
// text or chat are ignored.
func messageUpdate(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Chat == nil || m.Text == "" {
		return kit.Update{}, false
	}
	msg := &kit.Message{
		ID:        m.ID,
		ChatID:    m.Chat.ID,
		ThreadID:  m.ThreadID,
		ChatTitle: m.Chat.Title,
		ChatType:  string(m.Chat.Type),
		Text:      m.Text,
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
		msg.FromBot = m.Sender.IsBot
	}
	return kit.Update{Kind: kit.UpdateMessage, Message: msg}, true
}

// membershipUpdate converts a change of the bot's own chat membership.
func membershipUpdate(u *tele.ChatMemberUpdate) (kit.Update, bool) {
	if u == nil || u.Chat == nil || u.NewChatMember == nil {
		return kit.Update{}, false
	}
	return kit.Update{
		Kind: kit.UpdateMembership,
		Membership: &kit.Membership{
			ChatID:    u.Chat.ID,
			ChatTitle: u.Chat.Title,
			ChatType:  string(u.Chat.Type),
			Active:    memberActive(u.NewChatMember.Role),
		},
	}, true
}

func memberActive(role tele.MemberStatus) bool {
	return role != tele.Left && role != tele.Kicked
}

func (a *Adapter) deliver(up kit.Update) {
	if in := a.inbox.Load(); in != nil {
		in.push(up)
	}
}

// Start begins long polling and forwards updates to out without blocking;
// updates that do not fit are counted and reported periodically.
// A second Start while running is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return nil
	}
	in := &inbox{ch: out}
	a.inbox.Store(in)
	sup := rtsup.New(ctx, a.log.With(logx.String("comp", "telegram.adapter")), rtsup.Isolate)
	a.sup = sup

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(dropReportEvery)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(in)
				return
			case <-t.C:
				a.reportDropped(in)
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// telebot's Start returns only when stopped; any other return is restarted.
	sup.Keep("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started", logx.String("bot", a.bot.Me.Username))
		a.bot.Start()
		if c.Err() != nil {
			return context.Canceled
		}
		return errors.New("poller exited")
	}, rtsup.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second})
	return nil
}

func (a *Adapter) reportDropped(in *inbox) {
	if n := in.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(in.ch)))
	}
}

// Stop ends polling and waits up to stopGrace (or ctx) for the poll loop.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}
	a.inbox.Store(nil)
	a.log.Info("stopping")
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	if err := sup.Wait(wctx); errors.Is(err, context.DeadlineExceeded) {
		// getUpdates may still be inside its long poll; it ends on its own.
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

// SendText posts a single message. The calendar formatter keeps every text
// within Telegram's limit.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt != nil {
		so.ParseMode = opt.ParseMode
		so.DisableWebPagePreview = opt.DisablePreview
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, so)
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// CanSend checks the bot's own member record in chatID. Private chats are
// always writable.
func (a *Adapter) CanSend(ctx context.Context, chatID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	chat, err := a.bot.ChatByID(chatID)
	if err != nil {
		return false, err
	}
	if chat.Type == tele.ChatPrivate {
		return true, nil
	}
	m, err := a.bot.ChatMemberOf(chat, a.bot.Me)
	if err != nil {
		return false, err
	}
	return canPost(chat.Type, m), nil
}

func canPost(chatType tele.ChatType, m *tele.ChatMember) bool {
	if m == nil {
		return false
	}
	switch m.Role {
	case tele.Creator:
		return true
	case tele.Administrator:
		return chatType != tele.ChatChannel || m.CanPostMessages
	case tele.Member:
		return chatType != tele.ChatChannel
	case tele.Restricted:
		return m.CanSendMessages
	default:
		return false
	}
}

// UpdateMenuCommands publishes the command menu with setMyCommands. It is a
// no-op while the list is unchanged.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	list := menuCommands(cmds)
	sum := menuHash(list)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

// menuCommands drops unnamed entries and fills a missing description with
// the command name, which Telegram requires.
func menuCommands(cmds []kit.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		out = append(out, tele.Command{Text: c.Command, Description: d})
	}
	return out
}

func menuHash(list []tele.Command) uint64 {
	h := fnv.New64a()
	for _, c := range list {
		h.Write([]byte(c.Text))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
