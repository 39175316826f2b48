package delivery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"ffbot/internal/storage"
	kit "ffbot/internal/transport"
	"ffbot/internal/transport/email"
	"ffbot/pkg/tgui"
)

const (
	SchemeTelegram = "tg"
	SchemeEmail    = "mail"
)

// ChatLister is the part of storage.Store the Telegram directory reads.
type ChatLister interface {
	ListChats(ctx context.Context) ([]storage.Chat, error)
}

// TelegramDirectory exposes the chats recorded in storage as channels.
type TelegramDirectory struct {
	chats   ChatLister
	adapter kit.Adapter
	opt     kit.SendOptions
}

func NewTelegramDirectory(chats ChatLister, adapter kit.Adapter) *TelegramDirectory {
	return &TelegramDirectory{
		chats:   chats,
		adapter: adapter,
		opt:     kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
	}
}

// ChannelFor returns the channel for a chat the bot is talking to.
func (d *TelegramDirectory) ChannelFor(to kit.ChatTarget, title string) Channel {
	return Channel{ID: TelegramID(to), Name: title}
}

// TelegramID encodes a chat target as "tg:<chat>" or "tg:<chat>/<thread>".
func TelegramID(to kit.ChatTarget) string {
	if to.ThreadID != 0 {
		return fmt.Sprintf("%s:%d/%d", SchemeTelegram, to.ChatID, to.ThreadID)
	}
	return fmt.Sprintf("%s:%d", SchemeTelegram, to.ChatID)
}

// ParseTelegramID is the inverse of TelegramID.
func ParseTelegramID(id string) (kit.ChatTarget, error) {
	scheme, local := SplitID(id)
	if scheme != SchemeTelegram {
		return kit.ChatTarget{}, fmt.Errorf("not a telegram channel: %q", id)
	}
	chatPart, threadPart, hasThread := strings.Cut(local, "/")
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return kit.ChatTarget{}, fmt.Errorf("bad chat id in %q: %w", id, err)
	}
	to := kit.ChatTarget{ChatID: chatID}
	if hasThread {
		thread, err := strconv.Atoi(threadPart)
		if err != nil {
			return kit.ChatTarget{}, fmt.Errorf("bad thread id in %q: %w", id, err)
		}
		to.ThreadID = thread
	}
	return to, nil
}

func (d *TelegramDirectory) Channels(ctx context.Context) ([]Channel, error) {
	chats, err := d.chats.ListChats(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Channel, 0, len(chats))
	for _, c := range chats {
		out = append(out, Channel{
			ID:   TelegramID(kit.ChatTarget{ChatID: c.ChatID, ThreadID: c.ThreadID}),
			Name: c.Title,
		})
	}
	return out, nil
}

func (d *TelegramDirectory) CanSend(ctx context.Context, ch Channel) (bool, error) {
	to, err := ParseTelegramID(ch.ID)
	if err != nil {
		return false, err
	}
	return d.adapter.CanSend(ctx, to.ChatID)
}

func (d *TelegramDirectory) Send(ctx context.Context, ch Channel, text string) error {
	to, err := ParseTelegramID(ch.ID)
	if err != nil {
		return err
	}
	opt := d.opt
	_, err = d.adapter.SendText(ctx, to, text, &opt)
	return err
}

// Mailer is implemented by email.Sender.
type Mailer interface {
	Send(ctx context.Context, m email.Message) error
}

// EmailDirectory treats each configured recipient as a channel.
type EmailDirectory struct {
	mailer     Mailer
	recipients []string
	subject    string
}

func NewEmailDirectory(mailer Mailer, recipients []string, subject string) *EmailDirectory {
	if strings.TrimSpace(subject) == "" {
		subject = "Economic calendar"
	}
	rs := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			rs = append(rs, r)
		}
	}
	return &EmailDirectory{mailer: mailer, recipients: rs, subject: subject}
}

func (d *EmailDirectory) Channels(ctx context.Context) ([]Channel, error) {
	out := make([]Channel, 0, len(d.recipients))
	for _, r := range d.recipients {
		out = append(out, Channel{ID: SchemeEmail + ":" + r, Name: r})
	}
	return out, nil
}

func (d *EmailDirectory) CanSend(ctx context.Context, ch Channel) (bool, error) {
	scheme, to := SplitID(ch.ID)
	return scheme == SchemeEmail && to != "", nil
}

func (d *EmailDirectory) Send(ctx context.Context, ch Channel, text string) error {
	_, to := SplitID(ch.ID)
	return d.mailer.Send(ctx, email.Message{
		To:      to,
		Subject: d.subject,
		HTML:    strings.ReplaceAll(text, "\n", "<br>\n"),
		Text:    PlainText(text),
	})
}

// PlainText strips the chat markup and unescapes entities.
func PlainText(s string) string { return tgui.Plain(s) }

// Multi routes channels to sub-directories by id scheme.
type Multi struct {
	order []string
	dirs  map[string]Directory
}

func NewMulti() *Multi {
	return &Multi{dirs: map[string]Directory{}}
}

// Add registers d for scheme. A later Add for the same scheme replaces it.
func (m *Multi) Add(scheme string, d Directory) *Multi {
	if d == nil {
		return m
	}
	if _, ok := m.dirs[scheme]; !ok {
		m.order = append(m.order, scheme)
	}
	m.dirs[scheme] = d
	return m
}

// Channels concatenates every sub-directory's channels. A failing
// sub-directory is reported only if no other one produced channels.
func (m *Multi) Channels(ctx context.Context) ([]Channel, error) {
	var (
		out      []Channel
		firstErr error
	)
	for _, scheme := range m.order {
		chs, err := m.dirs[scheme].Channels(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", scheme, err)
			}
			continue
		}
		out = append(out, chs...)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (m *Multi) route(ch Channel) (Directory, error) {
	scheme, _ := SplitID(ch.ID)
	d, ok := m.dirs[scheme]
	if !ok {
		return nil, fmt.Errorf("no directory for channel %q", ch.ID)
	}
	return d, nil
}

func (m *Multi) CanSend(ctx context.Context, ch Channel) (bool, error) {
	d, err := m.route(ch)
	if err != nil {
		return false, err
	}
	return d.CanSend(ctx, ch)
}

func (m *Multi) Send(ctx context.Context, ch Channel, text string) error {
	d, err := m.route(ch)
	if err != nil {
		return err
	}
	return d.Send(ctx, ch, text)
}
