package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ffbot/internal/calendar"
	"ffbot/internal/delivery"
	"ffbot/internal/scheduler"
	"ffbot/pkg/tgui"
)

// ErrorReply is sent to the requesting chat when an on-demand run fails.
const ErrorReply = "An error occurred while fetching the events."

const maxErrRunes = 300

func (b *Bot) commands() []Command {
	return []Command{
		{
			Name:        "weeklyevents",
			Description: "This week's Medium and High impact events",
			Handle:      b.eventsHandler(calendar.ModeWeek),
		},
		{
			Name:        "dailyevents",
			Description: "Today's Medium and High impact events",
			Handle:      b.eventsHandler(calendar.ModeDay),
		},
		{
			Name:        "nextrun",
			Description: "When the next scheduled broadcast goes out",
			Timeout:     10 * time.Second,
			Handle:      b.handleNextRun,
		},
		{
			Name:        "clearcache",
			Description: "Drop the cached feed so the next request refetches",
			Access:      AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      b.handleClearCache,
		},
		{
			Name:        "help",
			Description: "List commands",
			Timeout:     10 * time.Second,
			Handle:      b.handleHelp,
		},
	}
}

// parseCommand accepts "/name", "!name" and "/name@botname", case-insensitive.
func parseCommand(text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if text == "" || (text[0] != '/' && text[0] != '!') {
		return "", nil, false
	}
	parts := strings.Fields(text[1:])
	if len(parts) == 0 {
		return "", nil, false
	}
	word := parts[0]
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", nil, false
	}
	return strings.ToLower(word), parts[1:], true
}

func (b *Bot) eventsHandler(mode calendar.Mode) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		ch := delivery.Channel{ID: delivery.TelegramID(req.Chat), Name: req.ChatTitle}
		job := func(ctx context.Context) error {
			return b.deps.Pipeline.ForChannel(ctx, mode, ch)
		}
		var err error
		if b.deps.Runner != nil {
			err = b.deps.Runner.RunNow(ctx, job)
		} else {
			err = job(ctx)
		}
		if err != nil {
			b.send(ctx, req.Chat, ErrorReply)
			return err
		}
		return nil
	}
}

func (b *Bot) handleNextRun(ctx context.Context, req *Request) error {
	if b.deps.Runner == nil {
		b.send(ctx, req.Chat, "The daily broadcast is not configured.")
		return nil
	}
	b.send(ctx, req.Chat, nextRunText(b.deps.Runner.Snapshot(), b.now()))
	return nil
}

func nextRunText(st scheduler.State, now time.Time) string {
	if !st.Enabled {
		return "The daily broadcast is disabled."
	}
	var sb strings.Builder
	if st.Next.IsZero() {
		sb.WriteString("The daily broadcast is not armed yet.")
	} else {
		in := st.Next.Sub(now).Round(time.Minute)
		if in < 0 {
			in = 0
		}
		fmt.Fprintf(&sb, "Next broadcast: %s (in %s)", tgui.B(st.Next.Format("Monday, January 02, 2006 15:04 MST")), in)
	}
	if st.Phase == scheduler.PhaseRunning {
		sb.WriteString("\nA run is in progress.")
	}
	if st.LastErr != "" {
		fmt.Fprintf(&sb, "\nLast run failed: %s", tgui.Esc(tgui.TruncRunes(st.LastErr, maxErrRunes)))
	}
	return sb.String()
}

func (b *Bot) handleClearCache(ctx context.Context, req *Request) error {
	if b.deps.Cache == nil {
		b.send(ctx, req.Chat, "No cache configured.")
		return nil
	}
	removed, err := b.deps.Cache.Invalidate()
	if err != nil {
		b.send(ctx, req.Chat, "Could not clear the cache.")
		return err
	}
	if removed {
		b.send(ctx, req.Chat, "Cache cleared. The next request fetches the feed again.")
	} else {
		b.send(ctx, req.Chat, "Cache was already empty.")
	}
	return nil
}

func (b *Bot) handleHelp(ctx context.Context, req *Request) error {
	owner := isOwner(req.FromID, b.config().Owners)
	var sb strings.Builder
	sb.WriteString("<b>Commands</b>\n")
	for _, c := range b.Commands() {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		fmt.Fprintf(&sb, "/%s: %s\n", c.Name, tgui.Esc(c.Description))
	}
	fmt.Fprintf(&sb, "\n%s and %s work too.", tgui.Code("!weeklyevents"), tgui.Code("!dailyevents"))
	b.send(ctx, req.Chat, sb.String())
	return nil
}
