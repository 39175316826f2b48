package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "ffbot/internal/transport"
	"ffbot/pkg/tgui"
)

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	// chatMaxUnits keeps a log message well under Telegram's 4096 limit.
	chatMaxUnits   = 3500
	chatValueRunes = 300
)

// Sender is the subset of a chat adapter the log sink needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type chatItem struct {
	to   kit.ChatTarget
	text string
}

// chatSink is a zerolog.LevelWriter that mirrors records at or above a
// minimum level into an operator chat. Writes never block: records over the
// rate limit or queue capacity are counted and reported with the next one
// that goes out.
type chatSink struct {
	sender Sender
	queue  chan chatItem
	stop   context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	chatID     int64
	threadID   int
	cfgThread  int
	minLevel   zerolog.Level
	limiter    *rate.Limiter
	suppressed int
}

func newChatSink(sender Sender) *chatSink {
	c := &chatSink{
		sender:   sender,
		queue:    make(chan chatItem, chatQueueSize),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
		done:     make(chan struct{}),
	}
	if sender == nil {
		close(c.done)
		return c
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	go c.run(ctx)
	return c
}

func (c *chatSink) configure(cfg ChatConfig) {
	rps := max(1, cfg.RatePerSec)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.cfgThread = cfg.ThreadID
}

func (c *chatSink) setTarget(chatID int64, threadID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatID, c.threadID = chatID, threadID
}

func (c *chatSink) hasTarget() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID != 0
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.InfoLevel, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if c.sender == nil {
		return len(p), nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chatID == 0 || level < c.minLevel {
		return len(p), nil
	}
	if !c.limiter.Allow() {
		c.suppressed++
		return len(p), nil
	}
	to := kit.ChatTarget{ChatID: c.chatID, ThreadID: c.threadID}
	if to.ThreadID == 0 {
		to.ThreadID = c.cfgThread
	}
	select {
	case c.queue <- chatItem{to: to, text: formatChatRecord(p, c.suppressed)}:
		c.suppressed = 0
	default:
		c.suppressed++
	}
	return len(p), nil
}

func (c *chatSink) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-c.queue:
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_, _ = c.sender.SendText(sctx, it.to, it.text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
			cancel()
		}
	}
}

func (c *chatSink) close(ctx context.Context) {
	if c.stop != nil {
		c.stop()
	}
	select {
	case <-c.done:
	case <-ctx.Done():
	}
}

// formatChatRecord renders one zerolog JSON record as Telegram HTML: the
// level and message on the first line, then one "key: value" line per field
// in key order.
func formatChatRecord(p []byte, suppressed int) string {
	raw := strings.TrimSpace(string(p))
	var rec map[string]any
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return tgui.Esc(tgui.TruncRunes(raw, chatMaxUnits/2)).String()
	}

	level, _ := rec["level"].(string)
	msg, _ := rec["message"].(string)
	var sb strings.Builder
	sb.WriteString(tgui.B(strings.ToUpper(level)).String())
	sb.WriteString(" ")
	sb.WriteString(tgui.Esc(msg).String())

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case "time", "level", "message":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		line := "\n" + tgui.Code(k).String() + ": " + tgui.Esc(tgui.TruncRunes(fmt.Sprint(rec[k]), chatValueRunes)).String()
		if tgui.Len16(sb.String())+tgui.Len16(line) > chatMaxUnits {
			sb.WriteString("\n…")
			break
		}
		sb.WriteString(line)
	}
	if suppressed > 0 {
		fmt.Fprintf(&sb, "\n<i>%d earlier record(s) suppressed</i>", suppressed)
	}
	return sb.String()
}
