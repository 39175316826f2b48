package calendar

import (
	"fmt"
	"strings"
	"time"

	"ffbot/pkg/tgui"
)

// MaxMessageLen bounds each message, counted in UTF-16 code units.
const MaxMessageLen = 2000

// DisplayOffset is added to every event time before rendering.
const DisplayOffset = 3 * time.Hour

type Mode int

const (
	ModeWeek Mode = iota
	ModeDay
)

func (m Mode) String() string {
	switch m {
	case ModeWeek:
		return "week"
	case ModeDay:
		return "day"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Header opens the first message of a non-empty batch.
func (m Mode) Header() string {
	if m == ModeDay {
		return "Today's Medium and High impact events:\n"
	}
	return "This Week's Medium and High impact events:\n"
}

// Empty is the single message sent when nothing qualified.
func (m Mode) Empty() string {
	if m == ModeDay {
		return "No Medium or High impact events found for today."
	}
	return "No Medium or High impact events found for this week."
}

// Batch is an ordered list of messages, each within MaxMessageLen.
type Batch []string

// Format renders events into a Batch using Telegram HTML markup.
func Format(events []Event, mode Mode) Batch {
	if len(events) == 0 {
		return Batch{mode.Empty()}
	}

	var (
		out  Batch
		buf  strings.Builder
		size int
	)
	buf.WriteString(mode.Header())
	size = tgui.Len16(mode.Header())

	for _, e := range events {
		for _, piece := range tgui.SplitSpans(lineSpans(e, mode), MaxMessageLen) {
			n := tgui.Len16(piece)
			if size+n > MaxMessageLen {
				out = append(out, buf.String())
				buf.Reset()
				size = 0
			}
			buf.WriteString(piece)
			size += n
		}
	}
	return append(out, buf.String())
}

func formatLine(e Event, mode Mode) string {
	return tgui.Render(lineSpans(e, mode)).String()
}

// lineSpans lays out one event line as spans so an oversized line is cut
// outside the markup.
func lineSpans(e Event, mode Mode) []tgui.Span {
	day, clock := displayTime(e)
	glyph := "🟡"
	if e.Impact == ImpactHigh {
		glyph = "🔴"
	}
	tail := fmt.Sprintf(" (%s):\n  Impact: %s %s\n\n", e.Country, glyph, e.Impact)

	spans := []tgui.Span{{Text: "- "}, {Text: e.Title, Bold: true}}
	if mode == ModeWeek {
		spans = append(spans, tgui.Span{Text: " on "}, tgui.Span{Text: day, Bold: true})
	}
	return append(spans, tgui.Span{Text: " at "}, tgui.Span{Text: clock, Bold: true}, tgui.Span{Text: tail})
}

// displayTime shifts the event time by DisplayOffset, keeping the event's
// own UTC offset. An unparseable date renders as its raw text.
func displayTime(e Event) (day, clock string) {
	t, err := e.When()
	if err != nil {
		return e.Date, e.Date
	}
	t = t.Add(DisplayOffset)
	return t.Format("Monday, January 02, 2006"), t.Format("15:04")
}
