package tgui

import (
	"html"
	"strings"
	"unicode/utf8"
)

// Len16 counts UTF-16 code units, the unit Telegram limits text on.
func Len16(s string) int {
	n := 0
	for _, r := range s {
		n += units(r)
	}
	return n
}

func units(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}

// Span is a run of unescaped text rendered plain or bold.
type Span struct {
	Text string
	Bold bool
}

var boldWrap = Len16("<b></b>")

// SplitSpans renders spans as HTML in pieces of at most limit UTF-16 units.
// Cuts fall between escaped runes, so an entity is never split, and a bold
// span cut in two is closed and reopened around the cut. A line that fits
// comes back as a single piece.
func SplitSpans(spans []Span, limit int) []string {
	var (
		out  []string
		buf  strings.Builder
		size int
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
			size = 0
		}
	}

	for _, sp := range spans {
		wrap := 0
		if sp.Bold {
			wrap = boldWrap
		}
		rest := sp.Text
		for rest != "" {
			var chunk strings.Builder
			n := 0
			for rest != "" {
				_, w := utf8.DecodeRuneInString(rest)
				esc := html.EscapeString(rest[:w])
				u := Len16(esc)
				// An empty piece always takes at least one rune.
				if size+wrap+n+u > limit && (n > 0 || size > 0) {
					break
				}
				chunk.WriteString(esc)
				n += u
				rest = rest[w:]
			}
			if n == 0 {
				flush()
				continue
			}
			if sp.Bold {
				buf.WriteString("<b>")
				buf.WriteString(chunk.String())
				buf.WriteString("</b>")
			} else {
				buf.WriteString(chunk.String())
			}
			size += wrap + n
			if rest != "" {
				flush()
			}
		}
	}
	flush()
	return out
}

// Render joins spans into one HTML string without any length limit.
func Render(spans []Span) H {
	var sb strings.Builder
	for _, sp := range spans {
		if sp.Bold {
			sb.WriteString(B(sp.Text).String())
			continue
		}
		sb.WriteString(html.EscapeString(sp.Text))
	}
	return H(sb.String())
}
