package tgui

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"
)

// MaxLabelRunes caps user supplied names shown inside a message.
const MaxLabelRunes = 64

// H is HTML that is safe to send with ParseMode "HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// BH wraps already safe HTML in bold.
func BH(h H) H { return wrap("b", h) }

// Mention links to a Telegram user id. An empty label becomes "player".
func Mention(userID int64, label string) H {
	label = Label(label)
	if label == "" {
		label = "player"
	}
	return H(fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, userID, html.EscapeString(label)))
}

// Label trims s and truncates it to MaxLabelRunes, marking the cut with "…".
func Label(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxLabelRunes {
		return s
	}
	n := 0
	for i := range s {
		if n == MaxLabelRunes-1 {
			return s[:i] + "…"
		}
		n++
	}
	return s
}

// Doc accumulates lines of safe HTML.
type Doc struct {
	b strings.Builder
}

// Line appends one line. Pass "" for a blank line.
func (d *Doc) Line(h H) *Doc {
	if d.b.Len() > 0 {
		d.b.WriteByte('\n')
	}
	d.b.WriteString(string(h))
	return d
}

// Linef formats plain text args into an escaped line; format itself is
// trusted HTML.
func (d *Doc) Linef(format string, args ...any) *Doc {
	safe := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case H:
			safe[i] = string(v)
		case string:
			safe[i] = html.EscapeString(v)
		default:
			safe[i] = a
		}
	}
	return d.Line(H(fmt.Sprintf(format, safe...)))
}

func (d *Doc) String() string { return d.b.String() }
