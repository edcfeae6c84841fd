package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "gamenight/internal/transport"
	"gamenight/pkg/tgui"
)

// ChatConfig forwards lines at or above MinLevel to a moderator chat.
type ChatConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Sender is the part of the chat transport the sink needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	// A line identical to the previous one inside this window is counted,
	// not resent.
	chatRepeatWindow = time.Minute
	chatMaxRunes     = 3500
	chatMaxValue     = 600
)

type chatLine struct {
	to   kit.ChatTarget
	text string
}

// chatSink is a zerolog.LevelWriter. It never blocks the logging goroutine:
// lines over the rate limit or beyond a full queue are dropped.
type chatSink struct {
	sender Sender
	queue  chan chatLine

	mu       sync.Mutex
	enabled  bool
	target   kit.ChatTarget
	minLevel Level
	limiter  *rate.Limiter
	last     string
	lastAt   time.Time
	repeats  int

	startOnce sync.Once
	stop      context.CancelFunc
	done      chan struct{}
}

func newChatSink(sender Sender) *chatSink {
	return &chatSink{sender: sender, queue: make(chan chatLine, chatQueueSize)}
}

// configure reports whether the sink should be one of the outputs.
func (c *chatSink) configure(cfg ChatConfig) bool {
	on := cfg.Enabled && c.sender != nil
	if cfg.Enabled && cfg.ChatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: chat logging enabled without a chat id")
		on = false
	}

	c.mu.Lock()
	c.enabled = on
	c.target = kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	c.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	rps := max(1, cfg.RatePerSec)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()

	if on {
		c.startOnce.Do(c.start)
	}
	return on
}

func (c *chatSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ln := <-c.queue:
				sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
				_, _ = c.sender.SendText(sctx, ln.to, ln.text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
				cancel()
			}
		}
	}()
}

func (c *chatSink) close(ctx context.Context) {
	if c.stop == nil {
		return
	}
	c.stop()
	select {
	case <-c.done:
	case <-ctx.Done():
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(LevelInfo, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	text := formatChatLine(p)
	now := time.Now()

	c.mu.Lock()
	ok := c.enabled && level >= c.minLevel && text != ""
	if ok && text == c.last && now.Sub(c.lastAt) < chatRepeatWindow {
		c.repeats++
		ok = false
	}
	if ok {
		if c.repeats > 0 {
			text += fmt.Sprintf("\n<i>(previous line repeated %d more times)</i>", c.repeats)
		}
		c.last, c.lastAt, c.repeats = text, now, 0
		ok = c.limiter.Allow()
	}
	to := c.target
	c.mu.Unlock()

	if ok {
		select {
		case c.queue <- chatLine{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatChatLine renders one JSON log line as HTML: "[LEVEL] message"
// followed by one "- key=value" row per field, sorted by key.
func formatChatLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return tgui.Esc(clip(strings.TrimSpace(string(p)), chatMaxRunes)).String()
	}

	var d tgui.Doc
	lvl, _ := m[zerolog.LevelFieldName].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)
	if lvl != "" {
		d.Linef("<b>[%s]</b> %s", strings.ToUpper(lvl), msg)
	} else {
		d.Linef("%s", msg)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d.Linef("- %s=%s", k, clip(fmt.Sprint(m[k]), chatMaxValue))
	}
	return clip(d.String(), chatMaxRunes)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
