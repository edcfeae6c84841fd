package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "gamenight/internal/runtime/supervisor"
	kit "gamenight/internal/transport"
	logx "gamenight/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and the drop reporter; created on Start, cancelled on Stop.
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer fell behind the poll loop.
	droppedUpdates uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateMessage,
			Message: &kit.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				ThreadID:     m.ThreadID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				FromName:     strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName),
				Text:         m.Text,
				IsGroup:      m.Chat.Type != tele.ChatPrivate,
			},
		})
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-ticker.C:
				a.reportDrops(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns while the context is alive.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Running reports whether the poll loop is active.
func (a *Adapter) Running() bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.running
}

func (a *Adapter) reportDrops(capacity int) {
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	// Long poll may still be waiting; keep shutdown bounded.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks Telegram accepts,
// preferring newline boundaries.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func sendOptions(opt *kit.SendOptions, threadID int) *tele.SendOptions {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              threadID,
	}
}

func (a *Adapter) sendChunks(ctx context.Context, to tele.Recipient, chatID int64, threadID int, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(to, chunk, sendOptions(opt, threadID))
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: chatID, ThreadID: threadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return a.sendChunks(ctx, &tele.Chat{ID: to.ChatID}, to.ChatID, to.ThreadID, text, opt)
}

// SendDirect sends a private message. Telegram rejects it with 403 until the
// user has started a conversation with the bot.
func (a *Adapter) SendDirect(ctx context.Context, userID int64, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return a.sendChunks(ctx, &tele.User{ID: userID}, userID, 0, text, opt)
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	chunks := splitTelegramText(text, telegramTextLimit)
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	o := sendOptions(opt, 0)
	if _, err := a.bot.Edit(m, chunks[0], o); err != nil {
		return classify(err)
	}
	for _, chunk := range chunks[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(&tele.Chat{ID: ref.ChatID}, chunk, sendOptions(opt, ref.ThreadID)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(a.bot.Delete(&tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}))
}

// UpdateMenuCommands publishes the bot's command list. An unchanged list is
// not sent again.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
		out = append(out, tele.Command{Text: c.Command, Description: c.Description})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(out); err != nil {
		return fmt.Errorf("set commands: %w", err)
	}
	a.menuHash = sum
	a.log.Debug("telegram menu updated", logx.Int("commands", len(out)))
	return nil
}

// classify maps Telegram refusals that no retry can fix onto ErrRecipientUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var terr *tele.Error
	if errors.As(err, &terr) && (terr.Code == 403 || terr.Code == 400 && strings.Contains(terr.Description, "chat not found")) {
		return fmt.Errorf("%w: %v", kit.ErrRecipientUnavailable, err)
	}
	return err
}
