package router

import (
	"context"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "gamenight/internal/runtime/supervisor"
	kit "gamenight/internal/transport"
	logx "gamenight/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "schedule add".
	Route       string
	Aliases     []string // root-level shortcuts, e.g. ["signup"]
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Message kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Path    []string // matched command path tokens
	Command string
	Args    []string

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter kit.Adapter
	Logger  logx.Logger
	Waiter  *Waiter
	IsOwner bool
}

// Reply sends plain text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Conversation returns the request's chat bound to its sender.
func (r *Request) Conversation() *Conversation {
	return NewConversation(r.Adapter, r.Waiter, r.Chat, r.FromID)
}

// DisplayName is how replies address the sender.
func (r *Request) DisplayName() string {
	if r.Message.FromUsername != "" {
		return "@" + r.Message.FromUsername
	}
	if r.Message.FromName != "" {
		return r.Message.FromName
	}
	return strconv.FormatInt(r.FromID, 10)
}

type Options struct {
	Workers   int
	QueueSize int
	// DefaultTimeout bounds handlers without their own Timeout. Zero means none.
	DefaultTimeout time.Duration
}

type CommandManager struct {
	mu     sync.RWMutex
	root   *cmdNode
	alias  map[string]*cmdNode
	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	waiter  *Waiter
	opt     Options

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64, opt Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Workers < 2 {
		opt.Workers = 2
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	return &CommandManager{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		owners:  slices.Clone(owners),
		log:     log,
		adapter: adapter,
		waiter:  NewWaiter(),
		opt:     opt,
		jobs:    make(chan func(), opt.QueueSize),
	}
}

func (m *CommandManager) Waiter() *Waiter { return m.waiter }

// Supervisor returns the worker pool supervisor, nil when not running.
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue tolerates the jobs channel being closed during shutdown.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners replaces the moderator list. Safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// SetRegistry installs the command set. /help is always added.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h", "start"},
		Description: "show help",
		Usage:       "/help [cmd] [sub...]",
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Adapter.SendText(ctx, req.Chat, m.helpText(req.Args, req.IsOwner), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			return err
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		// Multi-token routes get a /a_b shortcut for the Telegram menu. The
		// bare single token is never aliased, or "/schedule list" would stop
		// at "schedule".
		if len(route) > 1 {
			if name, ok := telegramCommandNameFromRoute(route); ok {
				if _, exists := alias[name]; !exists {
					alias[name] = leaf
				}
			}
		}
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" {
				alias[a] = leaf
			}
		}
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildTelegramMenuCommands(root)
		go func() {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(cctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

// DispatchLoop routes updates until ctx ends or updates closes. Handlers run
// on a bounded worker pool; replies awaited by a Conversation are delivered
// inline so a waiting handler never starves the pool.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", m.opt.Workers), logx.Int("queue", cap(m.jobs)))

	for i := 0; i < m.opt.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		m.setSupervisor(sup, false)
		close(m.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(sup.Context(), up)
		}
	}
}

func (m *CommandManager) runJob(idx int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeUpdate(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := *up.Message
	if m.waiter.Offer(msg) {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := commandWord(parts[0])
	args := parts[1:]
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	rootNode, aliasMap := m.root, m.alias
	m.mu.RUnlock()

	if leaf, ok := aliasMap[word]; ok && leaf.cmd != nil {
		m.enqueueCommand(ctx, up, msg, *leaf.cmd, splitRoute(leaf.cmd.Route), args)
		return
	}

	cur, ok := rootNode.child(word)
	if !ok {
		// Groups share the bot with others; stay quiet on unknown commands there.
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		}
		return
	}
	path := []string{word}
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		child, ok := cur.child(args[0])
		if !ok {
			break
		}
		cur = child
		path = append(path, child.name)
		args = args[1:]
	}

	if cur.cmd == nil {
		_, _ = m.adapter.SendText(ctx, chat, m.helpText(path, m.isOwner(msg.FromID)), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		return
	}
	m.enqueueCommand(ctx, up, msg, *cur.cmd, path, args)
}

func (m *CommandManager) enqueueCommand(ctx context.Context, up kit.Update, msg kit.Message, cmd Command, path, raw []string) {
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	owner := m.isOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = m.adapter.SendText(ctx, chat, "Sorry, only moderators can do that.", nil)
		return
	}

	rid := newReqID()
	pos, flags, bools := parseFlags(raw)
	req := &Request{
		Update:    up,
		Message:   msg,
		Chat:      chat,
		FromID:    msg.FromID,
		Path:      path,
		Command:   cmd.Route,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Waiter:    m.waiter,
		IsOwner:   owner,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.opt.DefaultTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "Busy, try again in a moment.", nil)
	}
}
