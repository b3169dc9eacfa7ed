package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "gatebot/internal/runtime/supervisor"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc

	// Hidden commands are routed but left out of help and the menu.
	Hidden bool
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles inline-button data of the form "scope:action[:payload]".
type CallbackRoute struct {
	Scope   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string // command name, callback key, or "fallback"

	// Args are the tokenized arguments; RawArgs is the untouched text after
	// the command word.
	Args    []string
	RawArgs string
	Payload string // callback payload
	ReqID   string
	IsAdmin bool

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Message returns the message of a message update, or nil.
func (r *Request) Message() *kit.Message { return r.Update.Message }

// Reply sends text to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return r.Adapter.SendText(ctx, r.Chat, text, opt)
}

// IsAdminFunc reports whether a user id holds admin rights. It must be safe
// for concurrent use and may change over time (config reload).
type IsAdminFunc func(userID int64) bool

type Options struct {
	Workers  int
	QueueCap int
	Timeout  time.Duration // default handler timeout
}

type Router struct {
	mu       sync.RWMutex
	commands map[string]*Command
	alias    map[string]*Command
	fallback HandlerFunc

	cbMu      sync.RWMutex
	callbacks map[string]map[string]CallbackRoute // scope -> action -> route

	isAdmin IsAdminFunc
	log     logx.Logger
	adapter kit.Adapter
	opt     Options

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, isAdmin IsAdminFunc, opt Options) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if isAdmin == nil {
		isAdmin = func(int64) bool { return false }
	}
	if opt.Workers <= 0 {
		opt.Workers = max(2, runtime.NumCPU())
	}
	if opt.QueueCap <= 0 {
		opt.QueueCap = 256
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 30 * time.Second
	}
	return &Router{
		commands:  map[string]*Command{},
		alias:     map[string]*Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		isAdmin:   isAdmin,
		log:       log.Component("telegram.router"),
		adapter:   adapter,
		opt:       opt,
		jobs:      make(chan func(), opt.QueueCap),
	}
}

// SetRegistry replaces all commands and callbacks. /help is always added.
func (m *Router) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	cmds = append(cmds, Command{
		Name:        "help",
		Description: "show available commands",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Reply(ctx, m.helpText(req.IsAdmin), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			return err
		},
	})

	commands := map[string]*Command{}
	alias := map[string]*Command{}
	for i := range cmds {
		c := cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		commands[name] = &c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				alias[a] = &c
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, r := range cbs {
		s, a := strings.TrimSpace(r.Scope), strings.TrimSpace(r.Action)
		if s == "" || a == "" || r.Handle == nil {
			continue
		}
		if cb[s] == nil {
			cb[s] = map[string]CallbackRoute{}
		}
		cb[s][a] = r
	}

	m.mu.Lock()
	m.commands = commands
	m.alias = alias
	m.mu.Unlock()

	m.cbMu.Lock()
	m.callbacks = cb
	m.cbMu.Unlock()
}

// SetFallback installs the handler for non-command messages.
func (m *Router) SetFallback(h HandlerFunc) {
	m.mu.Lock()
	m.fallback = h
	m.mu.Unlock()
}

// MenuCommands lists the public commands for the platform menu.
func (m *Router) MenuCommands() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(m.commands))
	for _, c := range m.commands {
		if c.Hidden || c.Access == AccessAdminOnly {
			continue
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

func (m *Router) lookup(word string) *Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.commands[word]; ok {
		return c
	}
	return m.alias[word]
}

func (m *Router) fallbackHandler() HandlerFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fallback
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
// Handlers run on a bounded worker pool under an internal supervisor.
func (m *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	m.log.Info("dispatcher started", logx.Int("workers", m.opt.Workers), logx.Int("queue_cap", cap(m.jobs)))

	for i := 0; i < m.opt.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.Route(ctx, up)
		}
	}
}

func (m *Router) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (m *Router) tryEnqueue(fn func()) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// Route dispatches one update onto the worker pool.
func (m *Router) Route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil || msg.IsGroup {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	word, rawArgs, isCmd := splitCommand(strings.TrimSpace(msg.Text))
	if !isCmd {
		if fallback := m.fallbackHandler(); fallback != nil {
			m.enqueue(ctx, up, chat, msg.FromID, Command{Name: "fallback", Handle: fallback}, "", "")
		}
		return
	}

	cmd := m.lookup(word)
	if cmd == nil {
		_, _ = m.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		return
	}
	if cmd.Access == AccessAdminOnly && !m.isAdmin(msg.FromID) {
		_, _ = m.adapter.SendText(ctx, chat, "This command is for admins only.", nil)
		return
	}
	m.enqueue(ctx, up, chat, msg.FromID, *cmd, rawArgs, "")
}

func (m *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, action, payload, ok := splitCallbackData(cb.Data)
	if !ok {
		return
	}
	m.cbMu.RLock()
	route, ok := m.callbacks[scope][action]
	m.cbMu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if route.Access == AccessAdminOnly && !m.isAdmin(cb.FromID) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	h := func(c context.Context, r *Request) error { return route.Handle(c, r, payload) }
	chat := kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	cmd := Command{Name: "cb:" + scope + ":" + action, Timeout: route.Timeout, Handle: h}
	if !m.enqueueThen(ctx, up, chat, cb.FromID, cmd, "", payload, func() {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func (m *Router) enqueue(ctx context.Context, up kit.Update, chat kit.ChatTarget, from int64, cmd Command, rawArgs, payload string) {
	if !m.enqueueThen(ctx, up, chat, from, cmd, rawArgs, payload, nil) {
		_, _ = m.adapter.SendText(ctx, chat, "Busy, try again in a moment.", nil)
	}
}

func (m *Router) enqueueThen(ctx context.Context, up kit.Update, chat kit.ChatTarget, from int64, cmd Command, rawArgs, payload string, after func()) bool {
	rid := uuid.NewString()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  from,
		Command: cmd.Name,
		Args:    tokenizeCommandLine(rawArgs),
		RawArgs: rawArgs,
		Payload: payload,
		ReqID:   rid,
		IsAdmin: m.isAdmin(from),
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from),
			logx.String("cmd", cmd.Name),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.opt.Timeout
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	return m.tryEnqueue(func() {
		_ = final(ctx, req)
		if after != nil {
			after()
		}
	})
}
