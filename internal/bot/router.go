// Package bot is the command surface: it routes incoming updates to command
// handlers, free-text matchers (credentials, area codes, phone numbers) and
// callback actions, and formats everything the user sees.
package bot

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Log.IsZero() {
						logger = req.Log
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if req != nil && !req.Log.IsZero() {
				logger = req.Log
			}
			err := next(ctx, req)
			fields := []logx.Field{
				logx.String("cmd", req.Command),
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.Int64("from_id", req.FromID),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			} else {
				logger.Info("request ok", fields...)
			}
			return err
		}
	}
}

// Request carries one routed update through the middleware chain.
type Request struct {
	Update  transport.Update
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Payload string
	ReqID   string

	Adapter transport.Adapter
	Log     logx.Logger
}

// Reply sends text back to the originating chat as HTML.
func (r *Request) Reply(ctx context.Context, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	}
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

// Command is one slash command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Timeout     time.Duration
	Handle      HandlerFunc
}

// CallbackRoute handles inline-button callbacks whose data is "name" or
// "name:payload".
type CallbackRoute struct {
	Name    string
	Timeout time.Duration
	Handle  HandlerFunc
}

// Matcher recognizes free-text (non-command) messages such as credential
// pairs or bare area codes. Matchers only run in private chats.
type Matcher struct {
	Name   string
	Match  func(text string) bool
	Handle HandlerFunc
}

// Router dispatches updates to a bounded worker pool.
type Router struct {
	adapter transport.Adapter
	log     logx.Logger

	mu        sync.RWMutex
	commands  map[string]Command
	order     []string
	callbacks map[string]CallbackRoute
	matchers  []Matcher
	fallback  HandlerFunc

	defaultTimeout time.Duration
	jobs           chan func()
}

func NewRouter(adapter transport.Adapter, defaultTimeout time.Duration, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Router{
		adapter:        adapter,
		log:            log.With(logx.String("component", "router")),
		commands:       map[string]Command{},
		callbacks:      map[string]CallbackRoute{},
		defaultTimeout: defaultTimeout,
		jobs:           make(chan func(), 256),
	}
}

func (r *Router) Register(cmds []Command, cbs []CallbackRoute, matchers []Matcher, fallback HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		name := strings.TrimPrefix(strings.TrimSpace(c.Name), "/")
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		if _, dup := r.commands[name]; !dup {
			r.order = append(r.order, name)
		}
		r.commands[name] = c
	}
	for _, cb := range cbs {
		if cb.Name == "" || cb.Handle == nil {
			continue
		}
		r.callbacks[cb.Name] = cb
	}
	r.matchers = append(r.matchers, matchers...)
	if fallback != nil {
		r.fallback = fallback
	}
}

// Commands returns registered commands in registration order, for /help.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.commands[name])
	}
	return out
}

// DispatchLoop consumes updates until ctx is cancelled or the channel
// closes. Handlers run on a bounded worker pool; when it is saturated the
// user gets a "busy" reply instead of unbounded queueing.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	r.log.Info("dispatcher started", logx.Int("workers", workers))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					job()
				}
			}
		}()
	}
	defer func() {
		wg.Wait()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		r.routeMessage(ctx, up)
	case transport.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

func (r *Router) routeMessage(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	chat := transport.ChatTarget{ChatID: msg.ChatID}

	if strings.HasPrefix(text, "/") {
		parts := strings.Fields(text)
		name := strings.TrimPrefix(parts[0], "/")
		if i := strings.IndexByte(name, '@'); i >= 0 {
			name = name[:i]
		}

		r.mu.RLock()
		cmd, ok := r.commands[name]
		r.mu.RUnlock()
		if !ok {
			if !msg.IsGroup {
				_, _ = r.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
			}
			return
		}
		r.enqueue(ctx, up, cmd.Name, cmd.Timeout, parts[1:], "", cmd.Handle)
		return
	}

	// Free-text forms only make sense one-on-one; group chatter is ignored.
	if msg.IsGroup {
		return
	}

	r.mu.RLock()
	matchers := r.matchers
	fallback := r.fallback
	r.mu.RUnlock()

	for _, m := range matchers {
		if m.Match(text) {
			r.enqueue(ctx, up, m.Name, 0, nil, "", m.Handle)
			return
		}
	}
	if fallback != nil {
		r.enqueue(ctx, up, "fallback", 0, nil, "", fallback)
	}
}

func (r *Router) routeCallback(ctx context.Context, up transport.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	data := strings.TrimPrefix(strings.TrimSpace(cb.Data), "\f")
	name, payload := data, ""
	if i := strings.IndexByte(data, ':'); i >= 0 {
		name, payload = data[:i], data[i+1:]
	}

	r.mu.RLock()
	route, ok := r.callbacks[name]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	handle := func(ctx context.Context, req *Request) error {
		err := route.Handle(ctx, req)
		// Best-effort: stop the "loading" spinner on the button.
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return err
	}
	r.enqueue(ctx, up, "cb:"+name, route.Timeout, nil, payload, handle)
}

func (r *Router) enqueue(ctx context.Context, up transport.Update, command string, timeout time.Duration, args []string, payload string, handle HandlerFunc) {
	var chat transport.ChatTarget
	var fromID int64
	switch {
	case up.Message != nil:
		chat = transport.ChatTarget{ChatID: up.Message.ChatID}
		fromID = up.Message.FromID
	case up.Callback != nil:
		chat = transport.ChatTarget{ChatID: up.Callback.ChatID}
		fromID = up.Callback.FromID
	}

	rid := uuid.NewString()
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  fromID,
		Command: command,
		Args:    args,
		Payload: payload,
		ReqID:   rid,
		Adapter: r.adapter,
		Log: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", fromID),
			logx.String("cmd", command)),
	}

	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	final := Chain(
		handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)

	select {
	case r.jobs <- func() { _ = final(ctx, req) }:
	default:
		_, _ = r.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}
