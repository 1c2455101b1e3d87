package bot

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/numbers"
	"relaybot/internal/provision"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

// Lifecycle is the slice of the number-lifecycle service the handlers need.
type Lifecycle interface {
	Login(ctx context.Context, userID, chatID int64, creds provision.Credentials) error
	Logout(ctx context.Context, userID int64) (string, error)
	Current(userID int64) (string, error)
	Search(ctx context.Context, userID int64, areaCode string) ([]provision.Number, error)
	Acquire(ctx context.Context, userID int64, number string) error
	AcquireFromAreaCode(ctx context.Context, userID int64, areaCode string) (string, error)
	AcquireRandom(ctx context.Context, userID int64) (string, error)
	LatestMessage(ctx context.Context, userID int64) (provision.InboundMessage, bool, error)
}

// Handlers binds the lifecycle service to the command surface.
type Handlers struct {
	life Lifecycle
	log  logx.Logger
}

func NewHandlers(life Lifecycle, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{life: life, log: log.With(logx.String("component", "handlers"))}
}

// Register installs every command, matcher and callback on the router.
func (h *Handlers) Register(r *Router) {
	cmds := []Command{
		{Name: "start", Description: "show status and how to begin", Handle: h.cmdStart},
		{Name: "login", Description: "connect your provisioning account", Usage: "/login, then send: AC... token", Handle: h.cmdLogin},
		{Name: "logout", Description: "release your number and disconnect", Handle: h.cmdLogout},
		{Name: "buy", Description: "lease a number", Usage: "/buy 825 or /buy +18255550101", Handle: h.cmdBuy},
		{Name: "random", Description: "lease a number from a random area code", Handle: h.cmdRandom},
		{Name: "returnsms", Description: "show the newest message on your number", Handle: h.cmdReturnSMS},
	}
	cbs := []CallbackRoute{
		{Name: "sms", Handle: h.cbSMS},
	}
	matchers := []Matcher{
		{
			Name:   "credentials",
			Match:  func(text string) bool { _, ok := provision.ParseCredentials(text); return ok },
			Handle: h.matchCredentials,
		},
		{Name: "number", Match: IsNumber, Handle: h.matchNumber},
		{Name: "areacode", Match: IsAreaCode, Handle: h.matchAreaCode},
	}
	r.Register(cmds, cbs, matchers, h.fallback)

	// Help needs the final registry, so it registers last.
	help := Command{Name: "help", Description: "show this help", Handle: func(ctx context.Context, req *Request) error {
		return req.Reply(ctx, helpText(r.Commands()), nil)
	}}
	r.Register([]Command{help}, nil, nil, nil)
}

func helpText(cmds []Command) string {
	parts := []tgui.H{tgui.B("Commands")}
	for _, c := range cmds {
		line := tgui.JoinH(" ", tgui.Code("/"+c.Name), tgui.Raw("—"), tgui.Esc(c.Description))
		if c.Usage != "" {
			line = tgui.JoinH(" ", line, tgui.I("("+c.Usage+")"))
		}
		parts = append(parts, line)
	}
	parts = append(parts,
		tgui.Raw(""),
		tgui.B("Free text"),
		tgui.JoinH(" ", tgui.Code("AC... token"), tgui.Raw("—"), tgui.Esc("log in with your credentials")),
		tgui.JoinH(" ", tgui.Code("825"), tgui.Raw("—"), tgui.Esc("list numbers available in that area code")),
		tgui.JoinH(" ", tgui.Code("+18255550101"), tgui.Raw("—"), tgui.Esc("lease that exact number")),
	)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.String())
	}
	return strings.Join(out, "\n")
}

// viewSMSMarkup is the inline "check messages" button attached to lease
// confirmations and message views.
func viewSMSMarkup() *tele.ReplyMarkup {
	return &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{
		{{Text: "📬 Check messages", Data: "sms:view"}},
	}}
}

// userErrorText maps service errors to what the user reads. Internal detail
// stays in the logs.
func userErrorText(err error) string {
	switch {
	case errors.Is(err, numbers.ErrNotAuthenticated):
		return "you are not logged in. send your credentials as: AC... token"
	case errors.Is(err, provision.ErrAuth):
		return "those credentials were rejected, check them and try again"
	case errors.Is(err, provision.ErrUnavailable):
		return "that number just got taken, pick another one"
	case errors.Is(err, numbers.ErrNoneAvailable):
		return "no numbers available there right now, try another area code"
	case errors.Is(err, numbers.ErrConflict):
		return "another command changed your session at the same time, try again"
	case errors.Is(err, numbers.ErrNoNumber):
		return "you don't own a number yet, lease one with /buy or /random"
	default:
		return "something went wrong, try again in a moment"
	}
}

func (h *Handlers) replyErr(ctx context.Context, req *Request, err error) error {
	req.Log.Warn("command error", logx.Err(err))
	return req.Reply(ctx, string(tgui.Esc(userErrorText(err))), nil)
}

func (h *Handlers) cmdStart(ctx context.Context, req *Request) error {
	number, err := h.life.Current(req.FromID)
	var status tgui.H
	switch {
	case errors.Is(err, numbers.ErrNotAuthenticated):
		status = tgui.Esc("You are not logged in. Send your credentials as: AC... token")
	case number == "":
		status = tgui.Esc("Logged in, no number yet. Use /buy or /random.")
	default:
		status = tgui.JoinH(" ", tgui.Esc("Your number:"), tgui.Code(number))
	}
	text := tgui.JoinH("\n",
		tgui.B("👋 SMS relay"),
		status,
		tgui.Esc("New messages on your number are forwarded here automatically. /help for everything else."),
	)
	return req.Reply(ctx, string(text), nil)
}

func (h *Handlers) cmdLogin(ctx context.Context, req *Request) error {
	text := tgui.JoinH("\n",
		tgui.Esc("Send your account credentials as one message:"),
		tgui.Code("AC... token"),
	)
	return req.Reply(ctx, string(text), nil)
}

func (h *Handlers) cmdLogout(ctx context.Context, req *Request) error {
	released, err := h.life.Logout(ctx, req.FromID)
	if err != nil {
		return h.replyErr(ctx, req, err)
	}
	if released == "" {
		return req.Reply(ctx, string(tgui.Esc("Logged out.")), nil)
	}
	text := tgui.JoinH(" ", tgui.Esc("Logged out, released"), tgui.Code(released))
	return req.Reply(ctx, string(text), nil)
}

func (h *Handlers) cmdBuy(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		text := tgui.JoinH("\n",
			tgui.Esc("Tell me what to lease:"),
			tgui.JoinH(" ", tgui.Code("/buy 825"), tgui.Esc("— any number from that area code")),
			tgui.JoinH(" ", tgui.Code("/buy +18255550101"), tgui.Esc("— that exact number")),
		)
		return req.Reply(ctx, string(text), nil)
	}
	arg := strings.TrimSpace(req.Args[0])
	switch {
	case IsNumber(arg):
		return h.acquireExact(ctx, req, arg)
	case IsAreaCode(arg):
		return h.acquireArea(ctx, req, arg)
	default:
		return req.Reply(ctx, string(tgui.Esc("that doesn't look like an area code or a +1 number")), nil)
	}
}

func (h *Handlers) cmdRandom(ctx context.Context, req *Request) error {
	number, err := h.life.AcquireRandom(ctx, req.FromID)
	if err != nil {
		return h.replyErr(ctx, req, err)
	}
	return h.replyLeased(ctx, req, number)
}

func (h *Handlers) cmdReturnSMS(ctx context.Context, req *Request) error {
	return h.showLatest(ctx, req)
}

func (h *Handlers) cbSMS(ctx context.Context, req *Request) error {
	if req.Payload != "view" {
		return nil
	}
	return h.showLatest(ctx, req)
}

func (h *Handlers) showLatest(ctx context.Context, req *Request) error {
	msg, ok, err := h.life.LatestMessage(ctx, req.FromID)
	if err != nil {
		return h.replyErr(ctx, req, err)
	}
	number, _ := h.life.Current(req.FromID)
	if !ok {
		return req.Reply(ctx, string(tgui.JoinH(" ",
			tgui.Esc("No messages yet on"), tgui.Code(number))), nil)
	}
	return req.Reply(ctx, FormatMessage(number, msg), htmlWithMarkup())
}

func (h *Handlers) matchCredentials(ctx context.Context, req *Request) error {
	creds, ok := provision.ParseCredentials(req.Update.Message.Text)
	if !ok {
		return nil
	}
	if err := h.life.Login(ctx, req.FromID, req.Chat.ChatID, creds); err != nil {
		return h.replyErr(ctx, req, err)
	}
	text := tgui.JoinH("\n",
		tgui.Esc("✅ Logged in."),
		tgui.Esc("Lease a number with /buy or /random."),
	)
	return req.Reply(ctx, string(text), nil)
}

func (h *Handlers) matchNumber(ctx context.Context, req *Request) error {
	return h.acquireExact(ctx, req, strings.TrimSpace(req.Update.Message.Text))
}

func (h *Handlers) matchAreaCode(ctx context.Context, req *Request) error {
	return h.listArea(ctx, req, strings.TrimSpace(req.Update.Message.Text))
}

// listArea shows what an area code has on offer so the user can pick an
// exact number and send it back as +1... (or take the shortcut via /buy).
func (h *Handlers) listArea(ctx context.Context, req *Request, areaCode string) error {
	candidates, err := h.life.Search(ctx, req.FromID, areaCode)
	if err != nil {
		return h.replyErr(ctx, req, err)
	}
	if len(candidates) == 0 {
		return req.Reply(ctx, string(tgui.Esc("no numbers available there right now, try another area code")), nil)
	}
	lines := []string{string(tgui.JoinH(" ", tgui.B("Available in"), tgui.Code(areaCode)))}
	for _, c := range candidates {
		lines = append(lines, string(tgui.Code(c.PhoneNumber)))
	}
	lines = append(lines, "",
		string(tgui.Esc("Send one of them to lease it, or /buy "+areaCode+" to take the first available.")))
	return req.Reply(ctx, strings.Join(lines, "\n"), nil)
}

func (h *Handlers) acquireExact(ctx context.Context, req *Request, number string) error {
	if err := h.life.Acquire(ctx, req.FromID, number); err != nil {
		return h.replyErr(ctx, req, err)
	}
	return h.replyLeased(ctx, req, number)
}

func (h *Handlers) acquireArea(ctx context.Context, req *Request, areaCode string) error {
	number, err := h.life.AcquireFromAreaCode(ctx, req.FromID, areaCode)
	if err != nil {
		return h.replyErr(ctx, req, err)
	}
	return h.replyLeased(ctx, req, number)
}

func (h *Handlers) replyLeased(ctx context.Context, req *Request, number string) error {
	text := tgui.JoinH("\n",
		tgui.JoinH(" ", tgui.Esc("✅ Leased"), tgui.Code(number)),
		tgui.Esc("Incoming messages will be forwarded here."),
	)
	return req.Reply(ctx, string(text), htmlWithMarkup())
}

func htmlWithMarkup() *transport.SendOptions {
	return &transport.SendOptions{
		ParseMode:          "HTML",
		DisablePreview:     true,
		ReplyMarkupAdapter: viewSMSMarkup(),
	}
}

func (h *Handlers) fallback(ctx context.Context, req *Request) error {
	return req.Reply(ctx, string(tgui.Esc("I didn't understand that. /help lists what I can do.")), nil)
}
