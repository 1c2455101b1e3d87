package bot

import (
	"context"
	"sync/atomic"

	"relaybot/internal/transport"
	"relaybot/internal/watch"
	"relaybot/pkg/logx"
)

// Sender is the outbound pipeline relays and replies go through.
type Sender interface {
	Enqueue(n transport.Notification) bool
}

// RelaySink fans a watcher event out to the owning user's chat and, when
// configured, a shared audit chat.
type RelaySink struct {
	out         Sender
	auditChatID atomic.Int64
	log         logx.Logger
}

func NewRelaySink(out Sender, auditChatID int64, log logx.Logger) *RelaySink {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &RelaySink{out: out, log: log.With(logx.String("component", "relay"))}
	s.auditChatID.Store(auditChatID)
	return s
}

// SetAuditChat swaps the audit chat at runtime (0 disables it).
func (s *RelaySink) SetAuditChat(chatID int64) {
	s.auditChatID.Store(chatID)
}

func (s *RelaySink) Relay(ctx context.Context, ev watch.Event) {
	text := FormatRelay(ev)
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}

	s.out.Enqueue(transport.Notification{
		Target:  transport.ChatTarget{ChatID: ev.ChatID},
		Text:    text,
		Options: opt,
	})

	if audit := s.auditChatID.Load(); audit != 0 && audit != ev.ChatID {
		s.out.Enqueue(transport.Notification{
			Target:  transport.ChatTarget{ChatID: audit},
			Text:    text,
			Options: opt,
		})
	}

	s.log.Debug("relayed message",
		logx.Int64("user_id", ev.UserID),
		logx.String("number", ev.Number))
}
