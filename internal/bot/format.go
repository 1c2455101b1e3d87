package bot

import (
	"strings"
	"time"

	"relaybot/internal/provision"
	"relaybot/internal/watch"
	"relaybot/pkg/tgui"
)

const (
	relayTimeLayout = "2006-01-02 15:04:05 MST"
	maxBodyRunes    = 1500
)

// formatInbound renders one inbound message as Telegram HTML. Shared by the
// watcher relay and the on-demand /returnsms view.
func formatInbound(number, from, body, code string, sentAt time.Time) string {
	when := "unknown"
	if !sentAt.IsZero() {
		when = sentAt.UTC().Format(relayTimeLayout)
	}
	head := tgui.JoinH("\n",
		tgui.B("📨 New message"),
		tgui.JoinH(" ", tgui.B("Number:"), tgui.Code(number)),
		tgui.JoinH(" ", tgui.B("From:"), tgui.Code(from)),
		tgui.JoinH(" ", tgui.B("Country:"), tgui.Esc(countryLabel(number))),
		tgui.JoinH(" ", tgui.B("Time:"), tgui.Esc(when)),
		tgui.JoinH(" ", tgui.B("Code:"), tgui.Code(code)),
	)
	return string(head) + "\n\n" + string(tgui.Esc(tgui.TruncRunes(body, maxBodyRunes)))
}

// countryLabel is a coarse label from the dialing prefix. Leases are North
// American, so anything else is labeled unknown.
func countryLabel(number string) string {
	if strings.HasPrefix(number, "+1") {
		return "Canada/US (+1)"
	}
	return "unknown"
}

// FormatRelay renders a watcher event for delivery.
func FormatRelay(ev watch.Event) string {
	return formatInbound(ev.Number, ev.From, ev.Body, ev.Code, ev.SentAt)
}

// FormatMessage renders an on-demand fetched message.
func FormatMessage(number string, msg provision.InboundMessage) string {
	return formatInbound(number, msg.From, msg.Body, watch.ExtractCode(msg.Body), msg.SentAt)
}
