package watch

import (
	"regexp"
	"time"

	"relaybot/internal/provision"
	"relaybot/pkg/logx"
)

// CodeNotFound is the sentinel placed in Event.Code when no verification
// code could be extracted from the message body.
const CodeNotFound = "N/A"

// Matches 6-digit codes, plain or dash-separated ("123456", "123-456").
var codeRe = regexp.MustCompile(`\b(\d{3}-\d{3}|\d{6})\b`)

// ExtractCode pulls the first verification code out of a message body, or
// returns CodeNotFound.
func ExtractCode(body string) string {
	if m := codeRe.FindString(body); m != "" {
		return m
	}
	return CodeNotFound
}

// Event is one deduplicated inbound message, ready for relay.
type Event struct {
	UserID int64
	ChatID int64
	Number string
	From   string
	Body   string
	Code   string
	SentAt time.Time
}

// Consider runs the dedup step for one fetched batch. Under the user lock it
// re-validates that the session still exists and is still bound to number
// (the fetch happened outside the lock, so a stale watcher may be calling),
// then compares the newest message against LastSeenSID. On a new message it
// commits the SID and returns the relay event.
//
// Only the newest message per batch is relayed; anything older that arrived
// in the same poll window is deliberately skipped.
func (s *Service) Consider(userID int64, number string, batch []provision.InboundMessage) (Event, bool) {
	if len(batch) == 0 {
		return Event{}, false
	}
	newest := batch[0]

	s.store.Lock(userID)
	defer s.store.Unlock(userID)

	sess := s.store.Peek(userID)
	if sess == nil || sess.Number != number {
		// Session gone or endpoint replaced since the fetch started. A stale
		// watcher must not touch dedup state for the new binding.
		return Event{}, false
	}
	if sess.LastSeenSID == newest.SID {
		return Event{}, false
	}
	sess.LastSeenSID = newest.SID

	s.log.Debug("new inbound message",
		logx.Int64("user_id", userID),
		logx.String("sid", newest.SID))

	return Event{
		UserID: userID,
		ChatID: sess.ChatID,
		Number: number,
		From:   newest.From,
		Body:   newest.Body,
		Code:   ExtractCode(newest.Body),
		SentAt: newest.SentAt,
	}, true
}
