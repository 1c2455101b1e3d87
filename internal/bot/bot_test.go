package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"relaybot/internal/numbers"
	"relaybot/internal/provision"
	"relaybot/internal/transport"
	"relaybot/internal/watch"
	"relaybot/pkg/logx"
)

func TestIsAreaCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want bool
	}{
		{"825", true},
		{"004", true},
		{"82", false},
		{"8255", false},
		{"abc", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsAreaCode(tt.text); got != tt.want {
			t.Errorf("IsAreaCode(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestIsNumber(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want bool
	}{
		{"+18255550101", true},
		{"+1825555010", false},
		{"+28255550101", false},
		{"18255550101", false},
		{"hello", false},
	}
	for _, tt := range tests {
		if got := IsNumber(tt.text); got != tt.want {
			t.Errorf("IsNumber(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestFormatRelayEscapesBody(t *testing.T) {
	t.Parallel()
	out := FormatRelay(watch.Event{
		Number: "+18255550101",
		From:   "+15550001",
		Body:   "your code is 123456 <script>",
		Code:   "123456",
		SentAt: time.Date(2024, 8, 20, 14, 1, 5, 0, time.UTC),
	})
	if !strings.Contains(out, "<code>123456</code>") {
		t.Fatalf("code not rendered: %q", out)
	}
	if strings.Contains(out, "<script>") {
		t.Fatalf("body not escaped: %q", out)
	}
	if !strings.Contains(out, "2024-08-20 14:01:05 UTC") {
		t.Fatalf("timestamp missing: %q", out)
	}
}

type capturingAdapter struct {
	mu       sync.Mutex
	sent     []string
	answered []string
	sentCh   chan string
}

func newCapturingAdapter() *capturingAdapter {
	return &capturingAdapter{sentCh: make(chan string, 16)}
}

func (a *capturingAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *capturingAdapter) Stop(context.Context) error                           { return nil }

func (a *capturingAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	a.sent = append(a.sent, text)
	a.mu.Unlock()
	a.sentCh <- text
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (a *capturingAdapter) AnswerCallback(_ context.Context, callbackID string, _ string) error {
	a.mu.Lock()
	a.answered = append(a.answered, callbackID)
	a.mu.Unlock()
	return nil
}

func (a *capturingAdapter) waitReply(t *testing.T) string {
	t.Helper()
	select {
	case text := <-a.sentCh:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("no reply sent")
		return ""
	}
}

type fakeLife struct {
	mu       sync.Mutex
	loggedIn bool
	number   string
	calls    []string
	latest   *provision.InboundMessage
}

func (f *fakeLife) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeLife) Login(_ context.Context, _, _ int64, creds provision.Credentials) error {
	f.record("login " + creds.SID)
	f.mu.Lock()
	f.loggedIn = true
	f.mu.Unlock()
	return nil
}

func (f *fakeLife) Logout(context.Context, int64) (string, error) {
	f.record("logout")
	return f.number, nil
}

func (f *fakeLife) Current(int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loggedIn {
		return "", numbers.ErrNotAuthenticated
	}
	return f.number, nil
}

func (f *fakeLife) Search(_ context.Context, _ int64, areaCode string) ([]provision.Number, error) {
	f.record("search " + areaCode)
	return []provision.Number{
		{PhoneNumber: "+1" + areaCode + "5550101"},
		{PhoneNumber: "+1" + areaCode + "5550102"},
	}, nil
}

func (f *fakeLife) Acquire(_ context.Context, _ int64, number string) error {
	f.record("acquire " + number)
	f.mu.Lock()
	f.number = number
	f.mu.Unlock()
	return nil
}

func (f *fakeLife) AcquireFromAreaCode(_ context.Context, _ int64, areaCode string) (string, error) {
	f.record("area " + areaCode)
	return "+1" + areaCode + "5550101", nil
}

func (f *fakeLife) AcquireRandom(context.Context, int64) (string, error) {
	f.record("random")
	return "+16475550101", nil
}

func (f *fakeLife) LatestMessage(context.Context, int64) (provision.InboundMessage, bool, error) {
	f.record("latest")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return provision.InboundMessage{}, false, nil
	}
	return *f.latest, true, nil
}

func (f *fakeLife) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestRouter(t *testing.T) (*Router, *capturingAdapter, *fakeLife, chan transport.Update) {
	t.Helper()
	ad := newCapturingAdapter()
	life := &fakeLife{}
	r := NewRouter(ad, time.Second, logx.Nop())
	NewHandlers(life, logx.Nop()).Register(r)

	updates := make(chan transport.Update, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		close(updates)
		<-done
	})
	return r, ad, life, updates
}

func textUpdate(text string, group bool) transport.Update {
	return transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ID:      1,
			ChatID:  100,
			FromID:  100,
			Text:    text,
			IsGroup: group,
		},
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	_, ad, _, updates := newTestRouter(t)
	updates <- textUpdate("/bogus", false)
	if got := ad.waitReply(t); !strings.Contains(got, "unknown command") {
		t.Fatalf("reply = %q", got)
	}
}

func TestStartNotLoggedIn(t *testing.T) {
	t.Parallel()
	_, ad, _, updates := newTestRouter(t)
	updates <- textUpdate("/start", false)
	if got := ad.waitReply(t); !strings.Contains(got, "not logged in") {
		t.Fatalf("reply = %q", got)
	}
}

func TestCredentialsMatcherLogsIn(t *testing.T) {
	t.Parallel()
	_, ad, life, updates := newTestRouter(t)
	updates <- textUpdate("ACaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa 0123456789abcdef0123456789abcdef", false)
	if got := ad.waitReply(t); !strings.Contains(got, "Logged in") {
		t.Fatalf("reply = %q", got)
	}
	calls := life.recorded()
	if len(calls) != 1 || !strings.HasPrefix(calls[0], "login AC") {
		t.Fatalf("calls = %v", calls)
	}
}

func TestAreaCodeMatcherListsCandidates(t *testing.T) {
	t.Parallel()
	_, ad, life, updates := newTestRouter(t)
	updates <- textUpdate("825", false)
	got := ad.waitReply(t)
	for _, want := range []string{"+18255550101", "+18255550102"} {
		if !strings.Contains(got, want) {
			t.Fatalf("candidate %q missing from listing: %q", want, got)
		}
	}
	if calls := life.recorded(); len(calls) != 1 || calls[0] != "search 825" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestBuyAreaCodeAutoLeases(t *testing.T) {
	t.Parallel()
	_, ad, life, updates := newTestRouter(t)
	updates <- textUpdate("/buy 825", false)
	if got := ad.waitReply(t); !strings.Contains(got, "+18255550101") {
		t.Fatalf("reply = %q", got)
	}
	if calls := life.recorded(); len(calls) != 1 || calls[0] != "area 825" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestNumberMatcher(t *testing.T) {
	t.Parallel()
	_, ad, life, updates := newTestRouter(t)
	updates <- textUpdate("+16475550202", false)
	ad.waitReply(t)
	if calls := life.recorded(); len(calls) != 1 || calls[0] != "acquire +16475550202" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestFallbackPrivateOnly(t *testing.T) {
	t.Parallel()
	_, ad, _, updates := newTestRouter(t)

	// Group chatter is dropped silently.
	updates <- textUpdate("what is this", true)
	// Private gibberish gets the fallback.
	updates <- textUpdate("what is this", false)

	got := ad.waitReply(t)
	if !strings.Contains(got, "didn't understand") {
		t.Fatalf("reply = %q", got)
	}
	select {
	case extra := <-ad.sentCh:
		t.Fatalf("unexpected extra reply: %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCallbackViewSMS(t *testing.T) {
	t.Parallel()
	_, ad, life, updates := newTestRouter(t)
	life.mu.Lock()
	life.loggedIn = true
	life.number = "+18255550101"
	life.latest = &provision.InboundMessage{SID: "SM1", From: "+15550001", Body: "code 123456", SentAt: time.Now()}
	life.mu.Unlock()

	updates <- transport.Update{
		Kind: transport.UpdateCallback,
		Callback: &transport.Callback{
			ID:     "cb1",
			ChatID: 100,
			FromID: 100,
			Data:   "sms:view",
		},
	}
	if got := ad.waitReply(t); !strings.Contains(got, "123456") {
		t.Fatalf("reply = %q", got)
	}
	calls := life.recorded()
	if len(calls) == 0 || calls[0] != "latest" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()
	_, ad, _, updates := newTestRouter(t)
	updates <- textUpdate("/help", false)
	got := ad.waitReply(t)
	for _, want := range []string{"/buy", "/random", "/returnsms", "/logout"} {
		if !strings.Contains(got, want) {
			t.Fatalf("help missing %q: %q", want, got)
		}
	}
}
