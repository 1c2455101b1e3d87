package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"relaybot/internal/provision"
	"relaybot/internal/session"
	"relaybot/pkg/logx"
)

func TestExtractCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "plain six digits", body: "Your verification code is 482913.", want: "482913"},
		{name: "dashed", body: "G-code 123-456 expires soon", want: "123-456"},
		{name: "first match wins", body: "111111 then 222222", want: "111111"},
		{name: "embedded in longer digits", body: "ref 12345678", want: CodeNotFound},
		{name: "no code", body: "hello there", want: CodeNotFound},
		{name: "empty", body: "", want: CodeNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCode(tt.body); got != tt.want {
				t.Fatalf("ExtractCode(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}

func newTestService(t *testing.T) (*Service, *session.Store, chan Event) {
	t.Helper()
	store := session.NewStore(0, logx.Nop())
	events := make(chan Event, 16)
	sink := SinkFunc(func(_ context.Context, ev Event) { events <- ev })
	svc := New(store, sink, Config{
		Interval:     5 * time.Millisecond,
		Jitter:       time.Millisecond,
		FetchTimeout: time.Second,
	}, logx.Nop())
	return svc, store, events
}

func msg(sid, body string) provision.InboundMessage {
	return provision.InboundMessage{SID: sid, From: "+15550001", Body: body, SentAt: time.Now()}
}

func TestConsiderDedup(t *testing.T) {
	t.Parallel()
	svc, store, _ := newTestService(t)
	store.Put(&session.Session{UserID: 1, ChatID: 10, Number: "+18255550101"})

	batch := []provision.InboundMessage{msg("SMa", "code 123456")}

	ev, ok := svc.Consider(1, "+18255550101", batch)
	if !ok {
		t.Fatal("first sighting not relayed")
	}
	if ev.Code != "123456" || ev.ChatID != 10 {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// The same batch again must be a no-op.
	if _, ok := svc.Consider(1, "+18255550101", batch); ok {
		t.Fatal("duplicate batch relayed")
	}

	// A newer message on top relays exactly once more.
	batch = append([]provision.InboundMessage{msg("SMb", "no digits here")}, batch...)
	ev, ok = svc.Consider(1, "+18255550101", batch)
	if !ok {
		t.Fatal("newer message not relayed")
	}
	if ev.Code != CodeNotFound {
		t.Fatalf("Code = %q, want sentinel", ev.Code)
	}
	if _, ok := svc.Consider(1, "+18255550101", batch); ok {
		t.Fatal("duplicate of newer message relayed")
	}
}

func TestConsiderEmptyBatch(t *testing.T) {
	t.Parallel()
	svc, store, _ := newTestService(t)
	store.Put(&session.Session{UserID: 1, Number: "+18255550101"})
	if _, ok := svc.Consider(1, "+18255550101", nil); ok {
		t.Fatal("empty batch relayed")
	}
}

func TestConsiderStaleWatcher(t *testing.T) {
	t.Parallel()
	svc, store, _ := newTestService(t)
	sess := &session.Session{UserID: 1, Number: "+18255550102", LastSeenSID: "SMnew"}
	store.Put(sess)

	// A watcher still bound to the old number must neither relay nor touch
	// the dedup state of the current binding.
	if _, ok := svc.Consider(1, "+18255550101", []provision.InboundMessage{msg("SMold", "x")}); ok {
		t.Fatal("stale watcher relayed")
	}
	if sess.LastSeenSID != "SMnew" {
		t.Fatalf("LastSeenSID corrupted: %q", sess.LastSeenSID)
	}

	// Session gone entirely: same answer.
	store.Remove(1)
	if _, ok := svc.Consider(1, "+18255550102", []provision.InboundMessage{msg("SMz", "x")}); ok {
		t.Fatal("relayed for removed session")
	}
}

func TestPollDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{Interval: 12 * time.Second, Jitter: 2 * time.Second}
	for i := 0; i < 200; i++ {
		d := pollDelay(cfg)
		if d < cfg.Interval+jitterFloor || d >= cfg.Interval+cfg.Jitter {
			t.Fatalf("delay %v outside [%v, %v)", d, cfg.Interval+jitterFloor, cfg.Interval+cfg.Jitter)
		}
	}

	// Jitters below the floor (fast test cadences) stay uniform from zero.
	small := Config{Interval: 5 * time.Millisecond, Jitter: time.Millisecond}
	for i := 0; i < 200; i++ {
		d := pollDelay(small)
		if d < small.Interval || d >= small.Interval+small.Jitter {
			t.Fatalf("small delay %v outside [%v, %v)", d, small.Interval, small.Interval+small.Jitter)
		}
	}

	if d := pollDelay(Config{Interval: time.Hour}); d != time.Hour {
		t.Fatalf("no jitter: delay = %v", d)
	}
}

func TestStopWatcherNoopWithoutWatcher(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	sess := &session.Session{UserID: 1, Epoch: 3}
	svc.StopWatcher(sess)
	svc.StopWatcher(nil)
	if sess.Epoch != 3 {
		t.Fatalf("Epoch changed on no-op stop: %d", sess.Epoch)
	}
}

type fakeMessagesClient struct {
	provision.Client

	mu    sync.Mutex
	batch []provision.InboundMessage
	calls int
}

func (f *fakeMessagesClient) Messages(context.Context, string, int, time.Time) ([]provision.InboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]provision.InboundMessage(nil), f.batch...), nil
}

func (f *fakeMessagesClient) setBatch(batch []provision.InboundMessage) {
	f.mu.Lock()
	f.batch = batch
	f.mu.Unlock()
}

func TestWatcherLifecycle(t *testing.T) {
	t.Parallel()
	svc, store, events := newTestService(t)

	client := &fakeMessagesClient{}
	client.setBatch([]provision.InboundMessage{msg("SM1", "code 654321")})

	sess := &session.Session{UserID: 7, ChatID: 70, Number: "+18255550101", Client: client}
	store.Put(sess)

	if err := svc.StartWatcher(sess); err != ErrNotRunning {
		t.Fatalf("StartWatcher before Start: err = %v, want ErrNotRunning", err)
	}

	svc.Start(context.Background())
	store.Lock(7)
	epochBefore := sess.Epoch
	if err := svc.StartWatcher(sess); err != nil {
		t.Fatalf("StartWatcher: %v", err)
	}
	if sess.Watcher == nil || sess.Watcher.Number != sess.Number {
		t.Fatalf("watcher handle not recorded: %+v", sess.Watcher)
	}
	if sess.Epoch == epochBefore {
		t.Fatal("Epoch not bumped on start")
	}
	store.Unlock(7)

	select {
	case ev := <-events:
		if ev.UserID != 7 || ev.Code != "654321" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no relay from running watcher")
	}

	// A newer message shows up; exactly one more relay.
	client.setBatch([]provision.InboundMessage{msg("SM2", "code 111-222"), msg("SM1", "code 654321")})
	select {
	case ev := <-events:
		if ev.Code != "111-222" {
			t.Fatalf("unexpected second event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no relay for newer message")
	}

	store.Lock(7)
	svc.StopWatcher(sess)
	if sess.Watcher != nil || sess.LastSeenSID != "" {
		t.Fatalf("watcher fields not cleared: watcher=%+v lastSeen=%q", sess.Watcher, sess.LastSeenSID)
	}
	store.Unlock(7)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// No further relays after stop.
	drainDeadline := time.After(30 * time.Millisecond)
	for {
		select {
		case <-events:
		case <-drainDeadline:
			return
		}
	}
}
