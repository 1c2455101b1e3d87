package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []transport.Notification
	failures int // fail this many sends before succeeding
	sentCh   chan struct{}
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return transport.MessageRef{}, errors.New("flaky")
	}
	f.sent = append(f.sent, transport.Notification{Target: to, Text: text, Options: opt})
	if f.sentCh != nil {
		f.sentCh <- struct{}{}
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestDeliverySucceeds(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{sentCh: make(chan struct{}, 8)}
	svc := New(ad, Config{Workers: 1, RatePerSec: 1000}, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	if !svc.Enqueue(transport.Notification{Target: transport.ChatTarget{ChatID: 5}, Text: "hi"}) {
		t.Fatal("Enqueue rejected")
	}
	select {
	case <-ad.sentCh:
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
	if ad.sentCount() != 1 {
		t.Fatalf("sent = %d", ad.sentCount())
	}
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: 2, sentCh: make(chan struct{}, 8)}
	svc := New(ad, Config{
		Workers:    1,
		RatePerSec: 1000,
		RetryMax:   3,
		RetryBase:  time.Millisecond,
	}, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	svc.Enqueue(transport.Notification{Target: transport.ChatTarget{ChatID: 5}, Text: "hi"})
	select {
	case <-ad.sentCh:
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered after retries")
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{
		RetryBase:     500 * time.Millisecond,
		RetryMaxDelay: 10 * time.Second,
	}.withDefaults()

	if got := backoffDelay(cfg, 0); got != 500*time.Millisecond {
		t.Fatalf("attempt 0: %v", got)
	}
	if got := backoffDelay(cfg, 2); got != 2*time.Second {
		t.Fatalf("attempt 2: %v", got)
	}
	if got := backoffDelay(cfg, 6); got != cfg.RetryMaxDelay {
		t.Fatalf("attempt 6: %v", got)
	}
	// Oversized retry counts must hit the cap, not wrap the shift to zero.
	for _, attempt := range []int{34, 64, 1 << 20} {
		if got := backoffDelay(cfg, attempt); got != cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: %v, want cap %v", attempt, got, cfg.RetryMaxDelay)
		}
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc := New(ad, Config{Workers: 1, QueueSize: 1}, logx.Nop())
	// Not started: nothing drains the queue.

	if !svc.Enqueue(transport.Notification{Text: "a"}) {
		t.Fatal("first enqueue rejected")
	}
	if svc.Enqueue(transport.Notification{Text: "b"}) {
		t.Fatal("second enqueue accepted on a full queue")
	}
	if svc.Dropped() != 1 {
		t.Fatalf("Dropped = %d", svc.Dropped())
	}
}
