// Package notify is the outbound delivery pipeline: a bounded queue drained
// by a small worker pool, rate-limited globally and retried per message with
// jittered exponential backoff. Producers never block; when the queue is full
// the message is dropped and counted.
package notify

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// Config tunes the pipeline. Zero values fall back to defaults.
type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec float64
	// RetryMax is the number of retries after the first attempt.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

type Service struct {
	adapter transport.Adapter
	log     logx.Logger

	cfgMu sync.RWMutex
	cfg   Config

	queue   chan transport.Notification
	limiter *rate.Limiter
	dropped uint64

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

func New(adapter transport.Adapter, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		adapter: adapter,
		cfg:     cfg,
		log:     log.With(logx.String("component", "notify")),
		queue:   make(chan transport.Notification, cfg.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burstFor(cfg.RatePerSec)),
	}
}

func burstFor(perSec float64) int {
	b := int(perSec / 5)
	if b < 1 {
		b = 1
	}
	return b
}

// Apply swaps rate and retry settings at runtime. Queue size and worker
// count are fixed at construction.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfgMu.Lock()
	s.cfg.RatePerSec = cfg.RatePerSec
	s.cfg.RetryMax = cfg.RetryMax
	s.cfg.RetryBase = cfg.RetryBase
	s.cfg.RetryMaxDelay = cfg.RetryMaxDelay
	s.cfgMu.Unlock()
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(burstFor(cfg.RatePerSec))
}

func (s *Service) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Start spins up the worker pool. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	workers := s.config().Workers
	for i := 0; i < workers; i++ {
		s.sup.Go0("notify.worker."+strconv.Itoa(i), s.worker)
	}
}

// Stop drains nothing: queued but undelivered messages are dropped, since
// relays are best-effort per delivery attempt.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Enqueue queues one notification without blocking. Returns false when the
// queue is full (the message is dropped and counted).
func (s *Service) Enqueue(n transport.Notification) bool {
	select {
	case s.queue <- n:
		return true
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.log.Warn("outbound queue full, dropping message",
			logx.Int64("chat_id", n.Target.ChatID))
		return false
	}
}

// Dropped reports how many notifications were rejected by a full queue.
func (s *Service) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.queue:
			s.deliver(ctx, n)
		}
	}
}

func (s *Service) deliver(ctx context.Context, n transport.Notification) {
	cfg := s.config()
	var lastErr error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		_, err := s.adapter.SendText(ctx, n.Target, n.Text, n.Options)
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		lastErr = err

		if attempt == cfg.RetryMax {
			break
		}
		wait := backoffDelay(cfg, attempt)
		if j := int64(wait) / 5; j > 0 {
			wait += time.Duration(rand.Int63n(j + 1))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	s.log.Error("delivery failed, giving up",
		logx.Int64("chat_id", n.Target.ChatID),
		logx.Int("attempts", cfg.RetryMax+1),
		logx.Err(lastErr))
}

// backoffDelay is the exponential wait before the next retry, capped at
// RetryMaxDelay. The shift is clamped so an oversized RetryMax cannot
// overflow the duration to zero.
func backoffDelay(cfg Config, attempt int) time.Duration {
	shift := uint(attempt)
	if shift > 16 {
		shift = 16
	}
	wait := cfg.RetryBase << shift
	if wait <= 0 || wait > cfg.RetryMaxDelay {
		wait = cfg.RetryMaxDelay
	}
	return wait
}
