// Package watch runs the per-session background pollers. Each authenticated
// session with a leased number owns exactly one watcher goroutine that
// periodically fetches the newest inbound messages, dedups them against the
// session, and hands new ones to the relay sink.
package watch

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"relaybot/internal/provision"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/session"
	"relaybot/pkg/logx"
)

// Sink receives deduplicated inbound messages for delivery.
type Sink interface {
	Relay(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Relay(ctx context.Context, ev Event) { f(ctx, ev) }

// Config tunes the poll cadence. Zero values fall back to defaults.
type Config struct {
	// Interval is the base delay between polls.
	Interval time.Duration
	// Jitter is the upper bound of the random extra delay added to each
	// cycle so a fleet of watchers doesn't align its polls. The draw is
	// floored at 500ms when Jitter allows it.
	Jitter time.Duration
	// FetchLimit caps messages fetched per poll.
	FetchLimit int
	// FetchTimeout bounds a single remote fetch.
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 12 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Interval >= time.Second && c.Jitter == 0 {
		c.Jitter = 2 * time.Second
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 1
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	return c
}

// ErrNotRunning is returned by StartWatcher before Start (or after Stop).
var ErrNotRunning = errors.New("watch service not running")

// Service owns all watcher goroutines under one supervisor.
type Service struct {
	store *session.Store
	sink  Sink
	log   logx.Logger

	cfgMu sync.RWMutex
	cfg   Config

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

func New(store *session.Store, sink Sink, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		sink:  sink,
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("component", "watch")),
	}
}

// Apply swaps the poll cadence at runtime. Running watchers pick the new
// values up on their next cycle.
func (s *Service) Apply(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg.withDefaults()
	s.cfgMu.Unlock()
}

func (s *Service) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Start makes the service accept watchers. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
}

// Stop cancels every watcher and waits for them, bounded by ctx.
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

func (s *Service) supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// StartWatcher launches the poll loop for sess.Number and records the handle
// on the session. The caller holds the user lock, sess.Number is set, and any
// previous watcher has already been stopped.
func (s *Service) StartWatcher(sess *session.Session) error {
	sup := s.supervisor()
	if sup == nil {
		return ErrNotRunning
	}
	ctx, cancel := context.WithCancel(sup.Context())
	sess.Watcher = &session.WatcherHandle{Number: sess.Number, Cancel: cancel}
	sess.LastSeenSID = ""
	sess.Epoch++

	userID, number, client := sess.UserID, sess.Number, sess.Client
	sup.Go0("watch.user."+strconv.FormatInt(userID, 10), func(context.Context) {
		s.run(ctx, userID, number, client)
	})
	return nil
}

// StopWatcher cancels the session's watcher and clears the watcher fields.
// No-op when none is running. The caller holds the user lock.
func (s *Service) StopWatcher(sess *session.Session) {
	if sess == nil || sess.Watcher == nil {
		return
	}
	sess.Watcher.Cancel()
	sess.Watcher = nil
	sess.LastSeenSID = ""
	sess.Epoch++
}

// run is one watcher's loop: fetch, dedup, relay, jittered sleep, repeat.
// Fetch errors are logged and the loop keeps going; only cancellation ends it.
func (s *Service) run(ctx context.Context, userID int64, number string, client provision.Client) {
	log := s.log.With(logx.Int64("user_id", userID), logx.String("number", number))
	log.Info("watcher started")
	defer log.Info("watcher stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		cfg := s.config()
		fctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
		batch, err := client.Messages(fctx, number, cfg.FetchLimit, time.Time{})
		cancel()

		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			log.Warn("message fetch failed", logx.Err(err))
		default:
			if ev, ok := s.Consider(userID, number, batch); ok {
				s.sink.Relay(ctx, ev)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollDelay(cfg)):
		}
	}
}

// jitterFloor is the minimum random extra delay per cycle when the
// configured jitter leaves room for it.
const jitterFloor = 500 * time.Millisecond

// pollDelay is the wait before the next cycle: the base interval plus a
// jitter drawn from [jitterFloor, Jitter). Jitters at or below the floor
// (sub-second test cadences) draw uniformly from [0, Jitter) instead.
func pollDelay(cfg Config) time.Duration {
	wait := cfg.Interval
	switch {
	case cfg.Jitter > jitterFloor:
		wait += jitterFloor + time.Duration(rand.Int63n(int64(cfg.Jitter-jitterFloor)))
	case cfg.Jitter > 0:
		wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
	}
	return wait
}
