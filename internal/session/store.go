package session

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"relaybot/pkg/logx"
)

// Store keeps all live sessions keyed by user id, plus one mutex per user.
// Sessions idle longer than the configured TTL are evicted and handed to the
// evict hook for teardown; command traffic refreshes the TTL, watcher polls
// do not.
type Store struct {
	cache *ttlcache.Cache[int64, *Session]
	log   logx.Logger

	lockMu sync.Mutex
	locks  map[int64]*sync.Mutex

	evictMu sync.RWMutex
	onEvict func(*Session)
}

// NewStore builds a store with the given idle TTL. A non-positive TTL
// disables idle expiry.
func NewStore(idleTTL time.Duration, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := []ttlcache.Option[int64, *Session]{}
	if idleTTL > 0 {
		opts = append(opts, ttlcache.WithTTL[int64, *Session](idleTTL))
	}
	s := &Store{
		cache: ttlcache.New[int64, *Session](opts...),
		log:   log.With(logx.String("component", "session.store")),
		locks: make(map[int64]*sync.Mutex),
	}
	s.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[int64, *Session]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		s.log.Info("session expired",
			logx.Int64("user_id", item.Key()),
			logx.Time("expired_at", item.ExpiresAt()))
		s.evictMu.RLock()
		hook := s.onEvict
		s.evictMu.RUnlock()
		if hook != nil {
			// The cache fires this callback from its expiry loop; teardown
			// touches remote state, so it runs off that goroutine.
			go hook(item.Value())
		}
	})
	return s
}

// OnEvict registers the teardown hook invoked for idle-expired sessions. The
// hook runs on its own goroutine and must not call back into the cache.
func (s *Store) OnEvict(fn func(*Session)) {
	s.evictMu.Lock()
	s.onEvict = fn
	s.evictMu.Unlock()
}

// Start runs the expiry loop until ctx is cancelled.
func (s *Store) Start(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.cache.Start()
	}()
	<-ctx.Done()
	s.cache.Stop()
	<-done
}

// Lock acquires the per-user mutex. All session mutation happens under it.
func (s *Store) Lock(userID int64) {
	s.userMutex(userID).Lock()
}

// Unlock releases the per-user mutex.
func (s *Store) Unlock(userID int64) {
	s.userMutex(userID).Unlock()
}

func (s *Store) userMutex(userID int64) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[userID]
	if !ok {
		// Mutexes are kept for the process lifetime; the set is bounded by
		// the number of distinct users seen.
		mu = &sync.Mutex{}
		s.locks[userID] = mu
	}
	return mu
}

// Get returns the session for userID, or nil. The read counts as activity
// and refreshes the idle TTL.
func (s *Store) Get(userID int64) *Session {
	item := s.cache.Get(userID)
	if item == nil {
		return nil
	}
	return item.Value()
}

// Peek is Get without refreshing the idle TTL. Watcher polls use it so that
// background traffic alone never keeps a session alive.
func (s *Store) Peek(userID int64) *Session {
	item := s.cache.Get(userID, ttlcache.WithDisableTouchOnHit[int64, *Session]())
	if item == nil {
		return nil
	}
	return item.Value()
}

// Put stores (or replaces) the session for userID.
func (s *Store) Put(sess *Session) {
	s.cache.Set(sess.UserID, sess, ttlcache.DefaultTTL)
}

// Remove drops the session for userID. The evict hook does not fire for
// explicit removals; the caller owns teardown in that path.
func (s *Store) Remove(userID int64) {
	s.cache.Delete(userID)
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	return s.cache.Len()
}

// ForEach calls fn for a snapshot of all live sessions, without touching
// TTLs. Callers that mutate a session must take its user lock themselves.
func (s *Store) ForEach(fn func(*Session)) {
	for _, item := range s.cache.Items() {
		fn(item.Value())
	}
}
