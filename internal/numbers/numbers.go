// Package numbers implements the account lifecycle: logging users in against
// the provisioning service, leasing and replacing their one phone number,
// and tearing everything down on logout or idle expiry.
//
// Every session mutation happens under the store's per-user lock. Remote
// calls are made outside the lock; transactions that resume afterwards
// re-check the session epoch before committing, and back out (releasing any
// fresh lease) when someone else mutated the session in between.
package numbers

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"relaybot/internal/provision"
	"relaybot/internal/session"
	"relaybot/internal/watch"
	"relaybot/pkg/logx"
)

var (
	// ErrNotAuthenticated is returned when the user has no session.
	ErrNotAuthenticated = errors.New("not logged in")
	// ErrNoNumber is returned when an operation needs an owned number.
	ErrNoNumber = errors.New("no active number")
	// ErrConflict is returned when a concurrent command changed the session
	// mid-transaction. The caller simply retries.
	ErrConflict = errors.New("session changed concurrently, try again")
	// ErrNoneAvailable is returned when a search turns up nothing leasable.
	ErrNoneAvailable = errors.New("no numbers available")
)

const releaseTimeout = 15 * time.Second

// Service drives the session/number lifecycle.
type Service struct {
	store   *session.Store
	watch   *watch.Service
	factory provision.Factory
	log     logx.Logger

	searchLimit int
}

func New(store *session.Store, watchSvc *watch.Service, factory provision.Factory, searchLimit int, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if searchLimit <= 0 {
		searchLimit = 30
	}
	return &Service{
		store:       store,
		watch:       watchSvc,
		factory:     factory,
		searchLimit: searchLimit,
		log:         log.With(logx.String("component", "numbers")),
	}
}

// Login verifies the credentials and installs a fresh session. Any previous
// session for the user is torn down first, releasing its number.
func (s *Service) Login(ctx context.Context, userID, chatID int64, creds provision.Credentials) error {
	client := s.factory(creds)
	if err := client.Verify(ctx); err != nil {
		return err
	}
	s.teardown(ctx, userID)

	s.store.Lock(userID)
	s.store.Put(&session.Session{
		UserID: userID,
		ChatID: chatID,
		Creds:  creds,
		Client: client,
	})
	s.store.Unlock(userID)

	s.log.Info("user logged in", logx.Int64("user_id", userID))
	return nil
}

// Logout tears the session down and reports the number that was released
// ("" when none was owned). ErrNotAuthenticated when no session exists.
func (s *Service) Logout(ctx context.Context, userID int64) (string, error) {
	s.store.Lock(userID)
	sess := s.store.Get(userID)
	s.store.Unlock(userID)
	if sess == nil {
		return "", ErrNotAuthenticated
	}
	released := s.teardown(ctx, userID)
	s.log.Info("user logged out", logx.Int64("user_id", userID))
	return released, nil
}

// teardown stops the watcher, removes the session and best-effort releases
// the owned number. Returns the number that was owned.
func (s *Service) teardown(ctx context.Context, userID int64) string {
	s.store.Lock(userID)
	sess := s.store.Get(userID)
	if sess == nil {
		s.store.Unlock(userID)
		return ""
	}
	s.watch.StopWatcher(sess)
	number, client := sess.Number, sess.Client
	sess.Number = ""
	s.store.Remove(userID)
	s.store.Unlock(userID)

	if number != "" && client != nil {
		s.release(ctx, client, number)
	}
	return number
}

// ExpireSession is the idle-eviction hook: the store already dropped the
// session, so only the watcher and the remote lease remain to clean up.
func (s *Service) ExpireSession(sess *session.Session) {
	s.store.Lock(sess.UserID)
	s.watch.StopWatcher(sess)
	number, client := sess.Number, sess.Client
	sess.Number = ""
	s.store.Unlock(sess.UserID)

	if number != "" && client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		s.release(ctx, client, number)
	}
	s.log.Info("idle session torn down",
		logx.Int64("user_id", sess.UserID),
		logx.String("number", number))
}

func (s *Service) release(ctx context.Context, client provision.Client, number string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := client.Release(rctx, number); err != nil {
		// Leaked leases are picked up later by the janitor sweep.
		s.log.Warn("release failed", logx.String("number", number), logx.Err(err))
	}
}

// Current returns the user's owned number ("" when none).
func (s *Service) Current(userID int64) (string, error) {
	s.store.Lock(userID)
	defer s.store.Unlock(userID)
	sess := s.store.Get(userID)
	if !sess.Authenticated() {
		return "", ErrNotAuthenticated
	}
	return sess.Number, nil
}

// Search lists leasable numbers for an area code on the user's account.
func (s *Service) Search(ctx context.Context, userID int64, areaCode string) ([]provision.Number, error) {
	s.store.Lock(userID)
	sess := s.store.Get(userID)
	if !sess.Authenticated() {
		s.store.Unlock(userID)
		return nil, ErrNotAuthenticated
	}
	client := sess.Client
	s.store.Unlock(userID)

	return client.Search(ctx, areaCode, s.searchLimit)
}

// Acquire leases number for the user, replacing any currently owned one.
//
// Order of operations: stop the old watcher, release the old number, lease
// the new one, then commit and start the new watcher. A lease failure
// therefore leaves the user with no number at all, which the caller reports.
func (s *Service) Acquire(ctx context.Context, userID int64, number string) error {
	s.store.Lock(userID)
	sess := s.store.Get(userID)
	if !sess.Authenticated() {
		s.store.Unlock(userID)
		return ErrNotAuthenticated
	}
	s.watch.StopWatcher(sess)
	oldNumber := sess.Number
	sess.Number = ""
	client := sess.Client
	epoch := sess.Epoch
	s.store.Unlock(userID)

	if oldNumber != "" {
		s.release(ctx, client, oldNumber)
	}

	if err := client.Lease(ctx, number); err != nil {
		return err
	}

	s.store.Lock(userID)
	cur := s.store.Get(userID)
	if cur != sess || cur.Epoch != epoch {
		s.store.Unlock(userID)
		// Someone logged out / re-acquired while we held the fresh lease.
		s.release(ctx, client, number)
		return ErrConflict
	}
	cur.Number = number
	err := s.watch.StartWatcher(cur)
	s.store.Unlock(userID)
	if err != nil {
		s.release(ctx, client, number)
		return err
	}

	s.log.Info("number acquired",
		logx.Int64("user_id", userID),
		logx.String("number", number),
		logx.String("replaced", oldNumber))
	return nil
}

// AcquireFromAreaCode searches the area code and leases the first candidate
// that is still available.
func (s *Service) AcquireFromAreaCode(ctx context.Context, userID int64, areaCode string) (string, error) {
	candidates, err := s.Search(ctx, userID, areaCode)
	if err != nil {
		return "", err
	}
	for _, c := range candidates {
		err = s.Acquire(ctx, userID, c.PhoneNumber)
		if err == nil {
			return c.PhoneNumber, nil
		}
		if errors.Is(err, provision.ErrUnavailable) {
			continue
		}
		return "", err
	}
	return "", ErrNoneAvailable
}

// Area codes tried by AcquireRandom.
var randomAreaCodes = []string{
	"204", "226", "236", "249", "250", "289", "306", "343", "365", "403",
	"416", "418", "431", "437", "438", "450", "506", "514", "519", "548",
	"579", "581", "587", "604", "613", "639", "647", "705", "709", "778",
	"780", "782", "807", "819", "825", "867", "873", "902", "905",
}

const randomAttempts = 3

// AcquireRandom picks random area codes until a lease sticks.
func (s *Service) AcquireRandom(ctx context.Context, userID int64) (string, error) {
	var lastErr error = ErrNoneAvailable
	for i := 0; i < randomAttempts; i++ {
		code := randomAreaCodes[rand.Intn(len(randomAreaCodes))]
		number, err := s.AcquireFromAreaCode(ctx, userID, code)
		if err == nil {
			return number, nil
		}
		if !errors.Is(err, ErrNoneAvailable) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// latestWindow bounds how far back an on-demand fetch looks. Older traffic
// was either already relayed by the watcher or is stale enough to ignore.
const latestWindow = time.Hour

// LatestMessage fetches the newest inbound message of the past hour for the
// user's number, without touching the watcher's dedup state. ok is false
// when nothing arrived in that window.
func (s *Service) LatestMessage(ctx context.Context, userID int64) (msg provision.InboundMessage, ok bool, err error) {
	s.store.Lock(userID)
	sess := s.store.Get(userID)
	if !sess.Authenticated() {
		s.store.Unlock(userID)
		return provision.InboundMessage{}, false, ErrNotAuthenticated
	}
	if sess.Number == "" {
		s.store.Unlock(userID)
		return provision.InboundMessage{}, false, ErrNoNumber
	}
	number, client := sess.Number, sess.Client
	s.store.Unlock(userID)

	msgs, err := client.Messages(ctx, number, 1, time.Now().Add(-latestWindow))
	if err != nil {
		return provision.InboundMessage{}, false, err
	}
	if len(msgs) == 0 {
		return provision.InboundMessage{}, false, nil
	}
	return msgs[0], true, nil
}
