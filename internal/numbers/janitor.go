package numbers

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/session"
	"relaybot/pkg/logx"
)

const sweepTimeout = 2 * time.Minute

// Janitor periodically sweeps every live session's account for leaked
// leases: numbers still held remotely that are not the session's current
// one (a failed release leaves exactly this state behind).
type Janitor struct {
	svc  *Service
	cron *cron.Cron
	log  logx.Logger
}

// NewJanitor builds a janitor on a cron schedule (e.g. "@every 30m").
func NewJanitor(svc *Service, schedule string, log logx.Logger) (*Janitor, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	j := &Janitor{
		svc:  svc,
		cron: cron.New(),
		log:  log.With(logx.String("component", "janitor")),
	}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Janitor) Start() { j.cron.Start() }

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	released := j.svc.SweepLeaked(ctx)
	if released > 0 {
		j.log.Info("sweep released leaked leases", logx.Int("released", released))
	}
}

// SweepLeaked releases remotely held numbers that no live session owns.
// Returns how many were released.
func (s *Service) SweepLeaked(ctx context.Context) int {
	var sessions []*session.Session
	s.store.ForEach(func(sess *session.Session) {
		sessions = append(sessions, sess)
	})

	released := 0
	for _, sess := range sessions {
		if ctx.Err() != nil {
			break
		}
		released += s.sweepSession(ctx, sess)
	}
	return released
}

func (s *Service) sweepSession(ctx context.Context, sess *session.Session) int {
	userID := sess.UserID

	s.store.Lock(userID)
	cur := s.store.Peek(userID)
	if cur != sess || !cur.Authenticated() {
		s.store.Unlock(userID)
		return 0
	}
	client := cur.Client
	epoch := cur.Epoch
	s.store.Unlock(userID)

	leased, err := client.Leased(ctx)
	if err != nil {
		s.log.Warn("sweep: listing leases failed",
			logx.Int64("user_id", userID), logx.Err(err))
		return 0
	}

	released := 0
	for _, n := range leased {
		// Re-check under the lock before every release: an acquire may have
		// leased this very number since the listing.
		s.store.Lock(userID)
		cur := s.store.Peek(userID)
		stale := cur == sess && cur.Epoch == epoch && n.PhoneNumber != cur.Number
		s.store.Unlock(userID)
		if !stale {
			continue
		}
		if err := client.Release(ctx, n.PhoneNumber); err != nil {
			s.log.Warn("sweep: release failed",
				logx.Int64("user_id", userID),
				logx.String("number", n.PhoneNumber),
				logx.Err(err))
			continue
		}
		released++
		s.log.Info("sweep: released leaked lease",
			logx.Int64("user_id", userID),
			logx.String("number", n.PhoneNumber))
	}
	return released
}
