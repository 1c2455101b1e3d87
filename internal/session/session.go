// Package session holds the in-memory, per-user authenticated state: the
// provisioning credentials, the currently owned phone number, and the handle
// of the watcher polling that number. All state is volatile; nothing survives
// a process restart.
package session

import (
	"context"

	"relaybot/internal/provision"
)

// WatcherHandle is a non-owning reference to the one running watcher for a
// session. The watcher service manages its lifecycle; the session keeps it
// only for lookup and cancellation.
type WatcherHandle struct {
	// Number is the endpoint the watcher was bound to at start time.
	Number string
	Cancel context.CancelFunc
}

// Session is the fixed-shape record for one authenticated user.
//
// Invariants (all guarded by the store's per-user lock):
//   - Number is "" iff Watcher is nil, except for the transient instant
//     inside a replace transaction.
//   - LastSeenSID refers to the current Number only; it is reset whenever
//     Number changes.
type Session struct {
	UserID int64
	// ChatID is where relayed messages and confirmations are sent.
	ChatID int64

	Creds  provision.Credentials
	Client provision.Client

	// Number is the currently owned endpoint ("" = none). A session never
	// holds two live leases at once.
	Number string

	Watcher     *WatcherHandle
	LastSeenSID string

	// Epoch increments on every endpoint/watcher mutation. Commands that
	// drop the user lock around remote calls re-check it before committing
	// (check-act-recheck).
	Epoch uint64
}

// Authenticated reports whether the session carries usable credentials.
func (s *Session) Authenticated() bool {
	return s != nil && s.Client != nil
}
