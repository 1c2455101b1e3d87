// Package provision wraps the remote number-provisioning service: credential
// checks, searching and leasing phone numbers, and listing inbound messages
// for a leased number. Clients are stateless per call and safe for concurrent
// use; all state lives in the session layer.
package provision

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrUnavailable is returned by Lease when the remote side rejects the
	// number as no longer purchasable.
	ErrUnavailable = errors.New("number not available")
	// ErrAuth is returned by Verify when the credentials are rejected.
	ErrAuth = errors.New("authentication failed")
)

// Credentials is the opaque handle a user supplies to talk to the
// provisioning service on their own account.
type Credentials struct {
	SID   string
	Token string
}

var credRe = regexp.MustCompile(`^(AC[a-zA-Z0-9]{32})\s+([a-zA-Z0-9]{32,})$`)

// ParseCredentials parses a "AC<sid> <token>" message into Credentials.
// The boolean is false when the text does not look like a credential pair.
func ParseCredentials(text string) (Credentials, bool) {
	m := credRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return Credentials{}, false
	}
	return Credentials{SID: m[1], Token: m[2]}, true
}

// Number describes one phone number, available or leased.
type Number struct {
	// SID is the remote resource id. Set for leased numbers, empty for
	// search results.
	SID          string
	PhoneNumber  string
	FriendlyName string
}

// InboundMessage is one SMS received by a leased number, newest-first in
// batches returned by Messages.
type InboundMessage struct {
	SID    string
	From   string
	To     string
	Body   string
	SentAt time.Time
}

// Client is the request/response surface against the provisioning service.
// Implementations hold no session state; every call stands alone.
type Client interface {
	// Verify checks the credentials by fetching the remote account.
	Verify(ctx context.Context) error
	// Search lists purchasable numbers for an area code (best effort order).
	Search(ctx context.Context, areaCode string, limit int) ([]Number, error)
	// Lease buys a number. Returns ErrUnavailable when the remote side
	// rejects it as taken.
	Lease(ctx context.Context, number string) error
	// Release drops the lease on a number. Callers treat failures as
	// best-effort: log and move on.
	Release(ctx context.Context, number string) error
	// Leased lists the numbers currently held by the account.
	Leased(ctx context.Context) ([]Number, error)
	// Messages returns up to limit inbound messages for a leased number,
	// newest first. A zero since means no lower time bound.
	Messages(ctx context.Context, to string, limit int, since time.Time) ([]InboundMessage, error)
}

// Factory builds a Client bound to one user's credentials.
type Factory func(Credentials) Client

// APIError is a structured remote rejection (non-2xx with a decoded body).
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provisioning api: %s (code=%d http=%d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("provisioning api: http=%d", e.Status)
}
