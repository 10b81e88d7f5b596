// Package oidcflow holds the short-lived state of authorization requests
// that are waiting on an explicit user action (login replay or consent
// approval) before a code can be issued.
package oidcflow

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrPendingNotFound = errors.New("pending authorization not found or expired")
	ErrWrongUser       = errors.New("pending authorization belongs to another user")
)

// PendingAuthorization is one suspended authorization request. It carries
// everything needed to issue the code once the user approves.
type PendingAuthorization struct {
	RequestID           string
	UserID              string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
}

// PendingStore keeps pending authorizations in memory with a TTL. Entries
// vanish on expiry or on first claim.
type PendingStore struct {
	cache *ttlcache.Cache[string, *PendingAuthorization]
}

// NewPendingStore creates a store whose entries live for ttl.
func NewPendingStore(ttl time.Duration) *PendingStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *PendingAuthorization](ttl),
		ttlcache.WithDisableTouchOnHit[string, *PendingAuthorization](),
	)
	go cache.Start()

	return &PendingStore{cache: cache}
}

// Put stores the pending request and returns its generated id.
func (s *PendingStore) Put(pending *PendingAuthorization) string {
	pending.RequestID = uuid.NewString()
	pending.CreatedAt = time.Now().UTC()
	s.cache.Set(pending.RequestID, pending, ttlcache.DefaultTTL)
	return pending.RequestID
}

// Claim removes and returns the pending request, verifying it belongs to the
// acting user. A request can be claimed at most once.
func (s *PendingStore) Claim(requestID, userID string) (*PendingAuthorization, error) {
	item := s.cache.Get(requestID)
	if item == nil {
		return nil, ErrPendingNotFound
	}
	pending := item.Value()
	if pending.UserID != userID {
		return nil, ErrWrongUser
	}
	s.cache.Delete(requestID)
	return pending, nil
}

// Close stops the expiry goroutine.
func (s *PendingStore) Close() {
	s.cache.Stop()
}
