package domain

import (
	"context"
	"time"
)

// ConsentAction enumerates the events kept in a consent's audit history.
type ConsentAction string

const (
	ConsentActionGranted ConsentAction = "granted"
	ConsentActionUpdated ConsentAction = "updated"
	ConsentActionRevoked ConsentAction = "revoked"
)

// ConsentEvent is one append-only history entry with actor context.
type ConsentEvent struct {
	Action    ConsentAction `bson:"action"     json:"action"`
	Scopes    []string      `bson:"scopes"     json:"scopes"`
	At        time.Time     `bson:"at"         json:"at"`
	IP        string        `bson:"ip,omitempty"         json:"ip,omitempty"`
	UserAgent string        `bson:"user_agent,omitempty" json:"user_agent,omitempty"`
}

// UserConsent is the durable record of which scopes a user has granted a
// client. Unique per (user, client); never hard-deleted.
type UserConsent struct {
	UserID         string         `bson:"user_id"          json:"user_id"`
	ClientID       string         `bson:"client_id"        json:"client_id"`
	Scopes         []string       `bson:"scopes"           json:"scopes"`
	IsActive       bool           `bson:"is_active"        json:"is_active"`
	FirstGrantedAt time.Time      `bson:"first_granted_at" json:"first_granted_at"`
	LastUpdatedAt  time.Time      `bson:"last_updated_at"  json:"last_updated_at"`
	RevokedAt      time.Time      `bson:"revoked_at,omitempty" json:"revoked_at,omitempty"`
	History        []ConsentEvent `bson:"history"          json:"history"`
}

// Covers reports whether every requested scope is already granted.
func (c *UserConsent) Covers(scopes []string) bool {
	if !c.IsActive {
		return false
	}
	granted := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		granted[s] = struct{}{}
	}
	for _, s := range scopes {
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}

// ConsentRepository defines storage for per-(user, client) scope grants.
type ConsentRepository interface {
	// GetConsent retrieves the consent record for a (user, client) pair.
	// Returns ErrConsentNotFound when the user never interacted with the client.
	GetConsent(ctx context.Context, userID, clientID string) (*UserConsent, error)

	// UpsertConsent creates or replaces the granted scope set and appends the
	// event to the history.
	UpsertConsent(ctx context.Context, userID, clientID string, scopes []string, event ConsentEvent) error

	// RevokeConsent empties the granted set, flips is_active off and appends
	// a revoked event. The record itself is retained for audit.
	RevokeConsent(ctx context.Context, userID, clientID string, event ConsentEvent) error
}
