package domain

import (
	"context"
	"time"
)

// AuthCode represents an OAuth 2.0 authorization code.
type AuthCode struct {
	Code        string    `bson:"code"         json:"code"`         // Unique authorization code
	ClientID    string    `bson:"client_id"    json:"client_id"`    // Client application ID
	UserID      string    `bson:"user_id"      json:"user_id"`      // User who authorized the request
	RedirectURI string    `bson:"redirect_uri" json:"redirect_uri"` // Client's callback URL, exact
	Scope       string    `bson:"scope"        json:"scope"`        // Authorized scopes
	State       string    `bson:"state,omitempty" json:"state,omitempty"`
	Nonce       string    `bson:"nonce,omitempty" json:"nonce,omitempty"`
	ExpiresAt   time.Time `bson:"expires_at"   json:"expires_at"`
	CreatedAt   time.Time `bson:"created_at"   json:"created_at"`
	Used        bool      `bson:"used"         json:"used"` // Whether code has been exchanged
	UsedAt      time.Time `bson:"used_at,omitempty"      json:"used_at,omitempty"`
	UsedFromIP  string    `bson:"used_from_ip,omitempty" json:"used_from_ip,omitempty"`

	CodeChallenge       string `bson:"code_challenge"        json:"code_challenge"`
	CodeChallengeMethod string `bson:"code_challenge_method" json:"code_challenge_method"`
}

// AuthCodeRepository defines storage for authorization codes. Consumption is
// a single conditional update so two racing exchanges resolve to exactly one
// winner.
type AuthCodeRepository interface {
	// SaveAuthCode stores a freshly issued code.
	SaveAuthCode(ctx context.Context, code *AuthCode) error

	// ConsumeAuthCode atomically locates the unused, unexpired code matching
	// clientID and redirectURI and marks it used in the same operation.
	// Returns ErrAuthCodeConsumed when no matching live code exists.
	ConsumeAuthCode(ctx context.Context, code, clientID, redirectURI, usedFromIP string) (*AuthCode, error)

	// VoidClientCodes marks every outstanding code for the client as used.
	// Called from the suspension cascade.
	VoidClientCodes(ctx context.Context, clientID string) (int64, error)

	// DeleteExpiredAuthCodes removes codes past their TTL.
	DeleteExpiredAuthCodes(ctx context.Context) error
}
