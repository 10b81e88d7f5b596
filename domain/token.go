package domain

import (
	"context"
	"time"
)

// RefreshToken is a rotatable, stateful credential. Only the SHA-256 hash of
// the opaque token value is ever stored. Tokens descended from one original
// grant share a FamilyID; within a family at most one token is live (neither
// revoked nor superseded) at any time.
//
//nolint:tagliatelle
type RefreshToken struct {
	TokenHash     string    `bson:"token_hash"      json:"token_hash"`
	FamilyID      string    `bson:"family_id"       json:"family_id"`
	ClientID      string    `bson:"client_id"       json:"client_id"`
	UserID        string    `bson:"user_id"         json:"user_id"`
	Scope         string    `bson:"scope"           json:"scope"`
	AccessTokenID string    `bson:"access_token_id,omitempty" json:"access_token_id,omitempty"` // jti issued in the same exchange
	Generation    int       `bson:"generation"      json:"generation"`
	IsRevoked     bool      `bson:"is_revoked"      json:"is_revoked"`
	Superseded    bool      `bson:"superseded"      json:"superseded"` // rotated out but kept for reuse detection
	ExpiresAt     time.Time `bson:"expires_at"      json:"expires_at"`
	CreatedAt     time.Time `bson:"created_at"      json:"created_at"`
	RotatedAt     time.Time `bson:"rotated_at,omitempty" json:"rotated_at,omitempty"`
}

// Live reports whether the token is still the current generation of its family.
func (t *RefreshToken) Live(now time.Time) bool {
	return !t.IsRevoked && !t.Superseded && now.Before(t.ExpiresAt)
}

// TokenFamily summarizes one refresh-token lineage for eviction decisions.
type TokenFamily struct {
	FamilyID  string    `bson:"_id"        json:"family_id"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// RefreshTokenRepository defines storage for refresh tokens. Supersede is a
// conditional update: the transition from live to superseded must happen
// exactly once per token even under concurrent rotation attempts.
type RefreshTokenRepository interface {
	// StoreRefreshToken persists a new token (new family or next generation).
	StoreRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken looks a token up by the hash of its presented value.
	// Returns ErrRefreshTokenNotFound when no record exists.
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// SupersedeRefreshToken marks the token rotated iff it is currently live.
	// Returns ErrRefreshTokenRotated when the token was already superseded or
	// revoked, which callers treat as a reuse signal.
	SupersedeRefreshToken(ctx context.Context, tokenHash string) error

	// RevokeRefreshToken marks a single token revoked.
	RevokeRefreshToken(ctx context.Context, tokenHash string) error

	// RevokeFamily revokes every token sharing the family id and reports how
	// many records were touched.
	RevokeFamily(ctx context.Context, familyID string) (int64, error)

	// RevokeClientTokens revokes every token belonging to the client.
	// Called from the suspension cascade.
	RevokeClientTokens(ctx context.Context, clientID string) (int64, error)

	// ListLiveFamilies returns the live families for a (client, user) pair,
	// oldest first, for max-family eviction.
	ListLiveFamilies(ctx context.Context, clientID, userID string) ([]TokenFamily, error)

	// DeleteExpiredTokens removes tokens past their TTL.
	DeleteExpiredTokens(ctx context.Context) error
}
