// Package cache holds the access-token revocation denylist. Access tokens
// are stateless JWTs and cannot be individually invalidated before expiry;
// the denylist closes that gap for tokens revoked alongside their refresh
// token. Entries only need to live until the token's natural expiry.
package cache

import (
	"context"
	"time"
)

//go:generate go run go.uber.org/mock/mockgen@latest -source=$GOFILE -destination=mocks/mock_$GOFILE -package=mock_cache
type RevocationStore interface {
	// Revoke denylists a token id (jti) until the given time.
	Revoke(ctx context.Context, jti string, until time.Time) error

	// IsRevoked reports whether the token id is on the denylist.
	IsRevoked(ctx context.Context, jti string) (bool, error)
}
