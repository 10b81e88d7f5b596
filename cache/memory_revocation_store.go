package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryRevocationStore implements RevocationStore using ttlcache. Suitable
// for single-process deployments; use the redis implementation when more
// than one instance serves the same issuer.
type MemoryRevocationStore struct {
	cache *ttlcache.Cache[string, struct{}]
}

// NewMemoryRevocationStore creates a new in-memory denylist with automatic
// expiry of entries.
func NewMemoryRevocationStore() *MemoryRevocationStore {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go cache.Start()

	return &MemoryRevocationStore{cache: cache}
}

// Revoke implements RevocationStore.Revoke.
func (s *MemoryRevocationStore) Revoke(_ context.Context, jti string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		// already past natural expiry, nothing to deny
		return nil
	}
	s.cache.Set(jti, struct{}{}, ttl)
	return nil
}

// IsRevoked implements RevocationStore.IsRevoked.
func (s *MemoryRevocationStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	return s.cache.Has(jti), nil
}

// Close stops the expiry goroutine.
func (s *MemoryRevocationStore) Close() error {
	s.cache.Stop()
	return nil
}
