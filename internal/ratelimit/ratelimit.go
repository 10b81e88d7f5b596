// Package ratelimit provides per-client token-bucket rate limiting for the
// protocol endpoints. Buckets are keyed by caller identity (client id when
// authenticated, remote IP otherwise) and expire after an idle period.
package ratelimit

import (
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const idleEviction = 30 * time.Minute

// Limiter tracks one token bucket per identifier. Idle buckets are evicted
// automatically so the map cannot grow without bound.
type Limiter struct {
	buckets *ttlcache.Cache[string, *rate.Limiter]
	rps     rate.Limit
	burst   int
}

// NewLimiter creates a Limiter allowing rps sustained requests per second per
// identifier, with a burst of twice the rate (minimum 1).
func NewLimiter(rps float64) *Limiter {
	burst := int(rps * 2)
	if burst < 1 {
		burst = 1
	}

	buckets := ttlcache.New(
		ttlcache.WithTTL[string, *rate.Limiter](idleEviction),
	)
	go buckets.Start()

	return &Limiter{
		buckets: buckets,
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// Allow reports whether a request from the identifier may proceed now.
func (l *Limiter) Allow(identifier string) bool {
	item := l.buckets.Get(identifier)
	if item == nil {
		item = l.buckets.Set(identifier, rate.NewLimiter(l.rps, l.burst), ttlcache.DefaultTTL)
	}
	return item.Value().Allow()
}

// Close stops the eviction goroutine.
func (l *Limiter) Close() {
	l.buckets.Stop()
}

// Middleware rejects over-limit requests with 429. The identifier is the
// client_id form value when present, the remote IP otherwise.
func (l *Limiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identifier := c.FormValue("client_id")
			if identifier == "" {
				identifier = c.RealIP()
			}
			if !l.Allow(identifier) {
				log.Warn().Str("identifier", identifier).Str("path", c.Path()).Msg("rate limit exceeded")
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"error":             "slow_down",
					"error_description": "too many requests",
				})
			}
			return next(c)
		}
	}
}
