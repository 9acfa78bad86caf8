// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements a process-local token-bucket rate limiter keyed by a
// KeyFunc. The router runs an IP-keyed instance for all traffic and a
// requester-keyed one behind BearerAuth. Rejections answer 429 with
// Retry-After.
package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// HeaderRequesterID lets the chat gateway name the end user it relays for,
// so one gateway address does not share a single bucket across all users.
const HeaderRequesterID = "X-Requester-ID"

const (
	visitorTTL   = 10 * time.Minute
	gcEveryCalls = 5000
)

// KeyFunc maps a request to its rate-limit bucket.
type KeyFunc func(*gin.Context) string

// KeyByIP keys on the client IP only. Use it ahead of authentication, where
// client-supplied requester ids cannot be trusted.
func KeyByIP() KeyFunc {
	return func(c *gin.Context) string { return "ip:" + c.ClientIP() }
}

// KeyByRequesterOrIP keys on the requester chat id when one is visible
// (X-Requester-ID header, whatsapp_id path param or query), else the client IP.
// Install it behind BearerAuth so only the authenticated gateway picks buckets.
func KeyByRequesterOrIP() KeyFunc {
	return func(c *gin.Context) string {
		for _, v := range []string{
			c.GetHeader(HeaderRequesterID),
			c.Param("whatsapp_id"),
			c.Query("whatsapp_id"),
		} {
			if v = strings.TrimSpace(v); v != "" {
				return "wa:" + v
			}
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a process-local token bucket per key. Idle buckets are
// dropped after visitorTTL, checked every gcEveryCalls lookups.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc
	now   func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
	calls    uint64
}

// NewRateLimiter returns a limiter refilling rps tokens per second up to
// burst (coerced to at least 1).
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Sweep before touching key so a stale bucket for key is replaced too.
	rl.calls++
	if rl.calls >= gcEveryCalls {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= visitorTTL {
				delete(rl.visitors, k)
			}
		}
		rl.calls = 0
	}

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// IsRateBypass reports whether IdempotencyValidator exempted the request.
func IsRateBypass(c *gin.Context) bool {
	v, _ := c.Get(ctxKeyRateBypass)
	b, _ := v.(bool)
	return b
}

// Handler rejects requests over the limit with 429 and Retry-After: 1.
// Idempotent replays are never limited.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) || rl.limiter(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
