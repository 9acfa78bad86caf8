// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements Idempotency-Key support for registration submits.
// IdempotencyValidator checks the header on POST requests, consults an
// optional IdempotencyLookup, and stashes the results in the Gin context:
//   - GetIdempotencyKey returns the normalized key
//   - IsReplay reports that the key already produced a registration
//   - replays are flagged so the per-requester rate limiter lets them through
//
// The validator is mounted behind BearerAuth, so lookups only ever run for
// the authenticated gateway.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the client's key for safe retries of a POST.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the key validated by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the key was already used within its TTL.
func IsReplay(c *gin.Context) bool {
	b, _ := c.Get(ctxKeyIdemReplay)
	replay, _ := b.(bool)
	return replay
}

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// Scope namespaces keys; it is passed to the lookup unchanged.
	Scope string
	// MaxLen caps the key length; <= 0 means 200.
	MaxLen int
	// Pattern restricts key characters; nil means ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
}

// IdempotencyLookup reports whether a live record exists for (scope, key).
// Errors are treated as a miss.
type IdempotencyLookup func(ctx context.Context, scope, key string, now time.Time) (bool, error)

// IdempotencyValidator checks the Idempotency-Key header of POST requests.
// A malformed key is rejected with 400. A key already on record marks the
// request as a replay, which also exempts it from rate limiting. Serving
// the stored result is left to the handler.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			if exists, err := lookup(c.Request.Context(), opts.Scope, key, time.Now().UTC()); err == nil && exists {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}
