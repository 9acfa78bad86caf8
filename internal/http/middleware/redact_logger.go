// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides RedactingLogger, the access log of the API. It masks
// NIKs, phone numbers, e-mail addresses and UUIDs in query strings, header
// values and unmatched paths, and blanks sensitive headers outright.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxQueryLogLength = 2048

// Applied in order: ids and NIKs first so the looser phone pattern never
// eats part of them.
var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`), "[REDACTED:id]"},
	{regexp.MustCompile(`\b\d{16}\b`), "[REDACTED:nik]"},
	{regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`), "[REDACTED:email]"},
	{regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`), "[REDACTED:phone]"},
}

// Redact scrubs ids, NIKs, emails and phone numbers (WhatsApp ids included).
func Redact(s string) string {
	for _, r := range redactions {
		if s == "" {
			break
		}
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// RedactOptions lists extra headers to mask on top of Authorization,
// Cookie and Set-Cookie.
type RedactOptions struct {
	MaskHeaders []string
}

// RedactingLogger writes one access log line per request with the query
// and headers scrubbed by Redact; bodies are never logged. It also stores a
// request-scoped logger for LoggerFrom. Level follows the status: error for
// 5xx, warn for 4xx, info otherwise.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	masked := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = Redact(c.Request.URL.Path)
		}
		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := masked[strings.ToLower(k)]; ok {
				headers[k] = "[REDACTED]"
				continue
			}
			headers[k] = Redact(strings.Join(vv, ", "))
		}

		l := log.With().
			Str("request_id", requestIDOf(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger()
		c.Set(loggerKey, &l)

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= 500 || len(c.Errors) > 0:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		default:
			ev = l.Info()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.
			Str("query", truncate(Redact(c.Request.URL.RawQuery), maxQueryLogLength)).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}

// requestIDOf prefers the id set by RequestID, then the response and request
// headers.
func requestIDOf(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if s := asString(v); s != "" {
			return s
		}
	}
	if rid := c.Writer.Header().Get(requestIDHeader); rid != "" {
		return rid
	}
	return c.GetHeader(requestIDHeader)
}
