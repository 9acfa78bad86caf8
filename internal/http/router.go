// Package httpapi assembles the Gin engine of the registration API: the
// middleware chain, the public health and metrics endpoints, and the
// bearer-protected registration, outcome and chat routes.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-queue-registration/internal/config"
	"github.com/tbourn/go-queue-registration/internal/domain"
	"github.com/tbourn/go-queue-registration/internal/http/handlers"
	"github.com/tbourn/go-queue-registration/internal/http/middleware"
	"github.com/tbourn/go-queue-registration/internal/services"
)

const maxBodyBytes = 1 << 20

// gatewayFanout scales the per-IP budget: one chat gateway address relays
// many requesters, each limited separately once authenticated.
const gatewayFanout = 10

// KeyLookup finds a live idempotency record; repo.Keys satisfies it.
type KeyLookup interface {
	Get(ctx context.Context, scope, key string, now time.Time) (*domain.Idempotency, error)
}

// Deps are the application services behind the routes. Stats and Keys may
// be nil.
type Deps struct {
	Registrations handlers.RegistrationService
	Outcomes      handlers.OutcomeService
	Conversation  handlers.Conversation
	Stats         handlers.StatsSource
	Keys          KeyLookup
}

// RegisterRoutes installs middleware and routes on r.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. RedactingLogger
//  4. Recovery
//  5. body size limit and gzip
//  6. Metrics
//  7. IP rate limiter
//  8. CORS and security headers
//
// Secured routes then run BearerAuth, the idempotency validator and the
// per-requester limiter, in that order; replays bypass that limiter.
//
// Everything under the API base path except /status requires the bearer
// token; /health, /metrics and /swagger are public.
func RegisterRoutes(r *gin.Engine, cfg config.Config, deps Deps) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ipLimiter := middleware.NewRateLimiter(cfg.RateRPS*gatewayFanout, cfg.RateBurst*gatewayFanout, middleware.KeyByIP())
	r.Use(ipLimiter.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	h := handlers.New(deps.Registrations, deps.Outcomes, deps.Conversation, deps.Stats)

	r.GET("/health", h.Status)
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.GET("/status", h.Status)

	requesterLimiter := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByRequesterOrIP())
	secured := api.Group("",
		middleware.BearerAuth(cfg.APIToken),
		middleware.IdempotencyValidator(
			middleware.IdempotencyOptions{Scope: services.IdempotencyScope, MaxLen: 200},
			keyLookup(deps.Keys),
		),
		requesterLimiter.Handler(),
	)
	{
		secured.POST("/registrations", h.SubmitRegistration)
		secured.GET("/registrations", h.ListRegistrations)
		secured.GET("/registrations/:id", h.GetRegistration)
		secured.POST("/registrations/outcome", h.ReportOutcome)

		// Paths used by the existing chat gateway and automation worker.
		secured.POST("/queue-registration", h.SubmitRegistration)
		secured.POST("/update-result", h.ReportOutcome)

		secured.POST("/chat/turns", h.ChatTurn)
		secured.DELETE("/chat/conversations/:whatsapp_id", h.ResetConversation)
	}
}

func keyLookup(keys KeyLookup) middleware.IdempotencyLookup {
	if keys == nil {
		return nil
	}
	return func(ctx context.Context, scope, key string, now time.Time) (bool, error) {
		rec, err := keys.Get(ctx, scope, key, now)
		if err != nil {
			return false, err
		}
		return rec != nil, nil
	}
}

// corsMiddleware allows every origin when none are configured, else echoes
// allow-listed origins only.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey, middleware.HeaderRequesterID},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		base.AllowAllOrigins = true
		return []gin.HandlerFunc{
			// Set even without an Origin header so plain health checks see it too.
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = origins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody caps request bodies at maxBytes.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
