// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, caller identity, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Turn streams leave the server unbuffered: no gzip, no body rewriting
//   - All dependencies injected
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "github.com/tbourn/deepdive-relay/docs"
	"github.com/tbourn/deepdive-relay/internal/config"
	"github.com/tbourn/deepdive-relay/internal/domain"
	"github.com/tbourn/deepdive-relay/internal/http/handlers"
	"github.com/tbourn/deepdive-relay/internal/http/middleware"
	"github.com/tbourn/deepdive-relay/internal/services"
)

// Deps are the application services mounted by RegisterRoutes.
type Deps struct {
	Conversations *services.ConversationService
	Ledger        *services.LedgerService
	Identity      *services.IdentityService
	Companies     *services.CompanyService
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), CORS and security
// headers, health and metrics endpoints, and then mounts the versioned
// public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access log with credential and PII redaction
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and security headers
//
// and on the API group:
//  8. Rate limiter per client IP, ahead of identity because resolving a new
//     guest token writes a session row
//  9. Identity (401 without a session or guest token)
//  10. Idempotency validator (needs the identity; before the rate limiter to
//     allow bypass on replay)
//  11. Rate limiter (per identity, IP fallback)
//
// CORS preflight requests are answered on dedicated OPTIONS routes outside
// the API group, so they never need credentials and never fall through to
// the 405 handler.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.Logger(middleware.RedactOptions{
		MaskHeaders: []string{middleware.HeaderIdempotencyKey},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS posture and security headers
	r.Use(corsMiddleware(cfg.CORS)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(deps.Conversations, deps.Ledger, deps.Identity, deps.Companies)
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIdentityOrIP())

	// Public API. Everything below is private to the caller.
	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(middleware.SecurityHeaders(middleware.SecurityOptions{NoStore: true}))
	if cfg.IPRateRPS > 0 {
		api.Use(middleware.NewRateLimiter(cfg.IPRateRPS, cfg.IPRateBurst, middleware.KeyByIP()).Handler())
	}
	api.Use(
		middleware.Identity(deps.Identity),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, chargedLookup(deps.Ledger)),
		rl.Handler(),
	)
	// JSON reads may be compressed; turn streams never are.
	gz := gzip.Gzip(gzip.DefaultCompression)
	{
		// Conversations
		api.POST("/deep-dives/:subjectId/turns", h.SubmitDeepDiveTurn)
		api.POST("/reviews/:subjectId/turns", h.SubmitReviewTurn)
		api.GET("/deep-dives/:subjectId", gz, h.GetDeepDive)
		api.GET("/reviews/:subjectId", gz, h.GetReview)

		// Billing
		api.GET("/balance", gz, h.GetBalance)
		api.GET("/balance/entries", gz, h.ListEntries)

		// Companies
		api.POST("/companies/lookup", h.LookupCompany)

		// Guests
		api.POST("/guest/migrate", h.MigrateGuest)
	}

	registerPreflight(r, api.BasePath())
}

// registerPreflight adds an OPTIONS route for every path under prefix. The
// global CORS handler answers the preflight before the 204 fallback runs.
func registerPreflight(r *gin.Engine, prefix string) {
	noContent := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	seen := make(map[string]struct{})
	for _, ri := range r.Routes() {
		if ri.Method == http.MethodOptions || !strings.HasPrefix(ri.Path, prefix) {
			continue
		}
		if _, dup := seen[ri.Path]; dup {
			continue
		}
		seen[ri.Path] = struct{}{}
		r.OPTIONS(ri.Path, noContent)
	}
}

// chargedLookup reports whether an account was already charged for an
// Idempotency-Key. Guests are never charged, so they never replay.
func chargedLookup(ledger *services.LedgerService) middleware.IdempotencyLookup {
	return func(ctx context.Context, id domain.Identity, key string) (bool, error) {
		if ledger == nil || !id.IsAccount() {
			return false, nil
		}
		return ledger.Charged(ctx, id.AccountID, domain.ReasonCompanyLookup+":"+key)
	}
}

// corsMiddleware returns the CORS handlers for cc: allow-all when no origin
// is configured, otherwise an allowlist echoed back to the browser.
func corsMiddleware(cc config.CORSConfig) []gin.HandlerFunc {
	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		middleware.HeaderGuestToken, middleware.HeaderIdempotencyKey,
	}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "Retry-After", "ETag"}

	if len(cc.AllowedOrigins) == 0 {
		return []gin.HandlerFunc{
			// Force ACAO: * even for requests without an Origin header.
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins:  true,
				AllowMethods:     []string{"GET", "POST", "OPTIONS"},
				AllowHeaders:     allowHeaders,
				ExposeHeaders:    exposeHeaders,
				AllowCredentials: false, // must remain false with AllowAllOrigins
				MaxAge:           12 * time.Hour,
			}),
		}
	}

	allowed := make(map[string]struct{}, len(cc.AllowedOrigins))
	for _, o := range cc.AllowedOrigins {
		allowed[o] = struct{}{}
	}
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
		cors.New(cors.Config{
			AllowOrigins:     cc.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}),
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
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
