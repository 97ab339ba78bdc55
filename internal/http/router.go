// Package httpapi wires the HTTP transport (Gin) to the reconciliation queue,
// the record store, middleware, and route handlers. It centralizes
// cross-cutting concerns such as tracing, correlation IDs, logging/redaction,
// panic recovery, metrics, CORS, security headers, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Each role mounts only the surface it serves
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-directory-sync/internal/config"
	"github.com/tbourn/go-directory-sync/internal/http/handlers"
	"github.com/tbourn/go-directory-sync/internal/http/middleware"
	"github.com/tbourn/go-directory-sync/internal/syncauth"
)

// maxBodyBytes caps request bodies; user snapshots are small.
const maxBodyBytes = 1 << 20

// Deps are the services mounted by RegisterRoutes. A nil Queue omits the
// admin surface; a nil Records omits the ingest API.
type Deps struct {
	Queue   handlers.ReconcileQueue
	Records handlers.RecordService
	// Nonces lets the ingest API reject consumed nonces before decoding the
	// body. Optional.
	Nonces middleware.NonceLookup
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and Security headers
//
// Per group, authentication runs before the rate limiter so admin callers
// are keyed by principal; sync callers are keyed by IP before the
// signature is parsed.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	// Route on the escaped path so subject ids containing "/" reach
	// /sync/users/:id; params are still unescaped for handlers.
	r.UseRawPath = true
	r.UnescapePathValues = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit
	r.Use(limitBody(maxBodyBytes))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS posture and security headers
	r.Use(corsMiddleware(cfg.CORS)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
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
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "role": cfg.Role})
	})

	h := handlers.New(deps.Queue, deps.Records)
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByPrincipalOrIP())
	compress := gzip.Gzip(gzip.DefaultCompression)

	// Admin control surface
	if h.HasQueue() {
		admin := r.Group("/reconcile", middleware.AdminAuth(cfg.AdminToken), rl.Handler())
		{
			admin.GET("/status", compress, h.ReconcileStatus)
			admin.POST("/run", h.RunReconcile)
			admin.POST("/ensure", h.EnsureUser)
			admin.POST("/delete", h.DeleteUser)
		}
	}

	// Record store ingest API
	if h.HasRecords() {
		ingest := r.Group("/sync", rl.Handler(), middleware.SyncSignature(deps.Nonces))
		{
			ingest.PUT("/users/:id", h.PutUser)
			ingest.DELETE("/users/:id", h.DeleteRecord)
			ingest.GET("/users", compress, h.ListRecords)
		}
	}
}

// corsMiddleware returns the CORS chain. With no allowlist every origin is
// accepted without credentials; otherwise only listed origins are echoed.
func corsMiddleware(c config.CORSConfig) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept",
			middleware.HeaderAdminToken,
			syncauth.HeaderTimestamp, syncauth.HeaderNonce, syncauth.HeaderSignature,
		},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(c.AllowedOrigins) == 0 {
		base.AllowAllOrigins = true
		// Force ACAO: * even for requests without an Origin header.
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = c.AllowedOrigins
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

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
