// Package api exposes the attendance engine over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cctv-attendance/internal/attendance"
	"cctv-attendance/internal/auth"
	"cctv-attendance/internal/broadcast"
	"cctv-attendance/internal/coordinator"
	"cctv-attendance/internal/httpmiddleware"
	"cctv-attendance/internal/policy"
	"cctv-attendance/internal/queue"
	"cctv-attendance/internal/review"
)

// Coordinator is the part of coordinator.Coordinator the API drives.
type Coordinator interface {
	Decide(ctx context.Context, det attendance.Detection) (attendance.Outcome, error)
	DecideBatch(ctx context.Context, dets []attendance.Detection) coordinator.BatchResult
	ManuallyApprove(ctx context.Context, a coordinator.Approval) (attendance.Outcome, error)
	PendingReviews(ctx context.Context, limit int) ([]review.Item, error)
	AttendanceRateTrend(ctx context.Context, personID string) (coordinator.Insight, error)
}

// PolicyStore reads and swaps the active decision policy.
type PolicyStore interface {
	Policy() policy.Config
	SetPolicy(cfg policy.Config) error
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps wires the router. Queue, Hub, Limiter and Gatherer are optional.
type Deps struct {
	Coordinator Coordinator
	Policy      PolicyStore
	Queue       queue.Queue
	Hub         *broadcast.Hub
	Limiter     *httpmiddleware.SimpleTokenBucket
	Health      map[string]HealthCheck
	Gatherer    prometheus.Gatherer
	SigningKey  string
	Issuer      string
	Logger      *slog.Logger
	Now         func() time.Time
}

// MaxBatchSize caps detections accepted by one batch request.
const MaxBatchSize = 500

// Handler serves the attendance endpoints.
type Handler struct {
	coord  Coordinator
	policy PolicyStore
	queue  queue.Queue
	hub    *broadcast.Hub
	logger *slog.Logger
	now    func() time.Time
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(d Deps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	h := &Handler{
		coord:  d.Coordinator,
		policy: d.Policy,
		queue:  d.Queue,
		hub:    d.Hub,
		logger: logger.With("handler", "attendance"),
		now:    now,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", healthHandler(d.Health))

	v1 := r.Group("/v1", auth.Authenticate(d.SigningKey, d.Issuer))
	if d.Limiter != nil {
		v1.Use(d.Limiter.GinMiddleware())
	}

	camera := v1.Group("", auth.RequireRole(auth.RoleCamera))
	camera.POST("/detections", h.createDetection)
	camera.POST("/detections/batch", h.createBatch)

	reviewer := v1.Group("", auth.RequireRole(auth.RoleReviewer))
	reviewer.GET("/reviews", h.listReviews)
	reviewer.POST("/reviews/:detection_id/approve", h.approve)
	reviewer.GET("/persons/:person_id/trend", h.trend)
	reviewer.GET("/attendance/stream", h.stream)

	admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/policy", h.getPolicy)
	admin.PUT("/policy", h.putPolicy)

	return r
}

func healthHandler(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		status := http.StatusOK
		for name, check := range checks {
			ok := check(c.Request.Context())
			body[name] = ok
			if !ok {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}
		c.JSON(status, body)
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
