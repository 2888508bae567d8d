// Package httpapi wires the worker's ops HTTP server: Prometheus metrics and
// the webhook queue inspection endpoints.
//
// Middleware order:
//  1. OpenTelemetry tracing
//  2. RequestID
//  3. Logger (access log, request-scoped logger)
//  4. Recovery
//  5. Metrics
//  6. gzip
package httpapi

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-booking-core/internal/config"
	"github.com/tbourn/go-booking-core/internal/http/handlers"
	"github.com/tbourn/go-booking-core/internal/http/middleware"
)

// RegisterRoutes attaches middleware and the ops endpoints to r.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.Metrics())
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	q := handlers.NewQueueHandler(db)
	queue := r.Group("/queue")
	{
		queue.GET("/stats", q.Stats)
		queue.GET("/jobs", q.ListJobs)
		queue.GET("/jobs/:id", q.GetJob)
		queue.POST("/jobs/:id/requeue", q.Requeue)
	}
}

// NewServer returns the ops http.Server listening on cfg.OpsPort.
func NewServer(db *gorm.DB, cfg config.Config) *http.Server {
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	RegisterRoutes(r, db, cfg)
	return &http.Server{
		Addr:              ":" + cfg.OpsPort,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}
