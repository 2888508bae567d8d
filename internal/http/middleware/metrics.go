package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Labels: method, route (c.FullPath, or "unmatched" when no route matched so
// scanners cannot blow up cardinality) and status code.
var (
	opsReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ops_http_requests_total",
			Help: "Requests served by the ops HTTP server.",
		},
		[]string{"method", "route", "status"},
	)

	opsLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ops_http_request_duration_seconds",
			Help:    "Duration of ops HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	opsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ops_http_requests_inflight",
			Help: "Ops HTTP requests currently being served.",
		},
	)
)

func init() {
	prometheus.MustRegister(opsReqs, opsLat, opsInflight)
}

// Metrics instruments requests with Prometheus.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		opsInflight.Inc()
		defer opsInflight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		opsReqs.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		opsLat.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
