// Package metrics exposes Prometheus counters and histograms for the
// HTTP/WebSocket surface, replacing the teacher's
// github.com/Tesseract-Nexus/go-shared/middleware.InitGlobalMetrics
// (an internal module unavailable outside the Tesseract-Nexus fleet)
// with direct use of prometheus/client_golang, the library the rest of
// the example pack reaches for directly.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axonpulse",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests handled, by method/path/status.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "axonpulse",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// WSConnections tracks live WebSocket connections gauge.
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "axonpulse",
		Name:      "websocket_connections",
		Help:      "Currently admitted WebSocket connections on this node.",
	})

	// EventsPublished counts events appended to the Log, by organization.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axonpulse",
		Name:      "events_published_total",
		Help:      "Total events published through the gateway.",
	}, []string{"org"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, WSConnections, EventsPublished)
}

// Middleware records request count and latency for every HTTP route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}
