package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ---- Outbox ----

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_published_total",
		Help: "Outbox events delivered to the bus.",
	}, []string{"event_type"})

	OutboxRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_retried_total",
		Help: "Failed delivery attempts scheduled for retry.",
	}, []string{"event_type"})

	OutboxFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_failed_total",
		Help: "Outbox events that exhausted their retry budget.",
	}, []string{"event_type"})

	OutboxPublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_publish_duration_seconds",
		Help:    "Duration of a single publish to the bus.",
		Buckets: prometheus.DefBuckets,
	})

	OutboxClaimed = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_claimed_batch_size",
		Help:    "Entries claimed per polling cycle.",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
	})

	OutboxArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_archived_total",
		Help: "Delivered outbox entries archived and purged by the janitor.",
	})

	// ---- Inbound ----

	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbound_messages_total",
		Help: "Messages received from other services.",
	}, []string{"type", "result"})

	// ---- HTTP ----

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method", "status"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"path", "method", "status"})
)

// GinMiddleware records RED metrics
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Route pattern (e.g. /auctions/:id) instead of raw path
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpDuration.WithLabelValues(path, c.Request.Method, status).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(path, c.Request.Method, status).Inc()
	}
}
