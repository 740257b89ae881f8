package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollcall_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rollcall_sessions_created_total",
			Help: "Sessions opened by instructors",
		},
	)

	TokenCollisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rollcall_token_collisions_total",
			Help: "Session token uniqueness violations reported by the store",
		},
	)

	SessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_sessions_closed_total",
			Help: "Sessions transitioned to inactive",
		},
		[]string{"trigger"}, // timer, sweep, manual
	)

	ArmedTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollcall_armed_timers",
			Help: "Auto-close timers currently armed in this process",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rollcall_sweep_duration_seconds",
			Help:    "Duration of auto-close sweep passes",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_submissions_total",
			Help: "Attendance submissions by outcome",
		},
		[]string{"outcome"}, // accepted, invalid, window_closed, duplicate, suspicious, error
	)

	LookupDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_lookup_degraded_total",
			Help: "Anti-proxy signals that were unavailable and skipped",
		},
		[]string{"source"}, // network, fingerprint, history
	)
)

// Middleware records request count and latency per route template.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// TrackSubmission increments the submission counter for outcome.
func TrackSubmission(outcome string) {
	Submissions.WithLabelValues(outcome).Inc()
}

// TrackDegraded records a skipped anti-proxy signal.
func TrackDegraded(source string) {
	LookupDegraded.WithLabelValues(source).Inc()
}

// TrackClosed adds n closures for trigger.
func TrackClosed(trigger string, n int) {
	if n > 0 {
		SessionsClosed.WithLabelValues(trigger).Add(float64(n))
	}
}
