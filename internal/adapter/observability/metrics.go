package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
	)
	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "Number of jobs currently held by a worker loop",
		},
	)
	JobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_terminal_total",
			Help: "Total number of jobs reaching a terminal stage",
		},
		[]string{"outcome"},
	)
	JobsStaleTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_stale_total",
			Help: "Total number of jobs failed by the heartbeat watchdog",
		},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_events_published_total",
			Help: "Total number of events published to job channels",
		},
		[]string{"type"},
	)
	ChunksPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_chunks_published_total",
			Help: "Total number of chunk events published",
		},
	)

	SSEStreamsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_streams_open",
			Help: "Number of SSE streams currently open",
		},
	)

	BotRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bot_request_duration_seconds",
			Help:    "Bot service message-create duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)
	BotRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_requests_total",
			Help: "Total number of bot service requests by outcome",
		},
		[]string{"outcome"},
	)
)

var initOnce sync.Once

// InitMetrics registers all collectors. Safe to call from both processes.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(JobsEnqueuedTotal)
		prometheus.MustRegister(JobsInFlight)
		prometheus.MustRegister(JobsTerminalTotal)
		prometheus.MustRegister(JobsStaleTotal)
		prometheus.MustRegister(EventsPublishedTotal)
		prometheus.MustRegister(ChunksPublishedTotal)
		prometheus.MustRegister(SSEStreamsOpen)
		prometheus.MustRegister(BotRequestDuration)
		prometheus.MustRegister(BotRequestsTotal)
	})
}

// EnqueueJob records a successful enqueue.
func EnqueueJob() { JobsEnqueuedTotal.Inc() }

// StartJob marks a job as picked up by a worker loop.
func StartJob() { JobsInFlight.Inc() }

// FinishJob records the terminal outcome (completed, failed, interrupted).
func FinishJob(outcome string) {
	JobsInFlight.Dec()
	JobsTerminalTotal.WithLabelValues(outcome).Inc()
}

// StaleJob records a watchdog-failed job.
func StaleJob() {
	JobsStaleTotal.Inc()
	JobsTerminalTotal.WithLabelValues("failed").Inc()
}

// PublishEvent records an event publish by kind.
func PublishEvent(kind string) {
	EventsPublishedTotal.WithLabelValues(kind).Inc()
	if kind == "chunk" {
		ChunksPublishedTotal.Inc()
	}
}

// SSEStreamOpened tracks a new open SSE response.
func SSEStreamOpened() { SSEStreamsOpen.Inc() }

// SSEStreamClosed marks an SSE response as finished.
func SSEStreamClosed() { SSEStreamsOpen.Dec() }

// ObserveBotRequest records a bot service call.
func ObserveBotRequest(d time.Duration, err error) {
	BotRequestDuration.Observe(d.Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BotRequestsTotal.WithLabelValues(outcome).Inc()
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
