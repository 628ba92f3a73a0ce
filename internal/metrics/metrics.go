package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationGet records cache reads.
	CacheOperationGet CacheOperation = "get"
	// CacheOperationSet records cache writes.
	CacheOperationSet CacheOperation = "set"
	// CacheOperationDelete records single-key removals.
	CacheOperationDelete CacheOperation = "delete"
	// CacheOperationInvalidate records pattern invalidations and clears.
	CacheOperationInvalidate CacheOperation = "invalidate"
)

// RejectionReason classifies why the admission gate turned a request away.
type RejectionReason string

const (
	// RejectionUnauthorized indicates a missing or unknown credential.
	RejectionUnauthorized RejectionReason = "unauthorized"
	// RejectionRateLimited indicates the sliding window was exhausted.
	RejectionRateLimited RejectionReason = "rate_limited"
)

// Recorder publishes Prometheus metrics for bridge activity. A nil Recorder is
// a valid no-op so callers never need to guard their observation calls.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	admissionRejections *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec

	schedulerQueued   prometheus.Gauge
	schedulerRunning  prometheus.Gauge
	schedulerCapacity prometheus.Gauge

	eventsReceived    *prometheus.CounterVec
	streamConnected   prometheus.Gauge
	reconnectAttempts prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habridge",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests served by the bridge.",
	}, []string{"route", "method", "status_code"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "habridge",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed bridge requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route"})

	admissionRejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habridge",
		Subsystem: "admission",
		Name:      "rejections_total",
		Help:      "Requests rejected before reaching the upstream scheduler.",
	}, []string{"reason"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habridge",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Named-cache operations executed by handlers and the event stream.",
	}, []string{"cache", "operation", "result"})

	schedulerQueued := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "habridge",
		Subsystem: "scheduler",
		Name:      "queued_tasks",
		Help:      "Work units waiting for an execution slot.",
	})
	schedulerRunning := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "habridge",
		Subsystem: "scheduler",
		Name:      "running_tasks",
		Help:      "Work units currently executing.",
	})
	schedulerCapacity := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "habridge",
		Subsystem: "scheduler",
		Name:      "capacity",
		Help:      "Configured concurrent execution slots.",
	})

	eventsReceived := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "habridge",
		Subsystem: "stream",
		Name:      "events_total",
		Help:      "Upstream events received over the websocket, by event type.",
	}, []string{"event_type"})

	streamConnected := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "habridge",
		Subsystem: "stream",
		Name:      "connected",
		Help:      "Whether the upstream event stream is authenticated (1) or down (0).",
	})

	reconnectAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "habridge",
		Subsystem: "stream",
		Name:      "reconnect_attempts_total",
		Help:      "Reconnection attempts made against the upstream event stream.",
	})

	reg.MustRegister(
		httpRequests, httpLatency, admissionRejections, cacheOperations,
		schedulerQueued, schedulerRunning, schedulerCapacity,
		eventsReceived, streamConnected, reconnectAttempts,
	)

	return &Recorder{
		gatherer:            reg,
		handler:             promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		httpRequests:        httpRequests,
		httpLatency:         httpLatency,
		admissionRejections: admissionRejections,
		cacheOperations:     cacheOperations,
		schedulerQueued:     schedulerQueued,
		schedulerRunning:    schedulerRunning,
		schedulerCapacity:   schedulerCapacity,
		eventsReceived:      eventsReceived,
		streamConnected:     streamConnected,
		reconnectAttempts:   reconnectAttempts,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency for a completed request.
func (r *Recorder) ObserveRequest(route, method string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.httpRequests.WithLabelValues(normalizeLabel(route), normalizeLabel(method), statusLabel).Inc()
	r.httpLatency.WithLabelValues(normalizeLabel(route)).Observe(duration.Seconds())
}

// ObserveRejection records an admission gate rejection.
func (r *Recorder) ObserveRejection(reason RejectionReason) {
	if r == nil {
		return
	}
	r.admissionRejections.WithLabelValues(normalizeLabel(string(reason))).Inc()
}

// ObserveCache records one named-cache operation.
func (r *Recorder) ObserveCache(cache string, operation CacheOperation, result string) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(cache), normalizeLabel(string(operation)), normalizeLabel(result)).Inc()
}

// SetSchedulerStats publishes the scheduler's queue depth, running count and capacity.
func (r *Recorder) SetSchedulerStats(queued, running, capacity int) {
	if r == nil {
		return
	}
	r.schedulerQueued.Set(float64(queued))
	r.schedulerRunning.Set(float64(running))
	r.schedulerCapacity.Set(float64(capacity))
}

// ObserveEvent records one upstream event received over the websocket.
func (r *Recorder) ObserveEvent(eventType string) {
	if r == nil {
		return
	}
	r.eventsReceived.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// SetStreamConnected flips the connectivity gauge for the event stream.
func (r *Recorder) SetStreamConnected(connected bool) {
	if r == nil {
		return
	}
	if connected {
		r.streamConnected.Set(1)
		return
	}
	r.streamConnected.Set(0)
}

// ObserveReconnectAttempt counts one reconnection attempt.
func (r *Recorder) ObserveReconnectAttempt() {
	if r == nil {
		return
	}
	r.reconnectAttempts.Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
