// Package metrics provides Prometheus metrics for the livesync server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livesync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Session and room metrics
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_sessions_active",
			Help: "Number of connected websocket sessions",
		},
	)

	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_messages_total",
			Help: "Inbound protocol messages by type and result",
		},
		[]string{"type", "result"},
	)

	broadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_broadcasts_total",
			Help: "Outbound room broadcasts by event type",
		},
		[]string{"event"},
	)

	sendsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_sends_dropped_total",
			Help: "Outbound messages dropped for slow or gone sessions",
		},
	)

	// Edit cache metrics
	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_cache_entries",
			Help: "Number of files held in the edit cache",
		},
	)

	cacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_cache_evictions_total",
			Help: "Edit cache entries evicted by the janitor",
		},
	)

	debounceFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_debounce_fired_total",
			Help: "Debounced persistence actions that fired",
		},
	)

	lockBusy = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesync_lock_busy_total",
			Help: "Save attempts rejected because the file lock was held",
		},
	)

	// Persistence metrics
	persistTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_persist_total",
			Help: "Persistence attempts by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	persistDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livesync_persist_duration_seconds",
			Help:    "Time spent writing a file to durable storage and the metadata repository",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livesync_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesync_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Storage backend metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livesync_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesync_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetSessionsActive sets the number of connected sessions.
func SetSessionsActive(count int) {
	sessionsActive.Set(float64(count))
}

// RecordMessage records an inbound protocol message.
func RecordMessage(msgType string, success bool) {
	messagesTotal.WithLabelValues(msgType, result(success)).Inc()
}

// RecordBroadcast records a room broadcast.
func RecordBroadcast(event string) {
	broadcastsTotal.WithLabelValues(event).Inc()
}

// RecordSendDropped records an outbound message that could not be queued.
func RecordSendDropped() {
	sendsDropped.Inc()
}

// SetCacheEntries sets the current edit cache size.
func SetCacheEntries(count int) {
	cacheEntries.Set(float64(count))
}

// RecordCacheEvictions records janitor evictions.
func RecordCacheEvictions(n int) {
	cacheEvictions.Add(float64(n))
}

// RecordDebounceFired records a debounced action firing.
func RecordDebounceFired() {
	debounceFired.Inc()
}

// RecordLockBusy records a rejected lock acquisition.
func RecordLockBusy() {
	lockBusy.Inc()
}

// RecordPersist records a persistence attempt. outcome is one of
// "success", "partial" or "error".
func RecordPersist(trigger, outcome string, duration time.Duration) {
	persistTotal.WithLabelValues(trigger, outcome).Inc()
	persistDuration.Observe(duration.Seconds())
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordStorageOperation records a storage backend operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	storageOperationsTotal.WithLabelValues(backend, operation, result(success)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. It must
// wrap an http.ServeMux directly: requests are labelled with the route
// pattern the mux matched, so path parameters do not create new series.
// Websocket upgrades pass through untouched so the connection can be hijacked.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, routeLabel(r), rw.statusCode, time.Since(start))
	})
}

// routeLabel returns the matched pattern without its method, e.g.
// "/api/v1/documents/{title}". Unmatched requests share one label.
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}
