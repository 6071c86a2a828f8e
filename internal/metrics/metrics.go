// Package metrics provides Prometheus metrics for the object storage service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectstore_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objectstore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "objectstore_content_bytes_downloaded_total",
			Help: "Total bytes served from the content endpoint",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "objectstore_content_bytes_uploaded_total",
			Help: "Total bytes written through the storage service",
		},
	)

	// Provider metrics
	providerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objectstore_provider_operation_duration_seconds",
			Help:    "Provider operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	providerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectstore_provider_operations_total",
			Help: "Total provider operations",
		},
		[]string{"provider", "operation", "status"},
	)

	providerRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectstore_provider_retries_total",
			Help: "Provider calls retried after a transient failure",
		},
		[]string{"provider", "operation"},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectstore_cache_lookups_total",
			Help: "Metadata cache lookups",
		},
		[]string{"kind", "result"},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "objectstore_cache_evictions_total",
			Help: "Cache entries invalidated by writes and deletes",
		},
	)

	// Chunked upload metrics
	chunksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectstore_upload_chunks_total",
			Help: "Upload chunks received",
		},
		[]string{"result"},
	)

	assembliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectstore_upload_assemblies_total",
			Help: "Chunked upload assemblies",
		},
		[]string{"result"},
	)

	assemblyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "objectstore_upload_assembly_duration_seconds",
			Help:    "Time to assemble a chunked upload",
			Buckets: prometheus.DefBuckets,
		},
	)

	uploadSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "objectstore_upload_sessions_active",
			Help: "Number of chunked upload sessions in memory",
		},
	)

	sessionsSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "objectstore_upload_sessions_swept_total",
			Help: "Idle upload sessions abandoned by the sweeper",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "objectstore_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectstore_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordContentDownload records bytes served to a client.
func RecordContentDownload(bytes int64) {
	contentBytesDownloaded.Add(float64(bytes))
}

// RecordContentUpload records bytes written to the primary provider.
func RecordContentUpload(bytes int64) {
	contentBytesUploaded.Add(float64(bytes))
}

// RecordProviderOperation records one driver call.
func RecordProviderOperation(provider, operation string, duration time.Duration, success bool) {
	providerOperationDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
	providerOperationsTotal.WithLabelValues(provider, operation, status(success)).Inc()
}

// RecordProviderRetry records a retried driver call.
func RecordProviderRetry(provider, operation string) {
	providerRetriesTotal.WithLabelValues(provider, operation).Inc()
}

// RecordCacheLookup records a cache hit or miss. kind is "meta" or "body".
func RecordCacheLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(kind, result).Inc()
}

// RecordCacheEviction records an invalidation.
func RecordCacheEviction() {
	cacheEvictionsTotal.Inc()
}

// RecordChunk records a received chunk. result is accepted, duplicate, conflict or error.
func RecordChunk(result string) {
	chunksReceivedTotal.WithLabelValues(result).Inc()
}

// RecordAssembly records an assembly attempt.
func RecordAssembly(duration time.Duration, success bool) {
	assembliesTotal.WithLabelValues(status(success)).Inc()
	assemblyDuration.Observe(duration.Seconds())
}

// SetUploadSessionsActive sets the number of live upload sessions.
func SetUploadSessionsActive(count int) {
	uploadSessionsActive.Set(float64(count))
}

// RecordSessionsSwept records sessions abandoned by one sweep.
func RecordSessionsSwept(count int) {
	sessionsSweptTotal.Add(float64(count))
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, rw.statusCode, time.Since(start))
	})
}
