// Package metrics provides Prometheus metrics for the explorer engine and the node
// repository server.
package metrics

import (
	"bufio"
	"errors"
	"net"
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
			Name: "explorer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "explorer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Engine metrics
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "explorer_node_fetches_total",
			Help: "Total node info fetches issued by tree sync engines",
		},
		[]string{"status"},
	)

	fetchRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "explorer_node_fetch_retries_total",
			Help: "Node fetches discarded because a newer change notification arrived mid-flight",
		},
	)

	fetchRetryCapTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "explorer_node_fetch_retry_cap_total",
			Help: "Node fetches that gave up retrying after hitting the retry cap",
		},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "explorer_cache_evictions_total",
			Help: "Visualizers evicted from the cache by cascade removal",
		},
	)

	cachedVisualizers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "explorer_cached_visualizers",
			Help: "Number of visualizers held in the cache per view",
		},
		[]string{"view"},
	)

	decoratorFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "explorer_decorator_failures_total",
			Help: "Decorator invocations that failed and aborted the decoration chain",
		},
	)

	changeEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "explorer_change_events_dropped_total",
			Help: "Change events dropped because a subscriber was not keeping up",
		},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "explorer_notifications_total",
			Help: "nodeChanged notifications received, by routing scope",
		},
		[]string{"scope"},
	)

	openViews = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "explorer_open_views",
			Help: "Number of views open in the registry",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "explorer_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "explorer_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "explorer_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Repository metrics
	repositoryNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "explorer_repository_nodes",
			Help: "Number of nodes held by the repository",
		},
	)

	seedReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "explorer_seed_reloads_total",
			Help: "Seed file reloads triggered by the file watcher",
		},
		[]string{"status"},
	)

	collapsedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "explorer_nodes_collapsed_total",
			Help: "nodes/collapsed notifications received",
		},
	)

	// Push metrics
	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "explorer_event_subscribers",
			Help: "Number of change event subscribers (SSE streams, RPC and LSP connections)",
		},
	)

	rpcConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "explorer_rpc_connections_active",
			Help: "Number of active JSON-RPC connections",
		},
	)

	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "explorer_events_published_total",
			Help: "Total change events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	path = normalizePath(path)
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// normalizePath collapses numeric path segments so node ids don't explode label
// cardinality.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.Atoi(p); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// RecordFetch records a node info fetch.
func RecordFetch(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	fetchesTotal.WithLabelValues(status).Inc()
}

// RecordFetchRetry records a fetch discarded as stale.
func RecordFetchRetry() {
	fetchRetriesTotal.Inc()
}

// RecordFetchRetryCap records a fetch that hit the retry cap.
func RecordFetchRetryCap() {
	fetchRetryCapTotal.Inc()
}

// RecordEvictions records cascade-evicted visualizers.
func RecordEvictions(n int) {
	cacheEvictionsTotal.Add(float64(n))
}

// SetCachedVisualizers sets the cache size of one view.
func SetCachedVisualizers(view string, n int) {
	cachedVisualizers.WithLabelValues(view).Set(float64(n))
}

// DeleteCachedVisualizers drops the cache gauge of a closed view.
func DeleteCachedVisualizers(view string) {
	cachedVisualizers.DeleteLabelValues(view)
}

// RecordDecoratorFailure records an aborted decoration chain.
func RecordDecoratorFailure() {
	decoratorFailuresTotal.Inc()
}

// RecordChangeEventDropped records a change event a subscriber missed.
func RecordChangeEventDropped() {
	changeEventsDroppedTotal.Inc()
}

// RecordNotification records a routed nodeChanged notification.
func RecordNotification(scope string) {
	notificationsTotal.WithLabelValues(scope).Inc()
}

// SetOpenViews sets the number of open views.
func SetOpenViews(n int) {
	openViews.Set(float64(n))
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// SetRepositoryNodes sets the repository size.
func SetRepositoryNodes(n int) {
	repositoryNodes.Set(float64(n))
}

// RecordSeedReload records a seed reload attempt.
func RecordSeedReload(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	seedReloadsTotal.WithLabelValues(status).Inc()
}

// RecordCollapsed records a nodes/collapsed notification.
func RecordCollapsed() {
	collapsedTotal.Inc()
}

// SetEventSubscribers sets the number of change event subscribers.
func SetEventSubscribers(count int) {
	eventSubscribers.Set(float64(count))
}

// AddRPCConnections adjusts the number of active JSON-RPC connections.
func AddRPCConnections(delta int) {
	rpcConnectionsActive.Add(float64(delta))
}

// RecordEventPublished records a change event publication.
func RecordEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
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

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
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
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
