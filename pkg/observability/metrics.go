package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Authentication metrics
	AuthRequestsTotal    *prometheus.CounterVec
	TokenExchangesTotal  *prometheus.CounterVec
	TokenExchangeDuration prometheus.Histogram
	InternalTokenCacheHits   prometheus.Counter
	InternalTokenCacheMisses prometheus.Counter

	// Webhook metrics
	WebhookDeliveriesTotal  *prometheus.CounterVec
	WebhookDeliveryDuration *prometheus.HistogramVec
	WebhookPayloadSize      *prometheus.HistogramVec
	WebhookQueueDepth       prometheus.Gauge

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Business metrics
	TokensActive        prometheus.Gauge
	SubscriptionsActive prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		AuthRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_auth_requests_total",
				Help: "Total number of authenticated requests by credential kind and outcome",
			},
			[]string{"credential", "outcome"},
		),
		TokenExchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_token_exchanges_total",
				Help: "Total number of delegated token exchanges with the authority",
			},
			[]string{"status"},
		),
		TokenExchangeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "forge_token_exchange_duration_seconds",
				Help:    "Delegated token exchange duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		InternalTokenCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forge_internal_token_cache_hits_total",
				Help: "Total number of internal token cache hits",
			},
		),
		InternalTokenCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "forge_internal_token_cache_misses_total",
				Help: "Total number of internal token cache misses",
			},
		),

		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts",
			},
			[]string{"resource", "event", "status"},
		),
		WebhookDeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_webhook_delivery_duration_seconds",
				Help:    "Webhook delivery duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"resource"},
		),
		WebhookPayloadSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_webhook_payload_size_bytes",
				Help:    "Webhook payload size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 4, 9),
			},
			[]string{"resource"},
		),
		WebhookQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_webhook_queue_depth",
				Help: "Number of webhook deliveries waiting in the queue",
			},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		TokensActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_tokens_active",
				Help: "Number of unexpired access tokens",
			},
		),
		SubscriptionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_webhook_subscriptions_active",
				Help: "Number of webhook subscriptions",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.AuthRequestsTotal,
		m.TokenExchangesTotal,
		m.TokenExchangeDuration,
		m.InternalTokenCacheHits,
		m.InternalTokenCacheMisses,
		m.WebhookDeliveriesTotal,
		m.WebhookDeliveryDuration,
		m.WebhookPayloadSize,
		m.WebhookQueueDepth,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.TokensActive,
		m.SubscriptionsActive,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// ObserveDBStats copies connection pool stats into the database gauges
func (m *Metrics) ObserveDBStats(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
