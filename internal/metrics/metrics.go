package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for liveflow
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionOpens   *prometheus.CounterVec
	ConnectionRetries *prometheus.CounterVec
	ConnectionState   *prometheus.GaugeVec
	EventsReceived    *prometheus.CounterVec
	ParseFailures     prometheus.Counter
	DispatchDuration  prometheus.Histogram
	SubscribersActive prometheus.Gauge

	// Invalidation metrics
	InvalidationsScheduled *prometheus.CounterVec
	InvalidationsCoalesced *prometheus.CounterVec
	InvalidationsFired     *prometheus.CounterVec
	AggregatorPending      prometheus.Gauge
	AggregatorBatchSize    prometheus.Histogram

	// Query cache metrics
	CacheOperations    *prometheus.CounterVec
	CacheFetchDuration prometheus.Histogram
	CacheEntries       prometheus.Gauge

	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// Dev stream server metrics
	StreamServerClients   *prometheus.GaugeVec
	StreamServerPublished *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// Connection metrics
	m.ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "liveflow_connections_active",
			Help: "Number of live upstream stream connections held by the registry",
		},
	)

	m.ConnectionOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveflow_connection_opens_total",
			Help: "Total number of upstream stream open attempts",
		},
		[]string{"transport", "result"}, // sse|websocket, ok|error
	)

	m.ConnectionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveflow_connection_retries_total",
			Help: "Total number of reconnect decisions taken by the backoff controller",
		},
		[]string{"outcome"}, // scheduled, exhausted, manual
	)

	m.ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "liveflow_connection_state",
			Help: "Number of connections currently in each lifecycle state",
		},
		[]string{"state"},
	)

	m.EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveflow_events_received_total",
			Help: "Total number of change events received from upstream",
		},
		[]string{"kind", "significant"},
	)

	m.ParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "liveflow_event_parse_failures_total",
			Help: "Total number of event payloads delivered as opaque data",
		},
	)

	m.DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "liveflow_dispatch_duration_seconds",
			Help:    "Time spent fanning one event out to every subscriber of a connection",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15), // from 10us to ~160ms
		},
	)

	m.SubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "liveflow_subscribers_active",
			Help: "Number of logical subscribers registered across all connections",
		},
	)

	// Invalidation metrics
	m.InvalidationsScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveflow_invalidations_scheduled_total",
			Help: "Total number of invalidations scheduled",
		},
		[]string{"scheduler"}, // debounce, aggregate
	)

	m.InvalidationsCoalesced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveflow_invalidations_coalesced_total",
			Help: "Total number of schedules that replaced a pending invalidation",
		},
		[]string{"scheduler"},
	)

	m.InvalidationsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveflow_invalidations_fired_total",
			Help: "Total number of invalidation actions executed",
		},
		[]string{"scheduler"},
	)

	m.AggregatorPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "liveflow_aggregator_pending",
			Help: "Number of (event type, scope) buckets waiting to fire",
		},
	)

	m.AggregatorBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "liveflow_aggregator_batch_size",
			Help:    "Number of events coalesced into one aggregated invalidation",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // from 1 to 512
		},
	)

	// Query cache metrics
	m.CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveflow_cache_operations_total",
			Help: "Total number of query cache operations",
		},
		[]string{"operation", "result"},
	)

	m.CacheFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "liveflow_cache_fetch_duration_seconds",
			Help:    "Duration of query fetches triggered by misses and invalidations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
	)

	m.CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "liveflow_cache_entries",
			Help: "Number of entries held by the in-memory query cache",
		},
	)

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveflow_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "liveflow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	// Dev stream server metrics
	m.StreamServerClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "liveflow_streamserver_clients",
			Help: "Number of clients connected to the dev stream server",
		},
		[]string{"protocol"}, // sse, websocket
	)

	m.StreamServerPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveflow_streamserver_events_published_total",
			Help: "Total number of events written to dev stream server clients",
		},
		[]string{"protocol"},
	)

	return m
}

// Bool renders a boolean as a metric label value
func Bool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
