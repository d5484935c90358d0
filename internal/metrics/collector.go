// Package metrics provides Prometheus metrics for the execution core.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/bleubryce/AgentX-AI-sub000/queue"
	"github.com/bleubryce/AgentX-AI-sub000/usage"
)

// Collector owns every metric the service exports.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// query metrics
	queriesTotal   *prometheus.CounterVec
	queryDuration  *prometheus.HistogramVec
	queryErrors    *prometheus.CounterVec
	tokensUsed     *prometheus.CounterVec
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	activeRequests *prometheus.GaugeVec

	// queue metrics
	queuePending  prometheus.Gauge
	queueInFlight prometheus.Gauge
	queueRetried  prometheus.Gauge
	queueRejected prometheus.Gauge

	logger *zap.Logger
}

// NewCollector creates a collector registered against reg. A nil reg uses the
// default registry; tests pass their own to avoid duplicate registration.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.queriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of agent queries",
		},
		[]string{"agent_id", "status"},
	)
	c.queryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Agent query duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent_id"},
	)
	c.queryErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_errors_total",
			Help:      "Total number of failed agent queries",
		},
		[]string{"agent_id", "kind"},
	)
	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of upstream tokens consumed",
		},
		[]string{"agent_id"},
	)
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of response cache hits",
		},
		[]string{"agent_id"},
	)
	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of response cache misses",
		},
		[]string{"agent_id"},
	)
	c.activeRequests = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of in-flight agent queries",
		},
		[]string{"agent_id"},
	)

	c.queuePending = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_pending",
		Help:      "Number of pending queue items",
	})
	c.queueInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_in_flight",
		Help:      "Number of in-flight queue items",
	})
	c.queueRetried = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_retried_total",
		Help:      "Total number of retried queue items",
	})
	c.queueRejected = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_rejected_total",
		Help:      "Total number of rejected enqueue attempts",
	})

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordQuery records one terminal query outcome.
func (c *Collector) RecordQuery(agentID, status string, duration time.Duration, tokensUsed int) {
	c.queriesTotal.WithLabelValues(agentID, status).Inc()
	c.queryDuration.WithLabelValues(agentID).Observe(duration.Seconds())
	if tokensUsed > 0 {
		c.tokensUsed.WithLabelValues(agentID).Add(float64(tokensUsed))
	}
}

// RecordQueryError records one failed query by error kind.
func (c *Collector) RecordQueryError(agentID, kind string) {
	c.queryErrors.WithLabelValues(agentID, kind).Inc()
}

// RecordCacheHit records a response cache hit.
func (c *Collector) RecordCacheHit(agentID string) {
	c.cacheHits.WithLabelValues(agentID).Inc()
}

// RecordCacheMiss records a response cache miss.
func (c *Collector) RecordCacheMiss(agentID string) {
	c.cacheMisses.WithLabelValues(agentID).Inc()
}

// SyncUsage projects usage meter snapshots onto the exported gauges.
// Called periodically by the exporter loop.
func (c *Collector) SyncUsage(snapshots []usage.Snapshot) {
	for _, s := range snapshots {
		c.activeRequests.WithLabelValues(s.AgentID).Set(float64(s.ActiveRequests))
	}
}

// SyncQueue projects queue counters onto the exported gauges.
func (c *Collector) SyncQueue(stats queue.Stats) {
	c.queuePending.Set(float64(stats.Pending))
	c.queueInFlight.Set(float64(stats.InFlight))
	c.queueRetried.Set(float64(stats.Retried))
	c.queueRejected.Set(float64(stats.Rejected))
}
