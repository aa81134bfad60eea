package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "graphcollab/pkg/errors"
)

// Collector holds the Prometheus metrics of the process. It implements the
// recorder interfaces of the broadcast bus and the session manager.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Collaboration metrics
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	Commits         *prometheus.CounterVec
	OpenSessions    prometheus.Gauge

	// Store metrics
	StoreOperations *prometheus.CounterVec
	StoreDuration   *prometheus.HistogramVec
	BreakerState    *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_published_total",
			Help:      "Events handed to the broadcast bus",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		}, []string{"kind"}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Durable writes issued by edit sessions",
		}, []string{"kind", "status"}),
		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Edit sessions currently open",
		}),
		StoreOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Graph store operations",
		}, []string{"operation", "status"}),
		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Graph store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		}, []string{"name"}),
	}

	c.registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.EventsPublished,
		c.EventsDropped,
		c.Commits,
		c.OpenSessions,
		c.StoreOperations,
		c.StoreDuration,
		c.BreakerState,
	)
	return c
}

// Registry returns the Prometheus registry for this collector
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WatchGauge registers a gauge sampled from fn at scrape time
func (c *Collector) WatchGauge(namespace, name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// EventPublished counts an event handed to the bus
func (c *Collector) EventPublished(kind string) {
	c.EventsPublished.WithLabelValues(kind).Inc()
}

// EventDropped counts an event a slow subscriber missed
func (c *Collector) EventDropped(kind string) {
	c.EventsDropped.WithLabelValues(kind).Inc()
}

// CommitRecorded counts a session write by outcome
func (c *Collector) CommitRecorded(kind string, err error) {
	c.Commits.WithLabelValues(kind, outcome(err)).Inc()
}

// SessionsChanged tracks the number of open sessions
func (c *Collector) SessionsChanged(open int) {
	c.OpenSessions.Set(float64(open))
}

// StoreObserved records one store operation
func (c *Collector) StoreObserved(operation string, err error, elapsed time.Duration) {
	c.StoreOperations.WithLabelValues(operation, outcome(err)).Inc()
	c.StoreDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// BreakerChanged records a circuit breaker transition
func (c *Collector) BreakerChanged(name string, state int) {
	c.BreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordHTTP records one served request
func (c *Collector) RecordHTTP(method, route string, status int, elapsed time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case apperrors.IsTransient(err):
		return "transient"
	case apperrors.IsConflict(err), apperrors.IsNotFound(err):
		return "satisfied"
	default:
		return "error"
	}
}
