package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nestcal"

// Collector owns a private registry so tests can build as many as they
// like without duplicate-registration panics.
type Collector struct {
	registry *prometheus.Registry

	guardOutcomes *prometheus.CounterVec
	guardDuration prometheus.Histogram
	indexDuration prometheus.Histogram
	conflicts     *prometheus.GaugeVec
	feedMessages  *prometheus.CounterVec
	backendCalls  *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		guardOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guard_checks_total",
				Help:      "Conflict guard checks by outcome",
			},
			[]string{"outcome"},
		),
		guardDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "guard_check_duration_seconds",
				Help:      "Conflict guard check latency including the scoped read",
				Buckets:   prometheus.DefBuckets,
			},
		),
		indexDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "index_run_duration_seconds",
				Help:      "Conflict index recomputation time",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
			},
		),
		conflicts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "conflicting_events",
				Help:      "Events currently flagged as conflicting per nest view",
			},
			[]string{"nest"},
		),
		feedMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_messages_total",
				Help:      "Change feed messages applied by kind",
			},
			[]string{"kind"},
		),
		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Hosted backend calls by operation and status",
			},
			[]string{"operation", "status"},
		),
	}
	c.registry.MustRegister(
		c.guardOutcomes,
		c.guardDuration,
		c.indexDuration,
		c.conflicts,
		c.feedMessages,
		c.backendCalls,
	)
	return c
}

// GuardOutcome implements conflict.Recorder.
func (c *Collector) GuardOutcome(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.guardOutcomes.WithLabelValues(outcome).Inc()
	c.guardDuration.Observe(elapsed.Seconds())
}

// IndexRun records one Index recomputation for a nest.
func (c *Collector) IndexRun(nest string, conflicting int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.indexDuration.Observe(elapsed.Seconds())
	c.conflicts.WithLabelValues(nest).Set(float64(conflicting))
}

// FeedMessage counts one applied feed message.
func (c *Collector) FeedMessage(kind string) {
	if c == nil {
		return
	}
	c.feedMessages.WithLabelValues(kind).Inc()
}

// BackendCall counts one hosted backend call.
func (c *Collector) BackendCall(operation string, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.backendCalls.WithLabelValues(operation, status).Inc()
}

// Registry exposes the underlying registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
