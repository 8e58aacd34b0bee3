package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the executor's Prometheus instruments. Counters and
// histograms are safe for concurrent use across executions.
type Metrics struct {
	registry *prometheus.Registry

	// FlowExecutions counts finished flow runs by flow_id and final status
	FlowExecutions *prometheus.CounterVec

	// NodeDuration observes per-node execution latency by node_id and hoop
	NodeDuration *prometheus.HistogramVec

	// PublishFailures counts event publications that could not be handed off
	PublishFailures prometheus.Counter
}

// New creates and registers the executor metrics. A nil registry gets a
// fresh private one, which keeps tests isolated.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		FlowExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_executions_total",
			Help: "Finished flow executions by flow id and final status.",
		}, []string{"flow_id", "status"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "node_execution_duration_seconds",
			Help:    "Node execution latency by node id and hoop kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"node_id", "hoop"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Execution events that could not be handed to the sink.",
		}),
	}

	registry.MustRegister(m.FlowExecutions, m.NodeDuration, m.PublishFailures)
	return m
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
