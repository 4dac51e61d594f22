// Package metrics defines the Prometheus collectors shared by the engine,
// the job workers, the event bus, and the HTTP surface.
//
// All collectors live under the "agentflow" namespace and are registered on
// the registry passed to New, so embedding applications keep control over
// exposition and tests can use isolated registries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agentflow"

// Metrics bundles every collector the service records. Fields are exported
// so call sites can observe directly.
type Metrics struct {
	// Engine.
	StepLatency    *prometheus.HistogramVec // node, status
	NodesInflight  prometheus.Gauge
	Interrupts     *prometheus.CounterVec // gate
	Resumes        prometheus.Counter
	CheckpointPuts prometheus.Counter

	// Job queue.
	JobsClaimed   *prometheus.CounterVec // kind
	JobsFinished  *prometheus.CounterVec // kind, outcome
	JobRetries    prometheus.Counter
	JobsReclaimed prometheus.Counter
	QueueDepth    prometheus.Gauge

	// Event bus.
	BusEventsPublished *prometheus.CounterVec // kind
	BusEventsDropped   prometheus.Counter
	BusSubscribers     prometheus.Gauge

	// HTTP surface.
	HTTPRequests *prometheus.CounterVec   // route, method, code
	HTTPLatency  *prometheus.HistogramVec // route
}

// New creates and registers all collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_latency_ms",
			Help:      "Latency of node executions in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node", "status"}),
		NodesInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "inflight_nodes",
			Help:      "Number of node executions currently running",
		}),
		Interrupts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "interrupts_total",
			Help:      "Workflow pauses at human approval gates",
		}, []string{"gate"}),
		Resumes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "resumes_total",
			Help:      "Workflow resumes from checkpoints",
		}),
		CheckpointPuts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "checkpoint_puts_total",
			Help:      "Checkpoints committed at step boundaries",
		}),

		JobsClaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "claimed_total",
			Help:      "Jobs claimed by workers",
		}, []string{"kind"}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Job executions by final disposition",
		}, []string{"kind", "outcome"}),
		JobRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "retries_total",
			Help:      "Jobs sent back to the queue after a failure",
		}),
		JobsReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "reclaimed_total",
			Help:      "Jobs recovered from expired leases",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "queue_depth",
			Help:      "Queued jobs at the last sweep",
		}),

		BusEventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published to workflow topics",
		}, []string{"kind"}),
		BusEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events evicted from lagging subscriber buffers",
		}),
		BusSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "subscribers",
			Help:      "Live stream subscriptions",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method, and status code",
		}, []string{"route", "method", "code"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 60000},
		}, []string{"route"}),
	}
}

// ObserveStep records one node execution.
func (m *Metrics) ObserveStep(node, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepLatency.WithLabelValues(node, status).Observe(float64(d.Milliseconds()))
}
