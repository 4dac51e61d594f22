package graph

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/deepak-karkala/agentflow/metrics"
)

// Engine limits.
const (
	// DefaultMaxSteps bounds the number of node executions in one run.
	DefaultMaxSteps = 100

	// DefaultMaxVisits bounds how often one node may be entered in one
	// run. Loop-backs consume the budget; the third re-entry is rejected.
	DefaultMaxVisits = 3
)

type engineConfig struct {
	maxSteps    int
	maxVisits   int
	tracer      trace.Tracer
	metrics     *metrics.Metrics
	clock       func() time.Time
	autoApprove map[string]bool
}

// Option configures an Engine.
type Option func(*engineConfig)

func defaultConfig() engineConfig {
	return engineConfig{
		maxSteps:  DefaultMaxSteps,
		maxVisits: DefaultMaxVisits,
		// The global provider is a no-op until the process installs one.
		tracer:      otel.GetTracerProvider().Tracer("agentflow/graph"),
		clock:       time.Now,
		autoApprove: make(map[string]bool),
	}
}

// WithMaxSteps overrides the per-run step limit.
func WithMaxSteps(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.maxSteps = n
		}
	}
}

// WithMaxVisits overrides the per-node entry limit within one run.
func WithMaxVisits(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.maxVisits = n
		}
	}
}

// WithTracerProvider enables a span per engine step.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *engineConfig) {
		if tp != nil {
			c.tracer = tp.Tracer("agentflow/graph")
		}
	}
}

// WithMetrics records step latency, interrupts, resumes, and checkpoint
// writes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *engineConfig) { c.metrics = m }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *engineConfig) {
		if now != nil {
			c.clock = now
		}
	}
}

// WithAutoApprove lists gate nodes the engine passes through without
// pausing, as if a human had approved immediately.
func WithAutoApprove(gates ...string) Option {
	return func(c *engineConfig) {
		for _, g := range gates {
			c.autoApprove[g] = true
		}
	}
}
