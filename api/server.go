// Package api exposes the orchestrator over HTTP: chat endpoints that run
// or enqueue workflows, an SSE stream per decision set, the approval
// endpoint that feeds human gate decisions back into paused runs, and the
// Prometheus exposition route.
//
// Handlers speak JSON and report failures through a shared
// {"detail": "..."} envelope. The workflow id doubles as the public
// decision-set id, so the path params, the stream topic, and the events on
// it all share one key.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/deepak-karkala/agentflow/bus"
	"github.com/deepak-karkala/agentflow/metrics"
	"github.com/deepak-karkala/agentflow/store"
	"github.com/deepak-karkala/agentflow/workflow"
)

// requestTimeout bounds every route except the event stream, which lives
// as long as the workflow it watches.
const requestTimeout = 60 * time.Second

// Runner is the slice of the workflow layer the handlers call.
// *workflow.Runner implements it.
type Runner interface {
	Execute(ctx context.Context, workflowID string, initial workflow.State) (workflow.Outcome, error)
	GraphType() string
	NodeNames() []string
}

// Config assembles a Server. Store, Bus, and Runner are required.
type Config struct {
	Store  store.Store
	Bus    *bus.Bus
	Runner Runner

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics, when set, records the HTTP request families.
	Metrics *metrics.Metrics

	// Registry, when set, is served at /metrics.
	Registry *prometheus.Registry
}

// Server holds the handler dependencies. Build one with New and mount
// Router on an http.Server.
type Server struct {
	store    store.Store
	bus      *bus.Bus
	runner   Runner
	log      *zap.Logger
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

// New validates the configuration and builds a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("api server requires a store")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("api server requires an event bus")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("api server requires a runner")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:    cfg.Store,
		bus:      cfg.Bus,
		runner:   cfg.Runner,
		log:      logger,
		metrics:  cfg.Metrics,
		registry: cfg.Registry,
	}, nil
}

// Router builds the handler tree. The stream route sits outside the
// timeout group: an SSE subscription outlives any fixed request budget.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Cache-Control"},
	}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/", s.handleHealth)
		r.Post("/api/chat", s.handleChat)
		r.Post("/api/chat/async", s.handleChatAsync)
		r.Get("/api/jobs/{jobID}/status", s.handleJobStatus)
		r.Post("/api/decision-sets/{decisionSetID}/approve", s.handleApprove)
		r.Get("/api/decision-sets/{decisionSetID}/artifacts", s.handleArtifacts)
		r.Get("/api/workflow/plan", s.handlePlan)

		if s.registry != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		}
	})

	r.Get("/api/streams/{decisionSetID}", s.handleStream)
	return r
}
