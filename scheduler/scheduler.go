// Package scheduler hosts the process-wide background loop.
//
// One Scheduler owns every recurring task so the rest of the service stays
// ticker-free: heartbeats to open stream topics, the lease reclaim sweep
// that recovers jobs from crashed workers, and the optional checkpoint
// prune for workflows that can never resume.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/deepak-karkala/agentflow/bus"
	"github.com/deepak-karkala/agentflow/metrics"
	"github.com/deepak-karkala/agentflow/store"
)

// Scheduler defaults.
const (
	DefaultHeartbeatEvery = 10 * time.Second
	DefaultReclaimEvery   = 30 * time.Second
	DefaultPruneEvery     = 10 * time.Minute
	DefaultPruneKeep      = 50
)

// Config assembles a Scheduler. Store and Bus are required.
type Config struct {
	Store store.Store
	Bus   *bus.Bus

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics, when set, records reclaims and queue depth.
	Metrics *metrics.Metrics

	// HeartbeatEvery is the interval between heartbeats on open topics.
	HeartbeatEvery time.Duration

	// ReclaimEvery is the interval between lease reclaim sweeps.
	ReclaimEvery time.Duration

	// PruneEnabled turns on checkpoint pruning for terminal workflows.
	// Off by default: history is cheap and useful for audits.
	PruneEnabled bool

	// PruneEvery is the interval between prune passes.
	PruneEvery time.Duration

	// PruneKeep is how many newest checkpoints each pruned thread keeps.
	PruneKeep int
}

// Scheduler runs the heartbeat, reclaim, and prune tickers on one
// goroutine.
type Scheduler struct {
	store   store.Store
	bus     *bus.Bus
	log     *zap.Logger
	metrics *metrics.Metrics

	heartbeatEvery time.Duration
	reclaimEvery   time.Duration
	pruneEnabled   bool
	pruneEvery     time.Duration
	pruneKeep      int
}

// New validates the configuration and builds a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("scheduler requires a store")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("scheduler requires an event bus")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		store:          cfg.Store,
		bus:            cfg.Bus,
		log:            logger,
		metrics:        cfg.Metrics,
		heartbeatEvery: cfg.HeartbeatEvery,
		reclaimEvery:   cfg.ReclaimEvery,
		pruneEnabled:   cfg.PruneEnabled,
		pruneEvery:     cfg.PruneEvery,
		pruneKeep:      cfg.PruneKeep,
	}
	if s.heartbeatEvery <= 0 {
		s.heartbeatEvery = DefaultHeartbeatEvery
	}
	if s.reclaimEvery <= 0 {
		s.reclaimEvery = DefaultReclaimEvery
	}
	if s.pruneEvery <= 0 {
		s.pruneEvery = DefaultPruneEvery
	}
	if s.pruneKeep <= 0 {
		s.pruneKeep = DefaultPruneKeep
	}
	return s, nil
}

// Run blocks until ctx is cancelled, firing each task on its ticker.
func (s *Scheduler) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(s.heartbeatEvery)
	defer heartbeat.Stop()
	reclaim := time.NewTicker(s.reclaimEvery)
	defer reclaim.Stop()

	var prune <-chan time.Time
	if s.pruneEnabled {
		t := time.NewTicker(s.pruneEvery)
		defer t.Stop()
		prune = t.C
	}

	s.log.Info("scheduler started",
		zap.Duration("heartbeat_every", s.heartbeatEvery),
		zap.Duration("reclaim_every", s.reclaimEvery),
		zap.Bool("prune_enabled", s.pruneEnabled))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-heartbeat.C:
			s.heartbeat()
		case <-reclaim.C:
			s.sweep(ctx)
		case <-prune:
			s.prune(ctx)
		}
	}
}

// heartbeat tells every open stream its workflow is still alive.
func (s *Scheduler) heartbeat() {
	for _, id := range s.bus.ActiveTopics() {
		s.bus.Publish(id, bus.NewEvent(bus.KindHeartbeat, nil))
	}
}

// sweep pushes expired leases through the failure path and reports queue
// depth. Reclaimed jobs with retries left simply requeue for the next
// worker; terminally failed ones take their workflow down.
func (s *Scheduler) sweep(ctx context.Context) {
	jobs, err := s.store.ReclaimExpiredJobs(ctx)
	if err != nil {
		s.log.Error("lease reclaim sweep failed", zap.Error(err))
		return
	}

	for i := range jobs {
		job := &jobs[i]
		if s.metrics != nil {
			s.metrics.JobsReclaimed.Inc()
		}
		s.log.Warn("reclaimed expired job lease",
			zap.String("job_id", job.ID),
			zap.String("workflow_id", job.WorkflowID),
			zap.String("status", string(job.Status)),
			zap.Int("retry_count", job.RetryCount))

		payload := map[string]any{"error": "lease expired", "job_id": job.ID}
		s.publish(ctx, job.WorkflowID, bus.KindError, payload)

		if job.Status == store.JobFailed {
			if s.metrics != nil {
				s.metrics.JobsFinished.WithLabelValues(string(job.Kind), "failed").Inc()
			}
			s.failWorkflow(ctx, job.WorkflowID, payload)
		}
	}

	if s.metrics != nil {
		if depth, err := s.store.CountJobs(ctx, store.JobQueued); err == nil {
			s.metrics.QueueDepth.Set(float64(depth))
		}
	}
}

// publish mirrors an event to the live topic and the audit log.
func (s *Scheduler) publish(ctx context.Context, workflowID, kind string, payload map[string]any) {
	s.bus.Publish(workflowID, bus.NewEvent(kind, payload))
	if err := s.store.AppendEvent(ctx, &store.Event{WorkflowID: workflowID, Kind: kind, Payload: payload}); err != nil {
		s.log.Warn("event audit append failed",
			zap.String("workflow_id", workflowID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

// failWorkflow finalizes a workflow whose reclaimed job had no retry left.
func (s *Scheduler) failWorkflow(ctx context.Context, workflowID string, payload map[string]any) {
	if err := s.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowFailed); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error("failed to mark workflow failed",
			zap.String("workflow_id", workflowID), zap.Error(err))
	}
	s.bus.CloseTopic(workflowID, &bus.Event{Kind: bus.KindError, Payload: payload})
	s.log.Warn("workflow failed after lease reclaim",
		zap.String("workflow_id", workflowID))
}

// prune trims checkpoint history for workflows that can never resume.
// Active and awaiting_human threads are never touched, so pruning cannot
// lose a resumable tip.
func (s *Scheduler) prune(ctx context.Context) {
	terminal := []store.WorkflowStatus{
		store.WorkflowCompleted,
		store.WorkflowFailed,
		store.WorkflowCancelled,
	}

	total := 0
	for _, status := range terminal {
		workflows, err := s.store.ListWorkflowsByStatus(ctx, status, 0)
		if err != nil {
			s.log.Error("checkpoint prune listing failed",
				zap.String("status", string(status)), zap.Error(err))
			continue
		}
		for i := range workflows {
			removed, err := s.store.PruneCheckpoints(ctx, workflows[i].ThreadID, "", s.pruneKeep)
			if err != nil {
				s.log.Error("checkpoint prune failed",
					zap.String("workflow_id", workflows[i].ID), zap.Error(err))
				continue
			}
			total += removed
		}
	}
	if total > 0 {
		s.log.Info("pruned checkpoints",
			zap.Int("removed", total), zap.Int("keep_last", s.pruneKeep))
	}
}
