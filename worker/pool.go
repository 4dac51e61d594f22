// Package worker hosts the pool of job-queue consumers.
//
// Each worker goroutine claims one job at a time under a lease, keeps the
// lease renewed in the background while the job runs, and routes the job to
// the Runner by kind. Failures go back through the queue's retry path; only
// when no retry remains does the pool declare the workflow dead. Claiming
// itself guarantees exclusivity, so workers need no coordination beyond the
// store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deepak-karkala/agentflow/metrics"
	"github.com/deepak-karkala/agentflow/store"
)

// Pool defaults.
const (
	DefaultWorkers    = 4
	DefaultIdleMin    = 500 * time.Millisecond
	DefaultIdleMax    = 5 * time.Second
	DefaultDrainGrace = 20 * time.Second
)

// settleTimeout bounds the queue writes that record a job's outcome.
const settleTimeout = 10 * time.Second

// Runner executes claimed jobs. *workflow.Runner implements it.
type Runner interface {
	// ExecuteJob runs an ml_workflow job from the workflow's thread state.
	ExecuteJob(ctx context.Context, job *store.Job) error

	// ResumeJob continues an interrupted workflow with the job's approval
	// payload.
	ResumeJob(ctx context.Context, job *store.Job) error

	// MarkFailed finalizes a workflow whose job failed with no retry
	// remaining.
	MarkFailed(ctx context.Context, workflowID string, cause error)
}

// Config assembles a Pool. Jobs and Runner are required; everything else
// has defaults.
type Config struct {
	Jobs   store.Jobs
	Runner Runner

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics, when set, records claims, outcomes, and retries.
	Metrics *metrics.Metrics

	// Workers is the number of concurrent claim loops.
	Workers int

	// Lease is how long a claim lasts without renewal. The pool renews at
	// a third of it.
	Lease time.Duration

	// IdleMin and IdleMax bound the backoff between claim attempts while
	// the queue is empty.
	IdleMin time.Duration
	IdleMax time.Duration

	// DrainGrace is how long in-flight jobs may keep running once
	// shutdown begins.
	DrainGrace time.Duration
}

// Pool runs N concurrent job consumers against one queue.
type Pool struct {
	jobs    store.Jobs
	runner  Runner
	log     *zap.Logger
	metrics *metrics.Metrics

	name    string
	workers int
	lease   time.Duration
	idleMin time.Duration
	idleMax time.Duration
	grace   time.Duration
}

// New validates the configuration and builds a Pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("worker pool requires a job store")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("worker pool requires a runner")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		jobs:    cfg.Jobs,
		runner:  cfg.Runner,
		log:     logger,
		metrics: cfg.Metrics,
		// Worker ids carry a process nonce so two pools sharing one
		// MySQL queue never collide.
		name:    "worker-" + uuid.NewString()[:8],
		workers: cfg.Workers,
		lease:   cfg.Lease,
		idleMin: cfg.IdleMin,
		idleMax: cfg.IdleMax,
		grace:   cfg.DrainGrace,
	}
	if p.workers <= 0 {
		p.workers = DefaultWorkers
	}
	if p.lease <= 0 {
		p.lease = store.DefaultLease
	}
	if p.idleMin <= 0 {
		p.idleMin = DefaultIdleMin
	}
	if p.idleMax <= 0 {
		p.idleMax = DefaultIdleMax
	}
	if p.idleMax < p.idleMin {
		p.idleMax = p.idleMin
	}
	if p.grace <= 0 {
		p.grace = DefaultDrainGrace
	}
	return p, nil
}

// Run starts the claim loops and blocks until ctx is cancelled and every
// in-flight job has settled. Cancelling ctx stops claiming immediately;
// jobs already running get DrainGrace to finish before their contexts are
// cut.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting",
		zap.Int("workers", p.workers),
		zap.Duration("lease", p.lease))

	var wg sync.WaitGroup
	for i := 1; i <= p.workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.name, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.claimLoop(ctx, workerID)
		}()
	}
	wg.Wait()

	p.log.Info("worker pool stopped")
	return nil
}

// claimLoop claims and runs jobs until ctx is cancelled. An empty queue
// backs the loop off exponentially; a successful claim resets the backoff.
func (p *Pool) claimLoop(ctx context.Context, workerID string) {
	idle := newIdleBackoff(p.idleMin, p.idleMax)

	for ctx.Err() == nil {
		job, err := p.jobs.ClaimJob(ctx, workerID, p.lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, store.ErrNoJobs) {
				p.log.Warn("job claim failed",
					zap.String("worker_id", workerID), zap.Error(err))
			}
			if !sleepCtx(ctx, idle.Next()) {
				return
			}
			continue
		}
		idle.Reset()

		if p.metrics != nil {
			p.metrics.JobsClaimed.WithLabelValues(string(job.Kind)).Inc()
		}
		p.log.Info("job claimed",
			zap.String("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.String("workflow_id", job.WorkflowID),
			zap.String("kind", string(job.Kind)),
			zap.Int("retry_count", job.RetryCount))

		p.runJob(ctx, workerID, job)
	}
}

// runJob executes one claimed job end to end: lease renewal in the
// background, dispatch by kind, then the outcome write. The job context
// detaches from the pool context so shutdown does not kill in-flight work
// outright; it is cut when the drain grace lapses or a renewal fails.
func (p *Pool) runJob(ctx context.Context, workerID string, job *store.Job) {
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	stopDrain := p.drainWatch(ctx, cancel)
	defer stopDrain()

	stopRenew := p.keepLease(jobCtx, workerID, job, cancel)
	runErr := p.dispatch(jobCtx, job)
	stopRenew()

	p.settle(workerID, job, runErr)
}

// drainWatch cuts the job context once the pool is shutting down and the
// drain grace has lapsed. The returned stop func must be called when the
// job settles.
func (p *Pool) drainWatch(ctx context.Context, cancel context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		t := time.NewTimer(p.grace)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			cancel()
		}
	}()
	return func() { close(done) }
}

// keepLease renews the job's claim at a third of the lease until stopped.
// A failed renewal means the lease lapsed and the job may already belong to
// another worker, so the job context is cancelled to stop wasted work.
func (p *Pool) keepLease(ctx context.Context, workerID string, job *store.Job, cancel context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(p.lease / 3)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := p.jobs.RenewJobLease(ctx, job.ID, workerID, p.lease); err != nil {
					p.log.Warn("lease renewal failed, abandoning job",
						zap.String("worker_id", workerID),
						zap.String("job_id", job.ID),
						zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// dispatch routes the job by kind. Panics in node code surface as job
// failures instead of taking the worker down.
func (p *Pool) dispatch(ctx context.Context, job *store.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
			p.log.Error("job handler panic",
				zap.String("job_id", job.ID),
				zap.String("workflow_id", job.WorkflowID),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	switch job.Kind {
	case store.JobKindWorkflow:
		return p.runner.ExecuteJob(ctx, job)
	case store.JobKindResume:
		return p.runner.ResumeJob(ctx, job)
	default:
		return fmt.Errorf("no handler for job kind %q", job.Kind)
	}
}

// settle records the job's outcome on a detached context so the write still
// lands during shutdown. Losing ownership mid-run (the lease expired and
// the sweep reclaimed the job) is tolerated: the queue has already routed
// the job through its failure path.
func (p *Pool) settle(workerID string, job *store.Job, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	kind := string(job.Kind)
	if runErr == nil {
		err := p.jobs.CompleteJob(ctx, job.ID, workerID)
		switch {
		case err == nil:
			if p.metrics != nil {
				p.metrics.JobsFinished.WithLabelValues(kind, "completed").Inc()
			}
			p.log.Info("job completed",
				zap.String("worker_id", workerID),
				zap.String("job_id", job.ID),
				zap.String("workflow_id", job.WorkflowID))
		case errors.Is(err, store.ErrNotOwner):
			p.log.Warn("job finished but ownership was lost",
				zap.String("worker_id", workerID),
				zap.String("job_id", job.ID))
		default:
			p.log.Error("failed to complete job",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	requeued, err := p.jobs.FailJob(ctx, job.ID, workerID, runErr.Error())
	if err != nil {
		if errors.Is(err, store.ErrNotOwner) {
			p.log.Warn("job failed after ownership was lost",
				zap.String("worker_id", workerID),
				zap.String("job_id", job.ID),
				zap.Error(runErr))
			return
		}
		p.log.Error("failed to record job failure",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if requeued {
		if p.metrics != nil {
			p.metrics.JobRetries.Inc()
		}
		p.log.Warn("job failed, requeued",
			zap.String("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.String("workflow_id", job.WorkflowID),
			zap.Int("retry_count", job.RetryCount+1),
			zap.Error(runErr))
		return
	}

	// No retry remains: the job is terminally failed and the workflow
	// goes down with it.
	if p.metrics != nil {
		p.metrics.JobsFinished.WithLabelValues(kind, "failed").Inc()
	}
	p.runner.MarkFailed(ctx, job.WorkflowID, runErr)
	p.log.Error("job failed terminally",
		zap.String("worker_id", workerID),
		zap.String("job_id", job.ID),
		zap.String("workflow_id", job.WorkflowID),
		zap.Error(runErr))
}
