// Package store persists workflows, jobs, checkpoints, events, and
// artifacts.
//
// Three implementations share one behavioral contract:
//   - MemStore: in-memory, for tests and single-process development
//   - SQLiteStore: embedded persistence (modernc.org/sqlite, WAL)
//   - MySQLStore: server-backed persistence for multi-process deployments
//
// The job queue lives in the same database as the workflow state, so a
// worker that crashes mid-run loses nothing: its lease expires, the reclaim
// sweep requeues the job, and the next worker resumes from the thread's
// checkpoint tip.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by every implementation. Callers match them with
// errors.Is.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoJobs is returned by ClaimJob when nothing is claimable.
	ErrNoJobs = errors.New("no jobs available")

	// ErrNotOwner is returned when a worker operates on a job it does not
	// hold.
	ErrNotOwner = errors.New("job not owned by worker")

	// ErrLeaseExpired is returned when a lease operation arrives after the
	// lease lapsed.
	ErrLeaseExpired = errors.New("job lease expired")

	// ErrStaleParent is returned by PutCheckpoint when the supplied parent
	// is not the thread tip.
	ErrStaleParent = errors.New("parent is not the thread tip")

	// ErrResumeQueued is returned when a workflow already has a queued
	// resume job.
	ErrResumeQueued = errors.New("a resume job is already queued")

	// ErrDuplicateThread is returned when a workflow reuses a thread id.
	ErrDuplicateThread = errors.New("thread id already in use")

	// ErrInvalidKeep is returned by PruneCheckpoints for a non-positive
	// keepLast.
	ErrInvalidKeep = errors.New("keepLast must be positive")
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

// Workflow lifecycle states.
const (
	WorkflowActive        WorkflowStatus = "active"
	WorkflowAwaitingHuman WorkflowStatus = "awaiting_human"
	WorkflowCompleted     WorkflowStatus = "completed"
	WorkflowFailed        WorkflowStatus = "failed"
	WorkflowCancelled     WorkflowStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

// Job lifecycle states.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job will never run again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobKind selects the worker behavior for a job.
type JobKind string

// Job kinds.
const (
	// JobKindWorkflow runs a workflow graph from its current thread state.
	JobKindWorkflow JobKind = "ml_workflow"

	// JobKindResume continues an interrupted workflow with an approval
	// payload. At most one resume job may be queued per workflow.
	JobKindResume JobKind = "resume"
)

// Workflow is one durable workflow instance. ThreadID keys the checkpoint
// lineage and is unique across workflows; Version increments on every
// status transition.
type Workflow struct {
	ID             string         `db:"id" json:"id"`
	ProjectID      string         `db:"project_id" json:"project_id"`
	ThreadID       string         `db:"thread_id" json:"thread_id"`
	Version        int            `db:"version" json:"version"`
	OriginalPrompt string         `db:"original_prompt" json:"original_prompt"`
	Status         WorkflowStatus `db:"status" json:"status"`
	CreatedAt      time.Time      `db:"-" json:"created_at"`
	UpdatedAt      time.Time      `db:"-" json:"updated_at"`
}

// Job is one unit of queued work. Leases make crashes recoverable: a
// running job whose lease expires is swept back through the failure path.
type Job struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	Kind           JobKind        `json:"kind"`
	Priority       int            `json:"priority"`
	Status         JobStatus      `json:"status"`
	Payload        map[string]any `json:"payload,omitempty"`
	WorkerID       string         `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	NextRunAt      time.Time      `json:"next_run_at"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Checkpoint is one committed step of a workflow thread. Checkpoint ids are
// ULIDs, so their lexicographic order is their creation order within a
// thread. ParentID must name the thread tip at write time, which makes the
// per-thread history a single chain.
type Checkpoint struct {
	ThreadID  string         `json:"thread_id"`
	Namespace string         `json:"namespace,omitempty"`
	ID        string         `json:"checkpoint_id"`
	ParentID  string         `json:"parent_checkpoint_id,omitempty"`
	State     map[string]any `json:"state"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Event is one row of the append-only workflow event log.
type Event struct {
	ID         int64          `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Artifact records an output produced by a workflow, addressed by content
// hash.
type Artifact struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Kind        string         `json:"kind"`
	URI         string         `json:"uri"`
	ContentHash string         `json:"content_hash"`
	SizeBytes   int64          `json:"size_bytes"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Workflows manages workflow records.
type Workflows interface {
	// CreateWorkflow inserts a new workflow. Fills ID, Version, and
	// timestamps. Returns ErrDuplicateThread if the thread id is taken.
	CreateWorkflow(ctx context.Context, wf *Workflow) error

	// GetWorkflow returns a workflow by id, or ErrNotFound.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// GetWorkflowByThread returns the workflow owning a thread id, or
	// ErrNotFound.
	GetWorkflowByThread(ctx context.Context, threadID string) (*Workflow, error)

	// UpdateWorkflowStatus transitions a workflow, bumping its version.
	UpdateWorkflowStatus(ctx context.Context, id string, status WorkflowStatus) error

	// ListWorkflowsByStatus returns up to limit workflows in the given
	// state, oldest first. limit <= 0 means no limit.
	ListWorkflowsByStatus(ctx context.Context, status WorkflowStatus, limit int) ([]Workflow, error)
}

// Jobs is the durable job queue.
type Jobs interface {
	// EnqueueJob inserts a job, filling id, status, timestamps, and retry
	// defaults. Returns ErrResumeQueued when the workflow already has a
	// queued resume job.
	EnqueueJob(ctx context.Context, job *Job) error

	// ClaimJob atomically claims the runnable job with the highest
	// priority (FIFO within a priority), marking it running under a lease.
	// Two concurrent claims never return the same job. Returns ErrNoJobs
	// when nothing is runnable.
	ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*Job, error)

	// RenewJobLease extends the lease of a running job. Only the owning
	// worker may renew; an expired lease returns ErrLeaseExpired.
	RenewJobLease(ctx context.Context, jobID, workerID string, lease time.Duration) error

	// CompleteJob marks a running job completed. Idempotent for the owner;
	// any other worker gets ErrNotOwner.
	CompleteJob(ctx context.Context, jobID, workerID string) error

	// FailJob records a failure. While retries remain the job is requeued
	// with backoff (requeued=true); otherwise it becomes terminally
	// failed.
	FailJob(ctx context.Context, jobID, workerID, errMsg string) (requeued bool, err error)

	// ReclaimExpiredJobs pushes every running job with a lapsed lease
	// through the failure path with the synthetic message "lease expired"
	// and returns the post-transition jobs.
	ReclaimExpiredJobs(ctx context.Context) ([]Job, error)

	// GetJob returns a job by id, or ErrNotFound.
	GetJob(ctx context.Context, id string) (*Job, error)

	// QueuedResumeJob returns the queued resume job for a workflow, or
	// ErrNotFound.
	QueuedResumeJob(ctx context.Context, workflowID string) (*Job, error)

	// CountJobs counts jobs in the given status.
	CountJobs(ctx context.Context, status JobStatus) (int, error)
}

// Checkpoints is the per-thread checkpoint chain.
type Checkpoints interface {
	// PutCheckpoint appends a checkpoint to its thread. cp.ParentID must
	// equal the current tip id ("" for an empty thread) or ErrStaleParent
	// is returned with no side effects. The generated id is returned and
	// set on cp; it is strictly greater than the tip's id. Writes to one
	// thread are serialized.
	PutCheckpoint(ctx context.Context, cp *Checkpoint) (string, error)

	// LatestCheckpoint returns the thread tip, or ErrNotFound.
	LatestCheckpoint(ctx context.Context, threadID, namespace string) (*Checkpoint, error)

	// WalkCheckpoints returns the full chain, oldest first. Unknown
	// threads yield an empty slice.
	WalkCheckpoints(ctx context.Context, threadID, namespace string) ([]Checkpoint, error)

	// PruneCheckpoints deletes all but the newest keepLast checkpoints.
	// keepLast must be positive: the tip is never removable.
	PruneCheckpoints(ctx context.Context, threadID, namespace string, keepLast int) (removed int, err error)
}

// Events is the append-only event log.
type Events interface {
	// AppendEvent inserts an event, filling ID and CreatedAt.
	AppendEvent(ctx context.Context, e *Event) error

	// ListEvents returns a workflow's events in append order, up to limit
	// (limit <= 0 means no limit).
	ListEvents(ctx context.Context, workflowID string, limit int) ([]Event, error)
}

// Artifacts records workflow outputs.
type Artifacts interface {
	// AddArtifact inserts an artifact, filling ID and CreatedAt.
	AddArtifact(ctx context.Context, a *Artifact) error

	// ListArtifacts returns a workflow's artifacts, oldest first.
	ListArtifacts(ctx context.Context, workflowID string) ([]Artifact, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	Workflows
	Jobs
	Checkpoints
	Events
	Artifacts

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying resources. Safe to call twice.
	Close() error
}
