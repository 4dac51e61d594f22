package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store.
//
// It backs tests and single-process development runs. All operations are
// guarded by one mutex, which also gives the per-thread checkpoint writes
// their serialization. Data does not survive the process.
type MemStore struct {
	mu sync.RWMutex

	workflows   map[string]*Workflow
	threadIndex map[string]string // thread id -> workflow id

	jobs    map[string]*Job
	jobSeq  map[string]int64 // enqueue order tiebreak
	nextSeq int64

	checkpoints map[string][]Checkpoint // keyed by thread+namespace

	events  []Event
	eventID int64

	artifacts map[string][]Artifact
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:   make(map[string]*Workflow),
		threadIndex: make(map[string]string),
		jobs:        make(map[string]*Job),
		jobSeq:      make(map[string]int64),
		checkpoints: make(map[string][]Checkpoint),
		artifacts:   make(map[string][]Artifact),
	}
}

func threadKey(threadID, namespace string) string {
	return threadID + "\x00" + namespace
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

func copyWorkflow(wf *Workflow) *Workflow {
	cp := *wf
	return &cp
}

func copyJob(j *Job) *Job {
	cp := *j
	cp.Payload = cloneMap(j.Payload)
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func copyCheckpoint(cp Checkpoint) Checkpoint {
	cp.State = cloneMap(cp.State)
	cp.Metadata = cloneMap(cp.Metadata)
	return cp
}

// CreateWorkflow implements Workflows.
func (m *MemStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fillWorkflowDefaults(wf)
	if _, taken := m.threadIndex[wf.ThreadID]; taken {
		return ErrDuplicateThread
	}

	m.workflows[wf.ID] = copyWorkflow(wf)
	m.threadIndex[wf.ThreadID] = wf.ID
	return nil
}

// GetWorkflow implements Workflows.
func (m *MemStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWorkflow(wf), nil
}

// GetWorkflowByThread implements Workflows.
func (m *MemStore) GetWorkflowByThread(_ context.Context, threadID string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.threadIndex[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWorkflow(m.workflows[id]), nil
}

// UpdateWorkflowStatus implements Workflows.
func (m *MemStore) UpdateWorkflowStatus(_ context.Context, id string, status WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return ErrNotFound
	}
	wf.Status = status
	wf.Version++
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

// ListWorkflowsByStatus implements Workflows.
func (m *MemStore) ListWorkflowsByStatus(_ context.Context, status WorkflowStatus, limit int) ([]Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Workflow
	for _, wf := range m.workflows {
		if wf.Status == status {
			out = append(out, *copyWorkflow(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EnqueueJob implements Jobs.
func (m *MemStore) EnqueueJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.Kind == JobKindResume {
		for _, j := range m.jobs {
			if j.WorkflowID == job.WorkflowID && j.Kind == JobKindResume && j.Status == JobQueued {
				return ErrResumeQueued
			}
		}
	}

	fillJobDefaults(job)
	m.nextSeq++
	m.jobSeq[job.ID] = m.nextSeq
	m.jobs[job.ID] = copyJob(job)
	return nil
}

// ClaimJob implements Jobs. The single store mutex makes the pick-and-mark
// sequence atomic, so concurrent claims cannot select the same job.
func (m *MemStore) ClaimJob(_ context.Context, workerID string, lease time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var best *Job
	for _, j := range m.jobs {
		if j.Status != JobQueued || j.NextRunAt.After(now) {
			continue
		}
		if best == nil || claimBefore(j, best, m.jobSeq) {
			best = j
		}
	}
	if best == nil {
		return nil, ErrNoJobs
	}

	expires := now.Add(lease)
	best.Status = JobRunning
	best.WorkerID = workerID
	best.LeaseExpiresAt = &expires
	if best.StartedAt == nil {
		best.StartedAt = &now
	}
	return copyJob(best), nil
}

// claimBefore reports whether a should be claimed ahead of b.
func claimBefore(a, b *Job, seq map[string]int64) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return seq[a.ID] < seq[b.ID]
}

// RenewJobLease implements Jobs.
func (m *MemStore) RenewJobLease(_ context.Context, jobID, workerID string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status != JobRunning || j.WorkerID != workerID {
		return ErrNotOwner
	}
	now := time.Now().UTC()
	if j.LeaseExpiresAt == nil || j.LeaseExpiresAt.Before(now) {
		return ErrLeaseExpired
	}
	expires := now.Add(lease)
	j.LeaseExpiresAt = &expires
	return nil
}

// CompleteJob implements Jobs.
func (m *MemStore) CompleteJob(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status == JobCompleted && j.WorkerID == workerID {
		return nil
	}
	if j.Status != JobRunning || j.WorkerID != workerID {
		return ErrNotOwner
	}
	now := time.Now().UTC()
	j.Status = JobCompleted
	j.CompletedAt = &now
	j.LeaseExpiresAt = nil
	return nil
}

// FailJob implements Jobs.
func (m *MemStore) FailJob(_ context.Context, jobID, workerID, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != JobRunning || j.WorkerID != workerID {
		return false, ErrNotOwner
	}
	return m.failLocked(j, errMsg), nil
}

// failLocked applies the retry-or-terminal transition. Callers hold m.mu.
func (m *MemStore) failLocked(j *Job, errMsg string) bool {
	now := time.Now().UTC()
	j.ErrorMessage = errMsg
	j.WorkerID = ""
	j.LeaseExpiresAt = nil

	if j.RetryCount < j.MaxRetries {
		j.Status = JobQueued
		j.NextRunAt = now.Add(RetryBackoff(j.RetryCount))
		j.RetryCount++
		return true
	}
	j.Status = JobFailed
	j.CompletedAt = &now
	return false
}

// ReclaimExpiredJobs implements Jobs.
func (m *MemStore) ReclaimExpiredJobs(_ context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var reclaimed []Job
	for _, j := range m.jobs {
		if j.Status != JobRunning || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
			continue
		}
		m.failLocked(j, "lease expired")
		reclaimed = append(reclaimed, *copyJob(j))
	}
	sort.Slice(reclaimed, func(i, k int) bool { return reclaimed[i].ID < reclaimed[k].ID })
	return reclaimed, nil
}

// GetJob implements Jobs.
func (m *MemStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

// QueuedResumeJob implements Jobs.
func (m *MemStore) QueuedResumeJob(_ context.Context, workflowID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.jobs {
		if j.WorkflowID == workflowID && j.Kind == JobKindResume && j.Status == JobQueued {
			return copyJob(j), nil
		}
	}
	return nil, ErrNotFound
}

// CountJobs implements Jobs.
func (m *MemStore) CountJobs(_ context.Context, status JobStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

// PutCheckpoint implements Checkpoints.
func (m *MemStore) PutCheckpoint(_ context.Context, cp *Checkpoint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := threadKey(cp.ThreadID, cp.Namespace)
	chain := m.checkpoints[key]

	tip := ""
	if len(chain) > 0 {
		tip = chain[len(chain)-1].ID
	}
	if cp.ParentID != tip {
		return "", ErrStaleParent
	}

	now := time.Now().UTC()
	cp.ID = nextCheckpointID(now, tip)
	cp.CreatedAt = now

	m.checkpoints[key] = append(chain, copyCheckpoint(*cp))
	return cp.ID, nil
}

// LatestCheckpoint implements Checkpoints.
func (m *MemStore) LatestCheckpoint(_ context.Context, threadID, namespace string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.checkpoints[threadKey(threadID, namespace)]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	cp := copyCheckpoint(chain[len(chain)-1])
	return &cp, nil
}

// WalkCheckpoints implements Checkpoints.
func (m *MemStore) WalkCheckpoints(_ context.Context, threadID, namespace string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.checkpoints[threadKey(threadID, namespace)]
	out := make([]Checkpoint, 0, len(chain))
	for _, cp := range chain {
		out = append(out, copyCheckpoint(cp))
	}
	return out, nil
}

// PruneCheckpoints implements Checkpoints.
func (m *MemStore) PruneCheckpoints(_ context.Context, threadID, namespace string, keepLast int) (int, error) {
	if keepLast <= 0 {
		return 0, ErrInvalidKeep
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := threadKey(threadID, namespace)
	chain := m.checkpoints[key]
	if len(chain) <= keepLast {
		return 0, nil
	}
	removed := len(chain) - keepLast
	m.checkpoints[key] = append(chain[:0:0], chain[removed:]...)
	return removed, nil
}

// AppendEvent implements Events.
func (m *MemStore) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventID++
	e.ID = m.eventID
	e.CreatedAt = time.Now().UTC()
	cp := *e
	cp.Payload = cloneMap(e.Payload)
	m.events = append(m.events, cp)
	return nil
}

// ListEvents implements Events.
func (m *MemStore) ListEvents(_ context.Context, workflowID string, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if e.WorkflowID != workflowID {
			continue
		}
		cp := e
		cp.Payload = cloneMap(e.Payload)
		out = append(out, cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// AddArtifact implements Artifacts.
func (m *MemStore) AddArtifact(_ context.Context, a *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fillArtifactDefaults(a)
	cp := *a
	cp.Metadata = cloneMap(a.Metadata)
	m.artifacts[a.WorkflowID] = append(m.artifacts[a.WorkflowID], cp)
	return nil
}

// ListArtifacts implements Artifacts.
func (m *MemStore) ListArtifacts(_ context.Context, workflowID string) ([]Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.artifacts[workflowID]
	out := make([]Artifact, 0, len(list))
	for _, a := range list {
		cp := a
		cp.Metadata = cloneMap(a.Metadata)
		out = append(out, cp)
	}
	return out, nil
}

// Ping implements Store.
func (m *MemStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (m *MemStore) Close() error { return nil }
