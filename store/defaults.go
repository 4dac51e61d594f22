package store

import (
	"time"

	"github.com/google/uuid"
)

// fillWorkflowDefaults assigns ids, the initial status and timestamps to a
// workflow about to be inserted. Mutates wf so callers see the final values.
func fillWorkflowDefaults(wf *Workflow) {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.ThreadID == "" {
		wf.ThreadID = uuid.NewString()
	}
	if wf.ProjectID == "" {
		wf.ProjectID = "default"
	}
	if wf.Status == "" {
		wf.Status = WorkflowActive
	}
	wf.Version = 1
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
}

// fillJobDefaults assigns ids, queue status, retry budget and run-at time to
// a job about to be inserted.
func fillJobDefaults(job *Job) {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobQueued
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = DefaultMaxRetries
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	job.CreatedAt = now
}

// fillArtifactDefaults assigns an id and creation time to an artifact.
func fillArtifactDefaults(a *Artifact) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
}
