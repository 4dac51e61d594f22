package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store.
//
// It keeps the whole system state (workflows, jobs, checkpoints, events,
// artifacts) in a single-file database. Designed for:
//   - development and testing with zero setup
//   - single-process deployments where the worker pool and the HTTP
//     surface share one binary
//
// The connection pool is limited to a single connection because SQLite
// allows one writer at a time; that single connection also serializes the
// claim and checkpoint transactions, so the compare-and-set updates below
// are race-free within and across processes sharing the file.
//
// Timestamps are stored as integer Unix microseconds (UTC) so that ordering
// and lease comparisons happen in SQL without string-format pitfalls.
type SQLiteStore struct {
	db     *sqlx.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("store is closed")

// NewSQLiteStore opens (or creates) the database at path and prepares the
// schema. Use ":memory:" for an in-memory database in tests.
//
// WAL mode is enabled so readers do not block the writer, and a busy
// timeout makes concurrent openers wait for locks instead of failing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// One writer at a time; the shared connection doubles as the
	// serialization point for claims and checkpoint puts.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the schema if it does not exist.
//
// The unique index on checkpoints(thread_id, namespace, parent_checkpoint_id)
// is what enforces the single-chain invariant: two writers parented on the
// same tip cannot both insert, so the loser surfaces as ErrStaleParent even
// when another process slipped in between the read and the write.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT 'default',
			thread_id TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			original_prompt TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_workflows_thread ON workflows(thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_project_status ON workflows(project_id, status)`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			worker_id TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			next_run_at INTEGER NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim
			ON jobs(priority DESC, created_at ASC) WHERE status = 'queued'`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_lease
			ON jobs(lease_expires_at) WHERE status = 'running'`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_workflow ON jobs(workflow_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_jobs_queued_resume
			ON jobs(workflow_id) WHERE kind = 'resume' AND status = 'queued'`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			namespace TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '{}',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (thread_id, namespace, checkpoint_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_checkpoints_parent
			ON checkpoints(thread_id, namespace, parent_checkpoint_id)`,

		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_workflow ON events(workflow_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at)`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			uri TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_workflow ON artifacts(workflow_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i > 0 {
		return stmt[:i]
	}
	return stmt
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// micros converts a time to stored microseconds.
func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

// fromMicros converts stored microseconds back to a UTC time.
func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

func fromMicrosPtr(us *int64) *time.Time {
	if us == nil {
		return nil
	}
	t := fromMicros(*us)
	return &t
}

func microsPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	us := micros(*t)
	return &us
}

func marshalDoc(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}
	return string(b), nil
}

func unmarshalDoc(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return m, nil
}

// Row mirrors for scanning. Timestamps travel as microseconds.

type workflowRow struct {
	ID             string `db:"id"`
	ProjectID      string `db:"project_id"`
	ThreadID       string `db:"thread_id"`
	Version        int    `db:"version"`
	OriginalPrompt string `db:"original_prompt"`
	Status         string `db:"status"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r workflowRow) toWorkflow() *Workflow {
	return &Workflow{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		ThreadID:       r.ThreadID,
		Version:        r.Version,
		OriginalPrompt: r.OriginalPrompt,
		Status:         WorkflowStatus(r.Status),
		CreatedAt:      fromMicros(r.CreatedAt),
		UpdatedAt:      fromMicros(r.UpdatedAt),
	}
}

type jobRow struct {
	ID             string `db:"id"`
	WorkflowID     string `db:"workflow_id"`
	Kind           string `db:"kind"`
	Priority       int    `db:"priority"`
	Status         string `db:"status"`
	Payload        string `db:"payload"`
	WorkerID       string `db:"worker_id"`
	LeaseExpiresAt *int64 `db:"lease_expires_at"`
	RetryCount     int    `db:"retry_count"`
	MaxRetries     int    `db:"max_retries"`
	NextRunAt      int64  `db:"next_run_at"`
	ErrorMessage   string `db:"error_message"`
	CreatedAt      int64  `db:"created_at"`
	StartedAt      *int64 `db:"started_at"`
	CompletedAt    *int64 `db:"completed_at"`
}

func (r jobRow) toJob() (*Job, error) {
	payload, err := unmarshalDoc(r.Payload)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:             r.ID,
		WorkflowID:     r.WorkflowID,
		Kind:           JobKind(r.Kind),
		Priority:       r.Priority,
		Status:         JobStatus(r.Status),
		Payload:        payload,
		WorkerID:       r.WorkerID,
		LeaseExpiresAt: fromMicrosPtr(r.LeaseExpiresAt),
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		NextRunAt:      fromMicros(r.NextRunAt),
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      fromMicros(r.CreatedAt),
		StartedAt:      fromMicrosPtr(r.StartedAt),
		CompletedAt:    fromMicrosPtr(r.CompletedAt),
	}, nil
}

type checkpointRow struct {
	ThreadID  string `db:"thread_id"`
	Namespace string `db:"namespace"`
	ID        string `db:"checkpoint_id"`
	ParentID  string `db:"parent_checkpoint_id"`
	State     string `db:"state"`
	Metadata  string `db:"metadata"`
	CreatedAt int64  `db:"created_at"`
}

func (r checkpointRow) toCheckpoint() (*Checkpoint, error) {
	state, err := unmarshalDoc(r.State)
	if err != nil {
		return nil, err
	}
	meta, err := unmarshalDoc(r.Metadata)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		ThreadID:  r.ThreadID,
		Namespace: r.Namespace,
		ID:        r.ID,
		ParentID:  r.ParentID,
		State:     state,
		Metadata:  meta,
		CreatedAt: fromMicros(r.CreatedAt),
	}, nil
}

type eventRow struct {
	ID         int64  `db:"id"`
	WorkflowID string `db:"workflow_id"`
	Kind       string `db:"kind"`
	Payload    string `db:"payload"`
	CreatedAt  int64  `db:"created_at"`
}

type artifactRow struct {
	ID          string `db:"id"`
	WorkflowID  string `db:"workflow_id"`
	Kind        string `db:"kind"`
	URI         string `db:"uri"`
	ContentHash string `db:"content_hash"`
	SizeBytes   int64  `db:"size_bytes"`
	Metadata    string `db:"metadata"`
	CreatedAt   int64  `db:"created_at"`
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error
// matching any of the hints. SQLite names plain unique indexes by their
// column list and partial indexes by the index name, so callers pass both.
func isUniqueViolation(err error, hints ...string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return false
	}
	for _, h := range hints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}

// CreateWorkflow implements Workflows.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if err := s.guard(); err != nil {
		return err
	}
	fillWorkflowDefaults(wf)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, project_id, thread_id, version, original_prompt, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.ProjectID, wf.ThreadID, wf.Version, wf.OriginalPrompt, string(wf.Status),
		micros(wf.CreatedAt), micros(wf.UpdatedAt),
	)
	if isUniqueViolation(err, "workflows.thread_id", "uq_workflows_thread") {
		return ErrDuplicateThread
	}
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow implements Workflows.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var row workflowRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM workflows WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	return row.toWorkflow(), nil
}

// GetWorkflowByThread implements Workflows.
func (s *SQLiteStore) GetWorkflowByThread(ctx context.Context, threadID string) (*Workflow, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var row workflowRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM workflows WHERE thread_id = ?`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow by thread: %w", err)
	}
	return row.toWorkflow(), nil
}

// UpdateWorkflowStatus implements Workflows.
func (s *SQLiteStore) UpdateWorkflowStatus(ctx context.Context, id string, status WorkflowStatus) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET status = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		string(status), micros(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWorkflowsByStatus implements Workflows.
func (s *SQLiteStore) ListWorkflowsByStatus(ctx context.Context, status WorkflowStatus, limit int) ([]Workflow, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `SELECT * FROM workflows WHERE status = ? ORDER BY created_at ASC, id ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []workflowRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	out := make([]Workflow, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toWorkflow())
	}
	return out, nil
}

// EnqueueJob implements Jobs. The partial unique index on queued resume jobs
// turns the at-most-one-resume invariant into a constraint violation instead
// of a racy check.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *Job) error {
	if err := s.guard(); err != nil {
		return err
	}
	fillJobDefaults(job)
	payload, err := marshalDoc(job.Payload)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, workflow_id, kind, priority, status, payload, worker_id,
			lease_expires_at, retry_count, max_retries, next_run_at, error_message,
			created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, '', NULL, ?, ?, ?, '', ?, NULL, NULL)`,
		job.ID, job.WorkflowID, string(job.Kind), job.Priority, string(job.Status), payload,
		job.RetryCount, job.MaxRetries, micros(job.NextRunAt), micros(job.CreatedAt),
	)
	if isUniqueViolation(err, "jobs.workflow_id", "uq_jobs_queued_resume") {
		return ErrResumeQueued
	}
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// ClaimJob implements Jobs.
//
// The claim is a read-then-CAS inside one transaction: pick the best
// eligible row, then update it only if it is still queued. SQLite has no
// SKIP LOCKED, but the single-connection pool plus the conditional UPDATE
// give the same guarantee; if the row was taken by another process sharing
// the file, the update affects zero rows and the next candidate is tried.
func (s *SQLiteStore) ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	for {
		var row jobRow
		err := s.db.GetContext(ctx, &row, `
			SELECT * FROM jobs
			WHERE status = 'queued' AND next_run_at <= ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1`, micros(now),
		)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJobs
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select claimable job: %w", err)
		}

		expires := now.Add(lease)
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'running', worker_id = ?, lease_expires_at = ?,
				started_at = COALESCE(started_at, ?)
			WHERE id = ? AND status = 'queued'`,
			workerID, micros(expires), micros(now), row.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			// Lost the race to another claimer; try the next candidate.
			continue
		}
		return s.GetJob(ctx, row.ID)
	}
}

// RenewJobLease implements Jobs.
func (s *SQLiteStore) RenewJobLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	if err := s.guard(); err != nil {
		return err
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobRunning || job.WorkerID != workerID {
		return ErrNotOwner
	}
	now := time.Now().UTC()
	if job.LeaseExpiresAt == nil || job.LeaseExpiresAt.Before(now) {
		return ErrLeaseExpired
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?
		WHERE id = ? AND status = 'running' AND worker_id = ? AND lease_expires_at >= ?`,
		micros(now.Add(lease)), jobID, workerID, micros(now),
	)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseExpired
	}
	return nil
}

// CompleteJob implements Jobs.
func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID, workerID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == JobCompleted && job.WorkerID == workerID {
		return nil // idempotent for the owner
	}
	if job.Status != JobRunning || job.WorkerID != workerID {
		return ErrNotOwner
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', completed_at = ?, lease_expires_at = NULL
		WHERE id = ? AND status = 'running' AND worker_id = ?`,
		micros(time.Now()), jobID, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotOwner
	}
	return nil
}

// FailJob implements Jobs.
func (s *SQLiteStore) FailJob(ctx context.Context, jobID, workerID, errMsg string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != JobRunning || job.WorkerID != workerID {
		return false, ErrNotOwner
	}
	return s.failJob(ctx, job, errMsg)
}

// failJob applies the retry-or-terminal transition to a job known to be
// running. The status guard in the UPDATE keeps it safe against concurrent
// transitions from other processes.
func (s *SQLiteStore) failJob(ctx context.Context, job *Job, errMsg string) (bool, error) {
	now := time.Now().UTC()
	if job.RetryCount < job.MaxRetries {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'queued', retry_count = retry_count + 1,
				next_run_at = ?, worker_id = '', lease_expires_at = NULL, error_message = ?
			WHERE id = ? AND status = 'running'`,
			micros(now.Add(RetryBackoff(job.RetryCount))), errMsg, job.ID,
		)
		if err != nil {
			return false, fmt.Errorf("failed to requeue job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, ErrNotOwner
		}
		return true, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', completed_at = ?, worker_id = '',
			lease_expires_at = NULL, error_message = ?
		WHERE id = ? AND status = 'running'`,
		micros(now), errMsg, job.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrNotOwner
	}
	return false, nil
}

// ReclaimExpiredJobs implements Jobs.
func (s *SQLiteStore) ReclaimExpiredJobs(ctx context.Context) ([]Job, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM jobs
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		ORDER BY id ASC`, micros(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired jobs: %w", err)
	}

	var reclaimed []Job
	for _, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return reclaimed, err
		}
		if _, err := s.failJob(ctx, job, "lease expired"); err != nil {
			if errors.Is(err, ErrNotOwner) {
				continue // already transitioned elsewhere
			}
			return reclaimed, err
		}
		after, err := s.GetJob(ctx, job.ID)
		if err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, *after)
	}
	return reclaimed, nil
}

// GetJob implements Jobs.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return row.toJob()
}

// QueuedResumeJob implements Jobs.
func (s *SQLiteStore) QueuedResumeJob(ctx context.Context, workflowID string) (*Job, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM jobs WHERE workflow_id = ? AND kind = 'resume' AND status = 'queued'
		LIMIT 1`, workflowID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load resume job: %w", err)
	}
	return row.toJob()
}

// CountJobs implements Jobs.
func (s *SQLiteStore) CountJobs(ctx context.Context, status JobStatus) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM jobs WHERE status = ?`, string(status)); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// PutCheckpoint implements Checkpoints.
//
// The parent check happens twice: once against the freshly-read tip for a
// clear error, and structurally via the unique parent index for writers
// racing from another process.
func (s *SQLiteStore) PutCheckpoint(ctx context.Context, cp *Checkpoint) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	state, err := marshalDoc(cp.State)
	if err != nil {
		return "", err
	}
	meta, err := marshalDoc(cp.Metadata)
	if err != nil {
		return "", err
	}

	tip := ""
	var tipRow checkpointRow
	err = s.db.GetContext(ctx, &tipRow, `
		SELECT * FROM checkpoints WHERE thread_id = ? AND namespace = ?
		ORDER BY checkpoint_id DESC LIMIT 1`, cp.ThreadID, cp.Namespace,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return "", fmt.Errorf("failed to load checkpoint tip: %w", err)
	default:
		tip = tipRow.ID
	}
	if cp.ParentID != tip {
		return "", ErrStaleParent
	}

	now := time.Now().UTC()
	cp.ID = nextCheckpointID(now, tip)
	cp.CreatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, namespace, checkpoint_id, parent_checkpoint_id, state, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ThreadID, cp.Namespace, cp.ID, cp.ParentID, state, meta, micros(now),
	)
	if isUniqueViolation(err, "checkpoints.parent_checkpoint_id", "uq_checkpoints_parent") {
		return "", ErrStaleParent
	}
	if err != nil {
		return "", fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return cp.ID, nil
}

// LatestCheckpoint implements Checkpoints.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, threadID, namespace string) (*Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var row checkpointRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM checkpoints WHERE thread_id = ? AND namespace = ?
		ORDER BY checkpoint_id DESC LIMIT 1`, threadID, namespace,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return row.toCheckpoint()
}

// WalkCheckpoints implements Checkpoints.
func (s *SQLiteStore) WalkCheckpoints(ctx context.Context, threadID, namespace string) ([]Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var rows []checkpointRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM checkpoints WHERE thread_id = ? AND namespace = ?
		ORDER BY checkpoint_id ASC`, threadID, namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to walk checkpoints: %w", err)
	}
	out := make([]Checkpoint, 0, len(rows))
	for _, r := range rows {
		cp, err := r.toCheckpoint()
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, nil
}

// PruneCheckpoints implements Checkpoints.
func (s *SQLiteStore) PruneCheckpoints(ctx context.Context, threadID, namespace string, keepLast int) (int, error) {
	if keepLast <= 0 {
		return 0, ErrInvalidKeep
	}
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE thread_id = ? AND namespace = ? AND checkpoint_id NOT IN (
			SELECT checkpoint_id FROM checkpoints
			WHERE thread_id = ? AND namespace = ?
			ORDER BY checkpoint_id DESC LIMIT ?
		)`, threadID, namespace, threadID, namespace, keepLast,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// AppendEvent implements Events.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *Event) error {
	if err := s.guard(); err != nil {
		return err
	}
	payload, err := marshalDoc(e.Payload)
	if err != nil {
		return err
	}
	e.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (workflow_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		e.WorkflowID, e.Kind, payload, micros(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	e.ID = id
	return nil
}

// ListEvents implements Events.
func (s *SQLiteStore) ListEvents(ctx context.Context, workflowID string, limit int) ([]Event, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `SELECT * FROM events WHERE workflow_id = ? ORDER BY id ASC`
	args := []any{workflowID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		payload, err := unmarshalDoc(r.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, Event{
			ID:         r.ID,
			WorkflowID: r.WorkflowID,
			Kind:       r.Kind,
			Payload:    payload,
			CreatedAt:  fromMicros(r.CreatedAt),
		})
	}
	return out, nil
}

// AddArtifact implements Artifacts.
func (s *SQLiteStore) AddArtifact(ctx context.Context, a *Artifact) error {
	if err := s.guard(); err != nil {
		return err
	}
	fillArtifactDefaults(a)
	meta, err := marshalDoc(a.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, workflow_id, kind, uri, content_hash, size_bytes, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkflowID, a.Kind, a.URI, a.ContentHash, a.SizeBytes, meta, micros(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts implements Artifacts.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, workflowID string) ([]Artifact, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var rows []artifactRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM artifacts WHERE workflow_id = ? ORDER BY created_at ASC, id ASC`, workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	out := make([]Artifact, 0, len(rows))
	for _, r := range rows {
		meta, err := unmarshalDoc(r.Metadata)
		if err != nil {
			return nil, err
		}
		out = append(out, Artifact{
			ID:          r.ID,
			WorkflowID:  r.WorkflowID,
			Kind:        r.Kind,
			URI:         r.URI,
			ContentHash: r.ContentHash,
			SizeBytes:   r.SizeBytes,
			Metadata:    meta,
			CreatedAt:   fromMicros(r.CreatedAt),
		})
	}
	return out, nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close implements Store. Safe to call more than once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
