package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// MySQLStore is a MySQL-backed Store.
//
// Designed for production deployments where several worker processes share
// one queue. Job claiming uses SELECT ... FOR UPDATE SKIP LOCKED so
// concurrent claimers never block on or double-claim the same row; the
// invariants that SQLite gets from its single write connection are enforced
// here with row locks and unique keys.
//
// Requires MySQL 8.0 or newer (SKIP LOCKED, descending indexes, generated
// columns).
type MySQLStore struct {
	db     *sqlx.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects to MySQL using a go-sql-driver DSN, e.g.
//
//	user:pass@tcp(localhost:3306)/agentflow
//
// The DSN is normalized to parse DATETIME columns into time.Time values in
// UTC regardless of what the caller supplied. Credentials belong in the
// environment, never in source.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MySQL DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the schema if it does not exist.
//
// The uq_jobs_queued_resume key works through a generated column that holds
// the workflow id only while the job is a queued resume; NULLs never collide,
// so the unique key enforces at most one queued resume per workflow without
// a read-check race. uq_checkpoints_parent plays the same role for the
// checkpoint chain as in the SQLite schema.
func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(36) PRIMARY KEY,
			project_id VARCHAR(191) NOT NULL DEFAULT 'default',
			thread_id VARCHAR(191) NOT NULL,
			version INT NOT NULL DEFAULT 1,
			original_prompt TEXT NOT NULL,
			status VARCHAR(32) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			UNIQUE KEY uq_workflows_thread (thread_id),
			INDEX idx_workflows_project_status (project_id, status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id VARCHAR(36) PRIMARY KEY,
			workflow_id VARCHAR(36) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			status VARCHAR(32) NOT NULL,
			payload JSON NOT NULL,
			worker_id VARCHAR(191) NOT NULL DEFAULT '',
			lease_expires_at DATETIME(6) NULL,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 3,
			next_run_at DATETIME(6) NOT NULL,
			error_message TEXT NOT NULL,
			created_at DATETIME(6) NOT NULL,
			started_at DATETIME(6) NULL,
			completed_at DATETIME(6) NULL,
			queued_resume_ref VARCHAR(36) GENERATED ALWAYS AS (
				CASE WHEN kind = 'resume' AND status = 'queued' THEN workflow_id ELSE NULL END
			) STORED,
			INDEX idx_jobs_claim (status, priority DESC, created_at ASC),
			INDEX idx_jobs_lease (status, lease_expires_at),
			INDEX idx_jobs_workflow (workflow_id),
			UNIQUE KEY uq_jobs_queued_resume (queued_resume_ref),
			CONSTRAINT fk_jobs_workflow FOREIGN KEY (workflow_id)
				REFERENCES workflows(id) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id VARCHAR(191) NOT NULL,
			namespace VARCHAR(64) NOT NULL DEFAULT '',
			checkpoint_id CHAR(26) NOT NULL,
			parent_checkpoint_id VARCHAR(26) NOT NULL DEFAULT '',
			state JSON NOT NULL,
			metadata JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			PRIMARY KEY (thread_id, namespace, checkpoint_id),
			UNIQUE KEY uq_checkpoints_parent (thread_id, namespace, parent_checkpoint_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

		`CREATE TABLE IF NOT EXISTS events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			workflow_id VARCHAR(36) NOT NULL,
			kind VARCHAR(64) NOT NULL,
			payload JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_events_workflow (workflow_id, id),
			INDEX idx_events_created (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			id VARCHAR(36) PRIMARY KEY,
			workflow_id VARCHAR(36) NOT NULL,
			kind VARCHAR(64) NOT NULL,
			uri TEXT NOT NULL,
			content_hash VARCHAR(128) NOT NULL DEFAULT '',
			size_bytes BIGINT NOT NULL DEFAULT 0,
			metadata JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_artifacts_workflow (workflow_id),
			CONSTRAINT fk_artifacts_workflow FOREIGN KEY (workflow_id)
				REFERENCES workflows(id) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (s *MySQLStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// isDupKey reports whether err is a MySQL duplicate-entry error for the
// named unique key.
func isDupKey(err error, key string) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == 1062 && strings.Contains(myErr.Message, key)
}

// MySQL rows scan DATETIME(6) straight into time values thanks to the
// parseTime DSN flag forced in the constructor.

type myWorkflowRow struct {
	ID             string    `db:"id"`
	ProjectID      string    `db:"project_id"`
	ThreadID       string    `db:"thread_id"`
	Version        int       `db:"version"`
	OriginalPrompt string    `db:"original_prompt"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r myWorkflowRow) toWorkflow() *Workflow {
	return &Workflow{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		ThreadID:       r.ThreadID,
		Version:        r.Version,
		OriginalPrompt: r.OriginalPrompt,
		Status:         WorkflowStatus(r.Status),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

type myJobRow struct {
	ID             string         `db:"id"`
	WorkflowID     string         `db:"workflow_id"`
	Kind           string         `db:"kind"`
	Priority       int            `db:"priority"`
	Status         string         `db:"status"`
	Payload        string         `db:"payload"`
	WorkerID       string         `db:"worker_id"`
	LeaseExpiresAt sql.NullTime   `db:"lease_expires_at"`
	RetryCount     int            `db:"retry_count"`
	MaxRetries     int            `db:"max_retries"`
	NextRunAt      time.Time      `db:"next_run_at"`
	ErrorMessage   string         `db:"error_message"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	QueuedRef      sql.NullString `db:"queued_resume_ref"`
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func (r myJobRow) toJob() (*Job, error) {
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
		LeaseExpiresAt: nullTimePtr(r.LeaseExpiresAt),
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		NextRunAt:      r.NextRunAt.UTC(),
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      r.CreatedAt.UTC(),
		StartedAt:      nullTimePtr(r.StartedAt),
		CompletedAt:    nullTimePtr(r.CompletedAt),
	}, nil
}

type myCheckpointRow struct {
	ThreadID  string    `db:"thread_id"`
	Namespace string    `db:"namespace"`
	ID        string    `db:"checkpoint_id"`
	ParentID  string    `db:"parent_checkpoint_id"`
	State     string    `db:"state"`
	Metadata  string    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

func (r myCheckpointRow) toCheckpoint() (*Checkpoint, error) {
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
		CreatedAt: r.CreatedAt.UTC(),
	}, nil
}

// inTx runs fn inside a transaction, committing on nil error.
func (s *MySQLStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateWorkflow implements Workflows.
func (s *MySQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if err := s.guard(); err != nil {
		return err
	}
	fillWorkflowDefaults(wf)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, project_id, thread_id, version, original_prompt, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.ProjectID, wf.ThreadID, wf.Version, wf.OriginalPrompt, string(wf.Status),
		wf.CreatedAt, wf.UpdatedAt,
	)
	if isDupKey(err, "uq_workflows_thread") {
		return ErrDuplicateThread
	}
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow implements Workflows.
func (s *MySQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var row myWorkflowRow
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
func (s *MySQLStore) GetWorkflowByThread(ctx context.Context, threadID string) (*Workflow, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var row myWorkflowRow
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
func (s *MySQLStore) UpdateWorkflowStatus(ctx context.Context, id string, status WorkflowStatus) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET status = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
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
func (s *MySQLStore) ListWorkflowsByStatus(ctx context.Context, status WorkflowStatus, limit int) ([]Workflow, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `SELECT * FROM workflows WHERE status = ? ORDER BY created_at ASC, id ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []myWorkflowRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	out := make([]Workflow, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toWorkflow())
	}
	return out, nil
}

// EnqueueJob implements Jobs.
func (s *MySQLStore) EnqueueJob(ctx context.Context, job *Job) error {
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
		job.RetryCount, job.MaxRetries, job.NextRunAt, job.CreatedAt,
	)
	if isDupKey(err, "uq_jobs_queued_resume") {
		return ErrResumeQueued
	}
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// ClaimJob implements Jobs.
//
// SKIP LOCKED makes concurrent claimers pass over rows another transaction
// already locked, so each claimer gets a distinct job or none.
func (s *MySQLStore) ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var claimed *Job

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row myJobRow
		err := tx.GetContext(ctx, &row, `
			SELECT * FROM jobs
			WHERE status = 'queued' AND next_run_at <= ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, now,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoJobs
		}
		if err != nil {
			return fmt.Errorf("failed to select claimable job: %w", err)
		}

		expires := now.Add(lease)
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'running', worker_id = ?, lease_expires_at = ?,
				started_at = COALESCE(started_at, ?)
			WHERE id = ?`,
			workerID, expires, now, row.ID,
		); err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}

		row.Status = string(JobRunning)
		row.WorkerID = workerID
		row.LeaseExpiresAt = sql.NullTime{Time: expires, Valid: true}
		if !row.StartedAt.Valid {
			row.StartedAt = sql.NullTime{Time: now, Valid: true}
		}
		claimed, err = row.toJob()
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// lockJob loads a job row inside tx with a row lock.
func lockJob(ctx context.Context, tx *sqlx.Tx, jobID string) (*Job, error) {
	var row myJobRow
	err := tx.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = ? FOR UPDATE`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}
	return row.toJob()
}

// RenewJobLease implements Jobs.
func (s *MySQLStore) RenewJobLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
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
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET lease_expires_at = ? WHERE id = ?`, now.Add(lease), jobID)
		if err != nil {
			return fmt.Errorf("failed to renew lease: %w", err)
		}
		return nil
	})
}

// CompleteJob implements Jobs.
func (s *MySQLStore) CompleteJob(ctx context.Context, jobID, workerID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status == JobCompleted && job.WorkerID == workerID {
			return nil // idempotent for the owner
		}
		if job.Status != JobRunning || job.WorkerID != workerID {
			return ErrNotOwner
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'completed', completed_at = ?, lease_expires_at = NULL
			WHERE id = ?`, time.Now().UTC(), jobID)
		if err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
		return nil
	})
}

// FailJob implements Jobs.
func (s *MySQLStore) FailJob(ctx context.Context, jobID, workerID, errMsg string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	var requeued bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != JobRunning || job.WorkerID != workerID {
			return ErrNotOwner
		}
		requeued, err = failJobTx(ctx, tx, job, errMsg)
		return err
	})
	if err != nil {
		return false, err
	}
	return requeued, nil
}

// failJobTx applies the retry-or-terminal transition to a locked running job.
func failJobTx(ctx context.Context, tx *sqlx.Tx, job *Job, errMsg string) (bool, error) {
	now := time.Now().UTC()
	if job.RetryCount < job.MaxRetries {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'queued', retry_count = retry_count + 1,
				next_run_at = ?, worker_id = '', lease_expires_at = NULL, error_message = ?
			WHERE id = ?`,
			now.Add(RetryBackoff(job.RetryCount)), errMsg, job.ID,
		)
		if err != nil {
			return false, fmt.Errorf("failed to requeue job: %w", err)
		}
		return true, nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', completed_at = ?, worker_id = '',
			lease_expires_at = NULL, error_message = ?
		WHERE id = ?`, now, errMsg, job.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job failed: %w", err)
	}
	return false, nil
}

// ReclaimExpiredJobs implements Jobs.
func (s *MySQLStore) ReclaimExpiredJobs(ctx context.Context) ([]Job, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var reclaimed []Job

	// Each expired job is transitioned in its own transaction; SKIP LOCKED
	// keeps concurrent reclaimers from fighting over the same rows.
	for {
		var done bool
		err := s.inTx(ctx, func(tx *sqlx.Tx) error {
			var row myJobRow
			err := tx.GetContext(ctx, &row, `
				SELECT * FROM jobs
				WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
				ORDER BY id ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED`, now,
			)
			if errors.Is(err, sql.ErrNoRows) {
				done = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to select expired job: %w", err)
			}
			job, err := row.toJob()
			if err != nil {
				return err
			}
			if _, err := failJobTx(ctx, tx, job, "lease expired"); err != nil {
				return err
			}
			after, err := lockJob(ctx, tx, job.ID)
			if err != nil {
				return err
			}
			reclaimed = append(reclaimed, *after)
			return nil
		})
		if err != nil {
			return reclaimed, err
		}
		if done {
			return reclaimed, nil
		}
	}
}

// GetJob implements Jobs.
func (s *MySQLStore) GetJob(ctx context.Context, id string) (*Job, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var row myJobRow
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
func (s *MySQLStore) QueuedResumeJob(ctx context.Context, workflowID string) (*Job, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var row myJobRow
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
func (s *MySQLStore) CountJobs(ctx context.Context, status JobStatus) (int, error) {
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
// The tip row is locked for the duration of the transaction, so two engine
// steps on the same thread serialize here; a writer racing from a stale read
// trips uq_checkpoints_parent instead.
func (s *MySQLStore) PutCheckpoint(ctx context.Context, cp *Checkpoint) (string, error) {
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

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		tip := ""
		var tipRow myCheckpointRow
		err := tx.GetContext(ctx, &tipRow, `
			SELECT * FROM checkpoints WHERE thread_id = ? AND namespace = ?
			ORDER BY checkpoint_id DESC LIMIT 1
			FOR UPDATE`, cp.ThreadID, cp.Namespace,
		)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to load checkpoint tip: %w", err)
		default:
			tip = tipRow.ID
		}
		if cp.ParentID != tip {
			return ErrStaleParent
		}

		now := time.Now().UTC()
		cp.ID = nextCheckpointID(now, tip)
		cp.CreatedAt = now

		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkpoints (thread_id, namespace, checkpoint_id, parent_checkpoint_id, state, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cp.ThreadID, cp.Namespace, cp.ID, cp.ParentID, state, meta, now,
		)
		if isDupKey(err, "uq_checkpoints_parent") {
			return ErrStaleParent
		}
		if err != nil {
			return fmt.Errorf("failed to insert checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return cp.ID, nil
}

// LatestCheckpoint implements Checkpoints.
func (s *MySQLStore) LatestCheckpoint(ctx context.Context, threadID, namespace string) (*Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var row myCheckpointRow
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
func (s *MySQLStore) WalkCheckpoints(ctx context.Context, threadID, namespace string) ([]Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var rows []myCheckpointRow
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
func (s *MySQLStore) PruneCheckpoints(ctx context.Context, threadID, namespace string, keepLast int) (int, error) {
	if keepLast <= 0 {
		return 0, ErrInvalidKeep
	}
	if err := s.guard(); err != nil {
		return 0, err
	}
	// MySQL cannot delete from a table it subqueries, so the keep set goes
	// through a derived table.
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE thread_id = ? AND namespace = ? AND checkpoint_id NOT IN (
			SELECT checkpoint_id FROM (
				SELECT checkpoint_id FROM checkpoints
				WHERE thread_id = ? AND namespace = ?
				ORDER BY checkpoint_id DESC LIMIT ?
			) keep
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
func (s *MySQLStore) AppendEvent(ctx context.Context, e *Event) error {
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
		e.WorkflowID, e.Kind, payload, e.CreatedAt,
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
func (s *MySQLStore) ListEvents(ctx context.Context, workflowID string, limit int) ([]Event, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `SELECT id, workflow_id, kind, payload, created_at FROM events
		WHERE workflow_id = ? ORDER BY id ASC`
	args := []any{workflowID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	type row struct {
		ID         int64     `db:"id"`
		WorkflowID string    `db:"workflow_id"`
		Kind       string    `db:"kind"`
		Payload    string    `db:"payload"`
		CreatedAt  time.Time `db:"created_at"`
	}
	var rows []row
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
			CreatedAt:  r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

// AddArtifact implements Artifacts.
func (s *MySQLStore) AddArtifact(ctx context.Context, a *Artifact) error {
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
		a.ID, a.WorkflowID, a.Kind, a.URI, a.ContentHash, a.SizeBytes, meta, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts implements Artifacts.
func (s *MySQLStore) ListArtifacts(ctx context.Context, workflowID string) ([]Artifact, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	type row struct {
		ID          string    `db:"id"`
		WorkflowID  string    `db:"workflow_id"`
		Kind        string    `db:"kind"`
		URI         string    `db:"uri"`
		ContentHash string    `db:"content_hash"`
		SizeBytes   int64     `db:"size_bytes"`
		Metadata    string    `db:"metadata"`
		CreatedAt   time.Time `db:"created_at"`
	}
	var rows []row
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
			CreatedAt:   r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

// Ping implements Store.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close implements Store. Safe to call more than once.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
