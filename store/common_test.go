package store_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/deepak-karkala/agentflow/store"
)

// backends lists the Store implementations every conformance test runs
// against. MySQL participates only when AGENTFLOW_MYSQL_TEST_DSN is set, and
// its tables are dropped first so runs do not contaminate each other.
func backends(t *testing.T) []struct {
	name string
	make func(t *testing.T) store.Store
} {
	t.Helper()
	return []struct {
		name string
		make func(t *testing.T) store.Store
	}{
		{
			name: "MemStore",
			make: func(t *testing.T) store.Store {
				return store.NewMemStore()
			},
		},
		{
			name: "SQLiteStore",
			make: func(t *testing.T) store.Store {
				dbPath := filepath.Join(t.TempDir(), "test.db")
				st, err := store.NewSQLiteStore(dbPath)
				if err != nil {
					t.Fatalf("failed to create SQLiteStore: %v", err)
				}
				t.Cleanup(func() { st.Close() })
				return st
			},
		},
		{
			name: "MySQLStore",
			make: func(t *testing.T) store.Store {
				dsn := os.Getenv("AGENTFLOW_MYSQL_TEST_DSN")
				if dsn == "" {
					t.Skip("skipping MySQL test: AGENTFLOW_MYSQL_TEST_DSN not set")
				}
				dropMySQLTables(t, dsn)
				st, err := store.NewMySQLStore(dsn)
				if err != nil {
					t.Fatalf("failed to create MySQLStore: %v", err)
				}
				t.Cleanup(func() { st.Close() })
				return st
			},
		},
	}
}

func dropMySQLTables(t *testing.T, dsn string) {
	t.Helper()
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("failed to open MySQL for cleanup: %v", err)
	}
	defer db.Close()
	// Children before parents because of the foreign keys.
	for _, table := range []string{"artifacts", "events", "checkpoints", "jobs", "workflows"} {
		if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			t.Fatalf("failed to drop %s: %v", table, err)
		}
	}
}

func mustCreateWorkflow(t *testing.T, st store.Store, prompt string) *store.Workflow {
	t.Helper()
	wf := &store.Workflow{OriginalPrompt: prompt}
	if err := st.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("failed to create workflow: %v", err)
	}
	return wf
}

func TestWorkflowLifecycle(t *testing.T) {
	for _, backend := range backends(t) {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			st := backend.make(t)

			wf := mustCreateWorkflow(t, st, "build an intake pipeline")
			if wf.ID == "" || wf.ThreadID == "" {
				t.Fatalf("expected generated ids, got id=%q thread=%q", wf.ID, wf.ThreadID)
			}
			if wf.Status != store.WorkflowActive {
				t.Errorf("expected initial status %q, got %q", store.WorkflowActive, wf.Status)
			}
			if wf.Version != 1 {
				t.Errorf("expected version 1, got %d", wf.Version)
			}

			loaded, err := st.GetWorkflow(ctx, wf.ID)
			if err != nil {
				t.Fatalf("failed to load workflow: %v", err)
			}
			if loaded.OriginalPrompt != wf.OriginalPrompt {
				t.Errorf("prompt mismatch: got %q, want %q", loaded.OriginalPrompt, wf.OriginalPrompt)
			}

			byThread, err := st.GetWorkflowByThread(ctx, wf.ThreadID)
			if err != nil {
				t.Fatalf("failed to load workflow by thread: %v", err)
			}
			if byThread.ID != wf.ID {
				t.Errorf("thread lookup returned %q, want %q", byThread.ID, wf.ID)
			}

			dup := &store.Workflow{ThreadID: wf.ThreadID}
			if err := st.CreateWorkflow(ctx, dup); !errors.Is(err, store.ErrDuplicateThread) {
				t.Errorf("expected ErrDuplicateThread, got %v", err)
			}

			if err := st.UpdateWorkflowStatus(ctx, wf.ID, store.WorkflowAwaitingHuman); err != nil {
				t.Fatalf("failed to update status: %v", err)
			}
			updated, err := st.GetWorkflow(ctx, wf.ID)
			if err != nil {
				t.Fatalf("failed to reload workflow: %v", err)
			}
			if updated.Status != store.WorkflowAwaitingHuman {
				t.Errorf("expected status %q, got %q", store.WorkflowAwaitingHuman, updated.Status)
			}
			if updated.Version != 2 {
				t.Errorf("expected version bump to 2, got %d", updated.Version)
			}

			waiting, err := st.ListWorkflowsByStatus(ctx, store.WorkflowAwaitingHuman, 10)
			if err != nil {
				t.Fatalf("failed to list workflows: %v", err)
			}
			if len(waiting) != 1 || waiting[0].ID != wf.ID {
				t.Errorf("expected the one paused workflow, got %+v", waiting)
			}

			if _, err := st.GetWorkflow(ctx, "no-such-id"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
			if err := st.UpdateWorkflowStatus(ctx, "no-such-id", store.WorkflowFailed); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("expected ErrNotFound on status update, got %v", err)
			}
		})
	}
}

func TestJobClaimOrdering(t *testing.T) {
	for _, backend := range backends(t) {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			st := backend.make(t)
			wf := mustCreateWorkflow(t, st, "ordering")

			// Highest priority first, FIFO within a priority.
			low1 := &store.Job{WorkflowID: wf.ID, Kind: store.JobKindWorkflow, Priority: 0}
			high := &store.Job{WorkflowID: wf.ID, Kind: store.JobKindWorkflow, Priority: 5}
			low2 := &store.Job{WorkflowID: wf.ID, Kind: store.JobKindWorkflow, Priority: 0}
			for _, j := range []*store.Job{low1, high, low2} {
				if err := st.EnqueueJob(ctx, j); err != nil {
					t.Fatalf("failed to enqueue: %v", err)
				}
				// Keep created_at strictly ordered even at coarse clocks.
				time.Sleep(2 * time.Millisecond)
			}

			future := &store.Job{
				WorkflowID: wf.ID,
				Kind:       store.JobKindWorkflow,
				Priority:   9,
				NextRunAt:  time.Now().Add(time.Hour),
			}
			if err := st.EnqueueJob(ctx, future); err != nil {
				t.Fatalf("failed to enqueue future job: %v", err)
			}

			wantOrder := []string{high.ID, low1.ID, low2.ID}
			for i, want := range wantOrder {
				got, err := st.ClaimJob(ctx, "w1", time.Minute)
				if err != nil {
					t.Fatalf("claim %d failed: %v", i, err)
				}
				if got.ID != want {
					t.Errorf("claim %d: got job %q, want %q", i, got.ID, want)
				}
				if got.Status != store.JobRunning || got.WorkerID != "w1" {
					t.Errorf("claim %d: job not marked running for w1: %+v", i, got)
				}
				if got.LeaseExpiresAt == nil || !got.LeaseExpiresAt.After(time.Now()) {
					t.Errorf("claim %d: lease not set in the future", i)
				}
			}

			// Only the not-yet-runnable job remains.
			if _, err := st.ClaimJob(ctx, "w1", time.Minute); !errors.Is(err, store.ErrNoJobs) {
				t.Errorf("expected ErrNoJobs, got %v", err)
			}
		})
	}
}

func TestJobClaimConcurrency(t *testing.T) {
	for _, backend := range backends(t) {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			st := backend.make(t)
			wf := mustCreateWorkflow(t, st, "race")

			const jobs = 8
			const claimers = 16
			for i := 0; i < jobs; i++ {
				if err := st.EnqueueJob(ctx, &store.Job{WorkflowID: wf.ID, Kind: store.JobKindWorkflow}); err != nil {
					t.Fatalf("failed to enqueue: %v", err)
				}
			}

			var mu sync.Mutex
			claimed := make(map[string]string) // job id -> worker id
			var wg sync.WaitGroup
			for i := 0; i < claimers; i++ {
				wg.Add(1)
				go func(worker string) {
					defer wg.Done()
					job, err := st.ClaimJob(ctx, worker, time.Minute)
					if errors.Is(err, store.ErrNoJobs) {
						return
					}
					if err != nil {
						t.Errorf("claim failed: %v", err)
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if prev, dup := claimed[job.ID]; dup {
						t.Errorf("job %s claimed by both %s and %s", job.ID, prev, worker)
					}
					claimed[job.ID] = worker
				}(fmt.Sprintf("worker-%d", i))
			}
			wg.Wait()

			if len(claimed) != jobs {
				t.Errorf("expected %d distinct claims, got %d", jobs, len(claimed))
			}
		})
	}
}

func TestJobLeaseRenewalAndReclaim(t *testing.T) {
	for _, backend := range backends(t) {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			st := backend.make(t)
			wf := mustCreateWorkflow(t, st, "lease")

			if err := st.EnqueueJob(ctx, &store.Job{WorkflowID: wf.ID, Kind: store.JobKindWorkflow}); err != nil {
				t.Fatalf("failed to enqueue: %v", err)
			}
			job, err := st.ClaimJob(ctx, "w1", time.Minute)
			if err != nil {
				t.Fatalf("failed to claim: %v", err)
			}

			if err := st.RenewJobLease(ctx, job.ID, "w1", 2*time.Minute); err != nil {
				t.Fatalf("owner renewal failed: %v", err)
			}
			if err := st.RenewJobLease(ctx, job.ID, "w2", time.Minute); !errors.Is(err, store.ErrNotOwner) {
				t.Errorf("expected ErrNotOwner for foreign renewal, got %v", err)
			}

			// Nothing to reclaim while the lease is live.
			reclaimed, err := st.ReclaimExpiredJobs(ctx)
			if err != nil {
				t.Fatalf("reclaim failed: %v", err)
			}
			if len(reclaimed) != 0 {
				t.Errorf("expected no reclaims with live lease, got %d", len(reclaimed))
			}

			// Second job claimed with a lease that lapses immediately.
			if err := st.EnqueueJob(ctx, &store.Job{WorkflowID: wf.ID, Kind: store.JobKindWorkflow}); err != nil {
				t.Fatalf("failed to enqueue: %v", err)
			}
			short, err := st.ClaimJob(ctx, "w2", 10*time.Millisecond)
			if err != nil {
				t.Fatalf("failed to claim short-lease job: %v", err)
			}
			time.Sleep(30 * time.Millisecond)

			if err := st.RenewJobLease(ctx, short.ID, "w2", time.Minute); !errors.Is(err, store.ErrLeaseExpired) {
				t.Errorf("expected ErrLeaseExpired, got %v", err)
			}

			reclaimed, err = st.ReclaimExpiredJobs(ctx)
			if err != nil {
				t.Fatalf("reclaim failed: %v", err)
			}
			if len(reclaimed) != 1 || reclaimed[0].ID != short.ID {
				t.Fatalf("expected the expired job reclaimed, got %+v", reclaimed)
			}
			got := reclaimed[0]
			if got.Status != store.JobQueued {
				t.Errorf("expected reclaimed job requeued, got %q", got.Status)
			}
			if got.RetryCount != 1 {
				t.Errorf("expected retry count 1, got %d", got.RetryCount)
			}
			if got.ErrorMessage != "lease expired" {
				t.Errorf("expected synthetic lease-expired message, got %q", got.ErrorMessage)
			}
			if !got.NextRunAt.After(time.Now()) {
				t.Errorf("expected backoff before next run, next_run_at=%v", got.NextRunAt)
			}
		})
	}
}

func TestJobCompleteAndFail(t *testing.T) {
	for _, backend := range backends(t) {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			st := backend.make(t)
			wf := mustCreateWorkflow(t, st, "transitions")

			if err := st.EnqueueJob(ctx, &store.Job{WorkflowID: wf.ID, Kind: store.JobKindWorkflow}); err != nil {
				t.Fatalf("failed to enqueue: %v", err)
			}
			job, err := st.ClaimJob(ctx, "w1", time.Minute)
			if err != nil {
				t.Fatalf("failed to claim: %v", err)
			}

			if err := st.CompleteJob(ctx, job.ID, "w2"); !errors.Is(err, store.ErrNotOwner) {
				t.Errorf("expected ErrNotOwner for foreign completion, got %v", err)
			}
			if err := st.CompleteJob(ctx, job.ID, "w1"); err != nil {
				t.Fatalf("completion failed: %v", err)
			}
			// Owner retry of the same completion is a no-op.
			if err := st.CompleteJob(ctx, job.ID, "w1"); err != nil {
				t.Errorf("repeat completion should be idempotent, got %v", err)
			}
			done, err := st.GetJob(ctx, job.ID)
			if err != nil {
				t.Fatalf("failed to reload job: %v", err)
			}
			if done.Status != store.JobCompleted || done.CompletedAt == nil {
				t.Errorf("expected completed with timestamp, got %+v", done)
			}

			// Failure with retries left requeues with backoff.
			if err := st.EnqueueJob(ctx, &store.Job{WorkflowID: wf.ID, Kind: store.JobKindWorkflow}); err != nil {
				t.Fatalf("failed to enqueue: %v", err)
			}
			retry, err := st.ClaimJob(ctx, "w1", time.Minute)
			if err != nil {
				t.Fatalf("failed to claim: %v", err)
			}
			requeued, err := st.FailJob(ctx, retry.ID, "w1", "provider timeout")
			if err != nil {
				t.Fatalf("fail failed: %v", err)
			}
			if !requeued {
				t.Error("expected requeue while retries remain")
			}
			after, err := st.GetJob(ctx, retry.ID)
			if err != nil {
				t.Fatalf("failed to reload job: %v", err)
			}
			if after.Status != store.JobQueued || after.RetryCount != 1 {
				t.Errorf("expected queued with retry 1, got status=%q retries=%d", after.Status, after.RetryCount)
			}
			if after.ErrorMessage != "provider timeout" {
				t.Errorf("expected recorded error, got %q", after.ErrorMessage)
			}

			// A job with its retry budget spent fails terminally.
			exhausted := &store.Job{WorkflowID: wf.ID, Kind: store.JobKindWorkflow, RetryCount: store.DefaultMaxRetries, Priority: 7}
			if err := st.EnqueueJob(ctx, exhausted); err != nil {
				t.Fatalf("failed to enqueue exhausted job: %v", err)
			}
			claimed, err := st.ClaimJob(ctx, "w1", time.Minute)
			if err != nil {
				t.Fatalf("failed to claim exhausted job: %v", err)
			}
			if claimed.ID != exhausted.ID {
				t.Fatalf("claimed %q, want the priority-7 job %q", claimed.ID, exhausted.ID)
			}
			requeued, err = st.FailJob(ctx, claimed.ID, "w1", "still broken")
			if err != nil {
				t.Fatalf("terminal fail errored: %v", err)
			}
			if requeued {
				t.Error("expected terminal failure, got requeue")
			}
			terminal, err := st.GetJob(ctx, claimed.ID)
			if err != nil {
				t.Fatalf("failed to reload job: %v", err)
			}
			if terminal.Status != store.JobFailed || terminal.CompletedAt == nil {
				t.Errorf("expected terminally failed, got %+v", terminal)
			}
		})
	}
}

func TestQueuedResumeJobDedup(t *testing.T) {
	for _, backend := range backends(t) {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			st := backend.make(t)
			wf := mustCreateWorkflow(t, st, "resume dedup")

			first := &store.Job{WorkflowID: wf.ID, Kind: store.JobKindResume}
			if err := st.EnqueueJob(ctx, first); err != nil {
				t.Fatalf("failed to enqueue resume: %v", err)
			}
			second := &store.Job{WorkflowID: wf.ID, Kind: store.JobKindResume}
			if err := st.EnqueueJob(ctx, second); !errors.Is(err, store.ErrResumeQueued) {
				t.Fatalf("expected ErrResumeQueued, got %v", err)
			}

			found, err := st.QueuedResumeJob(ctx, wf.ID)
			if err != nil {
				t.Fatalf("failed to find queued resume: %v", err)
			}
			if found.ID != first.ID {
				t.Errorf("found %q, want %q", found.ID, first.ID)
			}

			// Once the queued resume starts running, a new one may queue.
			if _, err := st.ClaimJob(ctx, "w1", time.Minute); err != nil {
				t.Fatalf("failed to claim resume: %v", err)
			}
			if err := st.EnqueueJob(ctx, &store.Job{WorkflowID: wf.ID, Kind: store.JobKindResume}); err != nil {
				t.Fatalf("expected enqueue after claim to succeed, got %v", err)
			}

			// Workflow kind jobs are never deduplicated.
			other := mustCreateWorkflow(t, st, "other")
			for i := 0; i < 2; i++ {
				if err := st.EnqueueJob(ctx, &store.Job{WorkflowID: other.ID, Kind: store.JobKindWorkflow}); err != nil {
					t.Fatalf("workflow job %d rejected: %v", i, err)
				}
			}
		})
	}
}

func TestCheckpointChain(t *testing.T) {
	for _, backend := range backends(t) {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			st := backend.make(t)
			thread := "thread-" + time.Now().Format("150405.000000000")

			if _, err := st.LatestCheckpoint(ctx, thread, ""); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("expected ErrNotFound on empty thread, got %v", err)
			}

			// Root must be parented on the empty tip.
			bad := &store.Checkpoint{ThreadID: thread, ParentID: "bogus"}
			if _, err := st.PutCheckpoint(ctx, bad); !errors.Is(err, store.ErrStaleParent) {
				t.Fatalf("expected ErrStaleParent for bad root parent, got %v", err)
			}

			var ids []string
			parent := ""
			for i := 0; i < 4; i++ {
				cp := &store.Checkpoint{
					ThreadID: thread,
					ParentID: parent,
					State:    map[string]any{"step": float64(i)},
					Metadata: map[string]any{"node": fmt.Sprintf("n%d", i)},
				}
				id, err := st.PutCheckpoint(ctx, cp)
				if err != nil {
					t.Fatalf("put %d failed: %v", i, err)
				}
				if id == "" || cp.ID != id {
					t.Fatalf("put %d: id not set on checkpoint", i)
				}
				if len(ids) > 0 && id <= ids[len(ids)-1] {
					t.Errorf("checkpoint ids not strictly increasing: %q after %q", id, ids[len(ids)-1])
				}
				ids = append(ids, id)
				parent = id
			}

			// Writing against a superseded tip is rejected.
			stale := &store.Checkpoint{ThreadID: thread, ParentID: ids[1]}
			if _, err := st.PutCheckpoint(ctx, stale); !errors.Is(err, store.ErrStaleParent) {
				t.Fatalf("expected ErrStaleParent for stale tip, got %v", err)
			}

			latest, err := st.LatestCheckpoint(ctx, thread, "")
			if err != nil {
				t.Fatalf("latest failed: %v", err)
			}
			if latest.ID != ids[3] {
				t.Errorf("latest = %q, want %q", latest.ID, ids[3])
			}
			if latest.State["step"] != float64(3) {
				t.Errorf("latest state step = %v, want 3", latest.State["step"])
			}

			chain, err := st.WalkCheckpoints(ctx, thread, "")
			if err != nil {
				t.Fatalf("walk failed: %v", err)
			}
			if len(chain) != 4 {
				t.Fatalf("expected 4 checkpoints, got %d", len(chain))
			}
			for i, cp := range chain {
				if cp.ID != ids[i] {
					t.Errorf("walk[%d] = %q, want %q", i, cp.ID, ids[i])
				}
				wantParent := ""
				if i > 0 {
					wantParent = ids[i-1]
				}
				if cp.ParentID != wantParent {
					t.Errorf("walk[%d] parent = %q, want %q", i, cp.ParentID, wantParent)
				}
			}

			// Namespaces hold independent chains.
			ns := &store.Checkpoint{ThreadID: thread, Namespace: "shadow", ParentID: ""}
			if _, err := st.PutCheckpoint(ctx, ns); err != nil {
				t.Fatalf("namespaced root failed: %v", err)
			}

			if _, err := st.PruneCheckpoints(ctx, thread, "", 0); !errors.Is(err, store.ErrInvalidKeep) {
				t.Fatalf("expected ErrInvalidKeep, got %v", err)
			}
			removed, err := st.PruneCheckpoints(ctx, thread, "", 2)
			if err != nil {
				t.Fatalf("prune failed: %v", err)
			}
			if removed != 2 {
				t.Errorf("expected 2 pruned, got %d", removed)
			}
			chain, err = st.WalkCheckpoints(ctx, thread, "")
			if err != nil {
				t.Fatalf("walk after prune failed: %v", err)
			}
			if len(chain) != 2 || chain[0].ID != ids[2] || chain[1].ID != ids[3] {
				t.Errorf("prune kept wrong checkpoints: %+v", chain)
			}
		})
	}
}

func TestEventsAndArtifacts(t *testing.T) {
	for _, backend := range backends(t) {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			st := backend.make(t)
			wf := mustCreateWorkflow(t, st, "audit")

			for i := 0; i < 3; i++ {
				e := &store.Event{
					WorkflowID: wf.ID,
					Kind:       "node-complete",
					Payload:    map[string]any{"seq": float64(i)},
				}
				if err := st.AppendEvent(ctx, e); err != nil {
					t.Fatalf("append %d failed: %v", i, err)
				}
				if e.ID == 0 {
					t.Errorf("append %d: id not assigned", i)
				}
			}

			events, err := st.ListEvents(ctx, wf.ID, 0)
			if err != nil {
				t.Fatalf("list events failed: %v", err)
			}
			if len(events) != 3 {
				t.Fatalf("expected 3 events, got %d", len(events))
			}
			for i, e := range events {
				if e.Payload["seq"] != float64(i) {
					t.Errorf("event %d out of order: seq=%v", i, e.Payload["seq"])
				}
			}
			limited, err := st.ListEvents(ctx, wf.ID, 2)
			if err != nil {
				t.Fatalf("limited list failed: %v", err)
			}
			if len(limited) != 2 {
				t.Errorf("expected 2 events with limit, got %d", len(limited))
			}

			art := &store.Artifact{
				WorkflowID:  wf.ID,
				Kind:        "pipeline_yaml",
				URI:         "mem://artifacts/pipeline.yaml",
				ContentHash: "sha256:deadbeef",
				SizeBytes:   512,
				Metadata:    map[string]any{"nodes": float64(13)},
			}
			if err := st.AddArtifact(ctx, art); err != nil {
				t.Fatalf("add artifact failed: %v", err)
			}
			arts, err := st.ListArtifacts(ctx, wf.ID)
			if err != nil {
				t.Fatalf("list artifacts failed: %v", err)
			}
			if len(arts) != 1 || arts[0].ContentHash != "sha256:deadbeef" {
				t.Errorf("artifact round-trip mismatch: %+v", arts)
			}

			if err := st.Ping(ctx); err != nil {
				t.Errorf("ping failed: %v", err)
			}
		})
	}
}
