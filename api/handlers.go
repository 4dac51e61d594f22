package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/deepak-karkala/agentflow/bus"
	"github.com/deepak-karkala/agentflow/llm"
	"github.com/deepak-karkala/agentflow/store"
	"github.com/deepak-karkala/agentflow/workflow"
)

// resumePriority puts resume jobs ahead of fresh runs so an answered gate
// never waits behind a backlog of new workflows.
const resumePriority = 10

// chatRequest is the body of both chat endpoints. Messages are merged into
// the thread as new turns; clients continuing a thread send only the turns
// added since their last call.
type chatRequest struct {
	Messages []llm.Message `json:"messages"`
	ThreadID string        `json:"thread_id,omitempty"`
}

// chatResponse is the synchronous chat reply.
type chatResponse struct {
	Messages []llm.Message `json:"messages"`
	ThreadID string        `json:"thread_id"`
}

// jobAccepted acknowledges an enqueued job. Both the async chat endpoint
// and the approval endpoint answer with it.
type jobAccepted struct {
	DecisionSetID string          `json:"decision_set_id"`
	ThreadID      string          `json:"thread_id"`
	JobID         string          `json:"job_id"`
	Status        store.JobStatus `json:"status"`
}

// jobStatusResponse reports where a job is in its lifecycle.
type jobStatusResponse struct {
	JobID         string          `json:"job_id"`
	Status        store.JobStatus `json:"status"`
	DecisionSetID string          `json:"decision_set_id"`
	ThreadID      string          `json:"thread_id"`
}

// approveRequest is the human decision for a paused workflow.
type approveRequest struct {
	Decision  string         `json:"decision"`
	Comment   string         `json:"comment,omitempty"`
	Responses map[string]any `json:"responses,omitempty"`
}

// planResponse describes the configured graph.
type planResponse struct {
	Nodes     []string `json:"nodes"`
	GraphType string   `json:"graph_type"`
}

// artifactsResponse lists a workflow's persisted bundles, oldest first.
type artifactsResponse struct {
	DecisionSetID string           `json:"decision_set_id"`
	Artifacts     []store.Artifact `json:"artifacts"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "agentflow api is running"})
}

// handleChat runs the workflow inline and blocks until the run segment
// ends. The reply carries the assistant turns of the final state; when the
// run pauses at a gate the client continues through the approval endpoint
// with the thread's decision-set id.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	wf, err := s.resolveWorkflow(ctx, req)
	if err != nil {
		s.storeError(w, err, "workflow")
		return
	}

	out, err := s.runner.Execute(ctx, wf.ID, workflow.State{Messages: req.Messages})
	if err != nil {
		s.log.Error("inline workflow run failed",
			zap.String("workflow_id", wf.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, chatResponse{
		Messages: out.State.AssistantMessages(),
		ThreadID: wf.ThreadID,
	})
}

// handleChatAsync creates or continues the thread's workflow and hands the
// run to the queue. 202 with the job; progress arrives on the stream.
func (s *Server) handleChatAsync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	wf, err := s.resolveWorkflow(ctx, req)
	if err != nil {
		s.storeError(w, err, "workflow")
		return
	}

	job := &store.Job{
		WorkflowID: wf.ID,
		Kind:       store.JobKindWorkflow,
		Payload:    map[string]any{"messages": req.Messages},
	}
	if err := s.store.EnqueueJob(ctx, job); err != nil {
		s.storeError(w, err, "job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, jobAccepted{
		DecisionSetID: wf.ID,
		ThreadID:      wf.ThreadID,
		JobID:         job.ID,
		Status:        job.Status,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.store.GetJob(ctx, chi.URLParam(r, "jobID"))
	if err != nil {
		s.storeError(w, err, "job")
		return
	}
	wf, err := s.store.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		s.storeError(w, err, "workflow")
		return
	}

	s.writeJSON(w, http.StatusOK, jobStatusResponse{
		JobID:         job.ID,
		Status:        job.Status,
		DecisionSetID: job.WorkflowID,
		ThreadID:      wf.ThreadID,
	})
}

// handleApprove records a gate decision and enqueues the resume job whose
// payload the engine merges into the state at the gate. While a resume is
// already queued the endpoint is idempotent and returns the queued job.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "decisionSetID")
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Decision != workflow.DecisionApproved && req.Decision != workflow.DecisionRejected {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("decision must be %q or %q", workflow.DecisionApproved, workflow.DecisionRejected))
		return
	}
	ctx := r.Context()

	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		s.storeError(w, err, "decision set")
		return
	}
	if wf.Status != store.WorkflowAwaitingHuman {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("workflow is %s, not awaiting approval", wf.Status))
		return
	}

	if len(req.Responses) > 0 {
		s.emit(ctx, wf.ID, bus.KindResponsesCollected, map[string]any{"responses": req.Responses})
	}

	job := &store.Job{
		WorkflowID: wf.ID,
		Kind:       store.JobKindResume,
		Priority:   resumePriority,
		Payload: map[string]any{
			"approval": workflow.Approval{
				Decision:  req.Decision,
				Comment:   req.Comment,
				Responses: req.Responses,
			},
		},
	}
	err = s.store.EnqueueJob(ctx, job)
	if errors.Is(err, store.ErrResumeQueued) {
		job, err = s.store.QueuedResumeJob(ctx, wf.ID)
	}
	if err != nil {
		s.storeError(w, err, "job")
		return
	}

	s.writeJSON(w, http.StatusOK, jobAccepted{
		DecisionSetID: wf.ID,
		ThreadID:      wf.ThreadID,
		JobID:         job.ID,
		Status:        job.Status,
	})
}

func (s *Server) handlePlan(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, planResponse{
		Nodes:     s.runner.NodeNames(),
		GraphType: s.runner.GraphType(),
	})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "decisionSetID")
	ctx := r.Context()

	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		s.storeError(w, err, "decision set")
		return
	}
	artifacts, err := s.store.ListArtifacts(ctx, wf.ID)
	if err != nil {
		s.storeError(w, err, "artifacts")
		return
	}
	if artifacts == nil {
		artifacts = []store.Artifact{}
	}

	s.writeJSON(w, http.StatusOK, artifactsResponse{DecisionSetID: wf.ID, Artifacts: artifacts})
}

// decodeChat parses and validates the shared chat body. On failure the
// error response is already written.
func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "messages must not be empty")
		return req, false
	}
	return req, true
}

// resolveWorkflow returns the workflow behind the request's thread,
// creating one when the thread is new. Clients may mint their own thread
// ids; an unknown id gets a workflow bound to it.
func (s *Server) resolveWorkflow(ctx context.Context, req chatRequest) (*store.Workflow, error) {
	if req.ThreadID != "" {
		wf, err := s.store.GetWorkflowByThread(ctx, req.ThreadID)
		if err == nil {
			return wf, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	wf := &store.Workflow{
		ThreadID:       req.ThreadID,
		OriginalPrompt: lastUserContent(req.Messages),
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// emit publishes an event to the workflow's topic and appends it to the
// audit log, mirroring what the engine emits during a run.
func (s *Server) emit(ctx context.Context, workflowID, kind string, payload map[string]any) {
	s.bus.Publish(workflowID, bus.NewEvent(kind, payload))
	err := s.store.AppendEvent(ctx, &store.Event{WorkflowID: workflowID, Kind: kind, Payload: payload})
	if err != nil {
		s.log.Warn("event audit append failed",
			zap.String("workflow_id", workflowID), zap.String("kind", kind), zap.Error(err))
	}
}

// lastUserContent returns the newest user turn, used as the workflow's
// original prompt at creation.
func lastUserContent(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// decodeJSON parses a request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

// writeJSON writes v with the given status. Encode failures are logged
// only; the header is already gone.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

// writeError writes the error envelope shared by every endpoint.
func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}

// storeError maps a persistence failure onto the envelope: ErrNotFound
// names the missing resource, anything else is an opaque 500.
func (s *Server) storeError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.log.Error("store call failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
