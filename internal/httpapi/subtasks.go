package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loomctl/loom/internal/allocate"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/evaluator"
	"github.com/loomctl/loom/internal/ingest"
)

// subtaskResponse is the wire shape of a subtask.
type subtaskResponse struct {
	ID              string         `json:"id"`
	TaskID          string         `json:"task_id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Status          string         `json:"status"`
	Progress        int            `json:"progress"`
	SubtaskType     string         `json:"subtask_type"`
	RecommendedTool string         `json:"recommended_tool,omitempty"`
	AssignedWorker  string         `json:"assigned_worker,omitempty"`
	AssignedTool    string         `json:"assigned_tool,omitempty"`
	Complexity      int            `json:"complexity"`
	Priority        int            `json:"priority"`
	Dependencies    []string       `json:"dependencies,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

func subtaskToResponse(sub *domain.Subtask) subtaskResponse {
	resp := subtaskResponse{
		ID:              sub.ID.String(),
		TaskID:          sub.TaskID.String(),
		Name:            sub.Name,
		Description:     sub.Description,
		Status:          sub.Status.String(),
		Progress:        sub.Progress,
		SubtaskType:     string(sub.SubtaskType),
		RecommendedTool: sub.RecommendedTool,
		AssignedWorker:  string(sub.AssignedWorker),
		AssignedTool:    sub.AssignedTool,
		Complexity:      sub.Complexity,
		Priority:        sub.Priority,
		Input:           sub.Input,
		Output:          sub.Output,
		Error:           sub.Error,
		CreatedAt:       sub.CreatedAt,
		UpdatedAt:       sub.UpdatedAt,
		StartedAt:       sub.StartedAt,
		CompletedAt:     sub.CompletedAt,
	}
	for _, dep := range sub.Dependencies {
		resp.Dependencies = append(resp.Dependencies, dep.String())
	}
	return resp
}

// assignmentResponse reports one subtask-to-worker pairing.
type assignmentResponse struct {
	SubtaskID string  `json:"subtask_id"`
	WorkerID  string  `json:"worker_id"`
	Tool      string  `json:"tool,omitempty"`
	Score     float64 `json:"score"`
}

func assignmentToResponse(a *allocate.Assignment) assignmentResponse {
	return assignmentResponse{
		SubtaskID: a.Subtask.ID.String(),
		WorkerID:  a.Worker.ID.String(),
		Tool:      a.Subtask.AssignedTool,
		Score:     a.Score.Total,
	}
}

type listSubtasksResponse struct {
	Subtasks []subtaskResponse `json:"subtasks"`
	Total    int               `json:"total"`
}

// ListSubtasks returns the subtasks of one task in creation order.
// GET /api/v1/subtasks?task_id={id}
func (s *Server) ListSubtasks(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		s.writeError(w, r, &domain.ValidationError{Field: "task_id", Msg: "task_id query parameter is required"})
		return
	}
	if _, err := s.store.Tasks().Get(r.Context(), domain.TaskID(taskID)); err != nil {
		s.writeError(w, r, err)
		return
	}
	subtasks, err := s.store.Subtasks().ListByTask(r.Context(), domain.TaskID(taskID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := listSubtasksResponse{Subtasks: make([]subtaskResponse, 0, len(subtasks)), Total: len(subtasks)}
	for _, sub := range subtasks {
		resp.Subtasks = append(resp.Subtasks, subtaskToResponse(sub))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GetSubtask returns one subtask.
// GET /api/v1/subtasks/{id}
func (s *Server) GetSubtask(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.Subtasks().Get(r.Context(), domain.SubtaskID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, subtaskToResponse(sub))
}

// submitResultRequest is a worker's result upload.
type submitResultRequest struct {
	Status        string         `json:"status" validate:"required,oneof=completed failed"`
	Result        map[string]any `json:"result,omitempty"`
	ExecutionTime float64        `json:"execution_time,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// SubmitResult ingests a worker's result for a subtask. The pipeline is
// idempotent: re-uploads against a settled subtask come back bad-state.
// POST /api/v1/subtasks/{id}/result
func (s *Server) SubmitResult(w http.ResponseWriter, r *http.Request) {
	var req submitResultRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	sub, err := s.ingest.Submit(r.Context(), ingest.SubtaskResult{
		SubtaskID:     domain.SubtaskID(chi.URLParam(r, "id")),
		Status:        domain.SubtaskStatus(req.Status),
		Result:        req.Result,
		ExecutionTime: req.ExecutionTime,
		Error:         req.Error,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, subtaskToResponse(sub))
}

// AllocateSubtask assigns one subtask to the best available worker.
// POST /api/v1/subtasks/{id}/allocate
func (s *Server) AllocateSubtask(w http.ResponseWriter, r *http.Request) {
	assignment, err := s.alloc.Allocate(r.Context(), domain.SubtaskID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, assignmentToResponse(assignment))
}

// CompleteSubtask advances the parent task after a subtask settled.
// Results arrive through SubmitResult; this hook only re-runs the
// progress and allocation pass, so retrying it is harmless.
// POST /api/v1/subtasks/{id}/complete
func (s *Server) CompleteSubtask(w http.ResponseWriter, r *http.Request) {
	id := domain.SubtaskID(chi.URLParam(r, "id"))
	if err := s.sched.OnSubtaskComplete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.store.Subtasks().Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, subtaskToResponse(sub))
}

// evaluationResponse is the wire shape of an evaluator report.
type evaluationResponse struct {
	ID           string         `json:"id"`
	SubtaskID    string         `json:"subtask_id"`
	CodeQuality  float64        `json:"code_quality"`
	Completeness float64        `json:"completeness"`
	Security     float64        `json:"security"`
	Architecture *float64       `json:"architecture,omitempty"`
	Testability  *float64       `json:"testability,omitempty"`
	OverallScore float64        `json:"overall_score"`
	Details      map[string]any `json:"details,omitempty"`
	EvaluatedAt  time.Time      `json:"evaluated_at"`
}

func evaluationToResponse(eval *domain.Evaluation) evaluationResponse {
	return evaluationResponse{
		ID:           eval.ID,
		SubtaskID:    eval.SubtaskID.String(),
		CodeQuality:  eval.CodeQuality,
		Completeness: eval.Completeness,
		Security:     eval.Security,
		Architecture: eval.Architecture,
		Testability:  eval.Testability,
		OverallScore: eval.OverallScore,
		Details:      eval.Details,
		EvaluatedAt:  eval.EvaluatedAt,
	}
}

// EvaluateSubtask scores a completed subtask's output and stores the
// report. A score under the threshold pauses the task at a checkpoint.
// POST /api/v1/subtasks/{id}/evaluate
func (s *Server) EvaluateSubtask(w http.ResponseWriter, r *http.Request) {
	eval, err := s.eval.EvaluateSubtask(r.Context(), domain.SubtaskID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, evaluationToResponse(eval))
}

// adhocEvaluateRequest scores arbitrary output without persisting.
type adhocEvaluateRequest struct {
	SubtaskType string         `json:"subtask_type,omitempty"`
	Description string         `json:"description,omitempty"`
	Output      map[string]any `json:"output" validate:"required"`
	Context     map[string]any `json:"context,omitempty"`
}

// EvaluateAdhoc proxies output to the evaluator without touching the
// store.
// POST /api/v1/evaluate
func (s *Server) EvaluateAdhoc(w http.ResponseWriter, r *http.Request) {
	var req adhocEvaluateRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	eval, err := s.eval.EvaluateAdhoc(r.Context(), evaluator.Request{
		SubtaskType: domain.SubtaskType(req.SubtaskType),
		Description: req.Description,
		Output:      req.Output,
		Context:     req.Context,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, evaluationToResponse(eval))
}

type drainResponse struct {
	Assigned  int   `json:"assigned"`
	Discarded int   `json:"discarded"`
	Rotated   int   `json:"rotated"`
	Remaining int64 `json:"remaining"`
}

// ReallocateQueued drains the pending queue once.
// POST /api/v1/subtasks/reallocate-queued
func (s *Server) ReallocateQueued(w http.ResponseWriter, r *http.Request) {
	drain, err := s.alloc.ReallocateQueued(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, drainResponse{
		Assigned:  drain.Assigned,
		Discarded: drain.Discarded,
		Rotated:   drain.Rotated,
		Remaining: drain.Remaining,
	})
}

// RunScheduler triggers one scheduling cycle.
// POST /api/v1/scheduler/run
func (s *Server) RunScheduler(w http.ResponseWriter, r *http.Request) {
	result, err := s.sched.Cycle(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type cycleResponse struct {
		Skipped  bool `json:"skipped"`
		Tasks    int  `json:"tasks"`
		Assigned int  `json:"assigned"`
		Queued   int  `json:"queued"`
		Errors   int  `json:"errors"`
	}
	s.writeJSON(w, http.StatusOK, cycleResponse{
		Skipped:  result.Skipped,
		Tasks:    result.Tasks,
		Assigned: result.Assigned,
		Queued:   result.Queued,
		Errors:   len(result.TaskErrors),
	})
}
