package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/internal/domain"
)

// checkpointResponse is the wire shape of a checkpoint.
type checkpointResponse struct {
	ID                string     `json:"id"`
	TaskID            string     `json:"task_id"`
	Status            string     `json:"status"`
	TriggerReason     string     `json:"trigger_reason"`
	SubtasksCompleted []string   `json:"subtasks_completed,omitempty"`
	UserDecision      string     `json:"user_decision,omitempty"`
	DecisionNotes     string     `json:"decision_notes,omitempty"`
	RequiresAttention bool       `json:"requires_attention"`
	TriggeredAt       time.Time  `json:"triggered_at"`
	ReviewedAt        *time.Time `json:"reviewed_at,omitempty"`
}

func checkpointToResponse(cp *domain.Checkpoint) checkpointResponse {
	resp := checkpointResponse{
		ID:                cp.ID.String(),
		TaskID:            cp.TaskID.String(),
		Status:            string(cp.Status),
		TriggerReason:     string(cp.TriggerReason),
		UserDecision:      string(cp.UserDecision),
		DecisionNotes:     cp.DecisionNotes,
		RequiresAttention: cp.RequiresAttention,
		TriggeredAt:       cp.TriggeredAt,
		ReviewedAt:        cp.ReviewedAt,
	}
	for _, id := range cp.SubtasksCompleted {
		resp.SubtasksCompleted = append(resp.SubtasksCompleted, id.String())
	}
	return resp
}

type listCheckpointsResponse struct {
	Checkpoints []checkpointResponse `json:"checkpoints"`
	Total       int                  `json:"total"`
}

// ListCheckpoints returns a task's checkpoints oldest first.
// GET /api/v1/checkpoints?task_id={id}
func (s *Server) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		s.writeError(w, r, &domain.ValidationError{Field: "task_id", Msg: "task_id query parameter is required"})
		return
	}
	checkpoints, err := s.store.Checkpoints().ListByTask(r.Context(), domain.TaskID(taskID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := listCheckpointsResponse{Checkpoints: make([]checkpointResponse, 0, len(checkpoints)), Total: len(checkpoints)}
	for _, cp := range checkpoints {
		resp.Checkpoints = append(resp.Checkpoints, checkpointToResponse(cp))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GetCheckpoint returns one checkpoint.
// GET /api/v1/checkpoints/{id}
func (s *Server) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.store.Checkpoints().Get(r.Context(), domain.CheckpointID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, checkpointToResponse(cp))
}

// decisionRequest carries a review verdict.
type decisionRequest struct {
	Decision       string   `json:"decision" validate:"required,oneof=accept correct reject"`
	Feedback       string   `json:"feedback,omitempty"`
	CorrectionType string   `json:"correction_type,omitempty"`
	ReferenceFiles []string `json:"reference_files,omitempty"`
	ApplyToFuture  bool     `json:"apply_to_future,omitempty"`
}

// ProcessDecision applies a verdict to a pending checkpoint: accept
// resumes, correct re-runs the snapshot with guidance, reject abandons
// unstarted work.
// POST /api/v1/checkpoints/{id}/decision
func (s *Server) ProcessDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	cp, err := s.engine.ProcessDecision(r.Context(), domain.CheckpointID(chi.URLParam(r, "id")), checkpoint.DecisionRequest{
		Decision:       domain.Decision(req.Decision),
		Feedback:       req.Feedback,
		CorrectionType: req.CorrectionType,
		ReferenceFiles: req.ReferenceFiles,
		ApplyToFuture:  req.ApplyToFuture,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, checkpointToResponse(cp))
}

// rollbackRequest rewinds a task to a checkpoint snapshot. Evaluations
// of the reset subtasks are discarded unless reset_evaluations is
// explicitly false.
type rollbackRequest struct {
	Reason           string `json:"reason,omitempty"`
	ResetEvaluations *bool  `json:"reset_evaluations,omitempty"`
}

type rollbackResponse struct {
	Checkpoint    checkpointResponse `json:"checkpoint"`
	SubtasksReset int                `json:"subtasks_reset"`
	Progress      int                `json:"progress"`
}

// RollbackCheckpoint restores the task state a checkpoint captured.
// POST /api/v1/checkpoints/{id}/rollback
func (s *Server) RollbackCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if r.ContentLength > 0 {
		if err := s.decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	reset := true
	if req.ResetEvaluations != nil {
		reset = *req.ResetEvaluations
	}
	result, err := s.engine.Rollback(r.Context(), domain.CheckpointID(chi.URLParam(r, "id")), checkpoint.RollbackRequest{
		Reason:           req.Reason,
		ResetEvaluations: reset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rollbackResponse{
		Checkpoint:    checkpointToResponse(result.Checkpoint),
		SubtasksReset: result.SubtasksReset,
		Progress:      result.Progress,
	})
}
