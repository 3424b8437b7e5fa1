package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/store"
)

// createTaskRequest is the body for creating a task. Enum fields are
// validated by the domain spec, which also applies the defaults.
type createTaskRequest struct {
	Description         string         `json:"description" validate:"required"`
	CheckpointFrequency string         `json:"checkpoint_frequency,omitempty"`
	PrivacyLevel        string         `json:"privacy_level,omitempty"`
	ToolPreferences     []string       `json:"tool_preferences,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// updateTaskRequest carries the mutable task fields. Pointers
// distinguish "absent" from "set to zero".
type updateTaskRequest struct {
	Description         *string        `json:"description,omitempty"`
	CheckpointFrequency *string        `json:"checkpoint_frequency,omitempty"`
	ToolPreferences     *[]string      `json:"tool_preferences,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// taskResponse is the wire shape of a task.
type taskResponse struct {
	ID                  string            `json:"id"`
	Description         string            `json:"description"`
	Status              string            `json:"status"`
	Progress            int               `json:"progress"`
	CheckpointFrequency string            `json:"checkpoint_frequency"`
	PrivacyLevel        string            `json:"privacy_level"`
	ToolPreferences     []string          `json:"tool_preferences,omitempty"`
	Metadata            map[string]any    `json:"metadata,omitempty"`
	Subtasks            []subtaskResponse `json:"subtasks,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
}

type listTasksResponse struct {
	Tasks []taskResponse `json:"tasks"`
	Total int            `json:"total"`
}

func taskToResponse(task *domain.Task, subtasks []*domain.Subtask) taskResponse {
	resp := taskResponse{
		ID:                  task.ID.String(),
		Description:         task.Description,
		Status:              task.Status.String(),
		Progress:            task.Progress,
		CheckpointFrequency: string(task.CheckpointFrequency),
		PrivacyLevel:        string(task.PrivacyLevel),
		ToolPreferences:     task.ToolPreferences,
		Metadata:            task.Metadata,
		CreatedAt:           task.CreatedAt,
		UpdatedAt:           task.UpdatedAt,
		StartedAt:           task.StartedAt,
		CompletedAt:         task.CompletedAt,
	}
	for _, sub := range subtasks {
		resp.Subtasks = append(resp.Subtasks, subtaskToResponse(sub))
	}
	return resp
}

// CreateTask stores a new pending task.
// POST /api/v1/tasks
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	task, err := domain.NewTask(&domain.TaskSpec{
		Description:         req.Description,
		CheckpointFrequency: domain.CheckpointFrequency(req.CheckpointFrequency),
		PrivacyLevel:        domain.PrivacyLevel(req.PrivacyLevel),
		ToolPreferences:     req.ToolPreferences,
		Metadata:            req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.Tasks().Create(r.Context(), task); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.events.TaskUpdate(r.Context(), events.TaskUpdate{TaskID: task.ID, Status: task.Status, Progress: task.Progress})
	s.log.Info("task created", "task_id", task.ID, "task_type", task.TaskType())
	s.writeJSON(w, http.StatusCreated, taskToResponse(task, nil))
}

// ListTasks returns tasks newest first, optionally filtered by status,
// each with its subtasks eager-loaded in one grouped query.
// GET /api/v1/tasks?status=in_progress,checkpoint&limit=20
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	var filter store.TaskFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := domain.TaskStatus(strings.TrimSpace(part))
			if !status.IsValid() {
				s.writeError(w, r, &domain.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown task status %q", part)})
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, &domain.ValidationError{Field: "limit", Msg: "limit must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}

	tasks, err := s.store.Tasks().List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	grouped := map[domain.TaskID][]*domain.Subtask{}
	if len(tasks) > 0 {
		ids := make([]domain.TaskID, len(tasks))
		for i, task := range tasks {
			ids[i] = task.ID
		}
		if grouped, err = s.store.Subtasks().ListByTasks(r.Context(), ids); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	resp := listTasksResponse{Tasks: make([]taskResponse, 0, len(tasks)), Total: len(tasks)}
	for _, task := range tasks {
		resp.Tasks = append(resp.Tasks, taskToResponse(task, grouped[task.ID]))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GetTask returns one task with its subtasks.
// GET /api/v1/tasks/{id}
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	id := domain.TaskID(chi.URLParam(r, "id"))
	task, err := s.store.Tasks().Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	subtasks, err := s.store.Subtasks().ListByTask(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, taskToResponse(task, subtasks))
}

// UpdateTask edits the mutable fields of a task that has not settled.
// PATCH /api/v1/tasks/{id}
func (s *Server) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	id := domain.TaskID(chi.URLParam(r, "id"))
	task, err := s.store.Tasks().Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if task.Status.IsTerminal() {
		s.writeError(w, r, &domain.BadStateError{Entity: "task", ID: id.String(),
			Msg: fmt.Sprintf("cannot edit a %s task", task.Status)})
		return
	}

	if req.Description != nil {
		if *req.Description == "" {
			s.writeError(w, r, &domain.ValidationError{Field: "description", Msg: "description cannot be empty"})
			return
		}
		task.Description = *req.Description
	}
	if req.CheckpointFrequency != nil {
		freq := domain.CheckpointFrequency(*req.CheckpointFrequency)
		if !freq.IsValid() {
			s.writeError(w, r, &domain.ValidationError{Field: "checkpoint_frequency", Msg: fmt.Sprintf("unknown frequency %q", freq)})
			return
		}
		task.CheckpointFrequency = freq
	}
	if req.ToolPreferences != nil {
		task.ToolPreferences = append([]string(nil), (*req.ToolPreferences)...)
	}
	// Metadata patches merge key-wise; a null value drops the key.
	if len(req.Metadata) > 0 {
		if task.Metadata == nil {
			task.Metadata = map[string]any{}
		}
		for k, v := range req.Metadata {
			if v == nil {
				delete(task.Metadata, k)
				continue
			}
			task.Metadata[k] = v
		}
	}
	task.UpdatedAt = time.Now().UTC()

	if err := s.store.Tasks().Update(r.Context(), task); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, taskToResponse(task, nil))
}

// DeleteTask removes a settled task and everything hanging off it.
// Active tasks must be cancelled first so workers get released.
// DELETE /api/v1/tasks/{id}
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := domain.TaskID(chi.URLParam(r, "id"))
	task, err := s.store.Tasks().Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !task.Status.IsTerminal() {
		s.writeError(w, r, &domain.BadStateError{Entity: "task", ID: id.String(),
			Msg: fmt.Sprintf("cannot delete a %s task, cancel it first", task.Status)})
		return
	}
	if err := s.store.Tasks().Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("task deleted", "task_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// CancelTask aborts a task and all of its unfinished subtasks.
// POST /api/v1/tasks/{id}/cancel
func (s *Server) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := domain.TaskID(chi.URLParam(r, "id"))
	task, err := s.sched.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, taskToResponse(task, nil))
}

type decomposeResponse struct {
	TaskID   string            `json:"task_id"`
	Subtasks []subtaskResponse `json:"subtasks"`
}

// DecomposeTask expands a pending task into its subtask DAG.
// POST /api/v1/tasks/{id}/decompose
func (s *Server) DecomposeTask(w http.ResponseWriter, r *http.Request) {
	id := domain.TaskID(chi.URLParam(r, "id"))
	subtasks, err := s.decomp.Decompose(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := decomposeResponse{TaskID: id.String(), Subtasks: make([]subtaskResponse, 0, len(subtasks))}
	for _, sub := range subtasks {
		resp.Subtasks = append(resp.Subtasks, subtaskToResponse(sub))
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

type scheduleTaskResponse struct {
	Assigned int `json:"assigned"`
	Queued   int `json:"queued"`
}

// ScheduleTask runs a scheduling pass over one task.
// POST /api/v1/tasks/{id}/schedule
func (s *Server) ScheduleTask(w http.ResponseWriter, r *http.Request) {
	id := domain.TaskID(chi.URLParam(r, "id"))
	assigned, queued, err := s.sched.ScheduleTask(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scheduleTaskResponse{Assigned: assigned, Queued: queued})
}

type taskAllocationResponse struct {
	Assigned []assignmentResponse `json:"assigned"`
	Queued   []string             `json:"queued"`
}

// AllocateTask assigns every ready subtask of a task, queueing the
// leftovers.
// POST /api/v1/tasks/{id}/allocate
func (s *Server) AllocateTask(w http.ResponseWriter, r *http.Request) {
	id := domain.TaskID(chi.URLParam(r, "id"))
	alloc, err := s.alloc.AllocateTask(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := taskAllocationResponse{
		Assigned: make([]assignmentResponse, 0, len(alloc.Assigned)),
		Queued:   make([]string, 0, len(alloc.Queued)),
	}
	for _, a := range alloc.Assigned {
		resp.Assigned = append(resp.Assigned, assignmentToResponse(a))
	}
	for _, id := range alloc.Queued {
		resp.Queued = append(resp.Queued, id.String())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type triggerCheckpointRequest struct {
	Note string `json:"note,omitempty"`
}

// TriggerCheckpoint pauses a task at a manual checkpoint.
// POST /api/v1/tasks/{id}/checkpoint
func (s *Server) TriggerCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req triggerCheckpointRequest
	if r.ContentLength > 0 {
		if err := s.decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	id := domain.TaskID(chi.URLParam(r, "id"))
	task, err := s.store.Tasks().Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	tctx := map[string]any{}
	if req.Note != "" {
		tctx["note"] = req.Note
	}
	if p := principalFrom(r.Context()); p != nil {
		tctx["requested_by"] = p.Subject
	}
	cp, err := s.engine.Trigger(r.Context(), task, domain.TriggerManual, tctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, checkpointToResponse(cp))
}
