package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/registry"
)

// registerWorkerRequest announces a machine to the control plane.
type registerWorkerRequest struct {
	MachineID   string         `json:"machine_id" validate:"required"`
	MachineName string         `json:"machine_name,omitempty"`
	Tools       []string       `json:"tools" validate:"required,min=1"`
	SystemInfo  map[string]any `json:"system_info,omitempty"`
}

// workerResponse is the wire shape of a worker.
type workerResponse struct {
	ID            string               `json:"id"`
	MachineID     string               `json:"machine_id"`
	MachineName   string               `json:"machine_name,omitempty"`
	Status        string               `json:"status"`
	Tools         []string             `json:"tools"`
	Resources     domain.ResourceUsage `json:"resources"`
	SystemInfo    map[string]any       `json:"system_info,omitempty"`
	LastHeartbeat time.Time            `json:"last_heartbeat"`
	RegisteredAt  time.Time            `json:"registered_at"`
}

func workerToResponse(w *domain.Worker) workerResponse {
	return workerResponse{
		ID:            w.ID.String(),
		MachineID:     w.MachineID,
		MachineName:   w.MachineName,
		Status:        w.Status.String(),
		Tools:         w.Tools,
		Resources:     w.Resources,
		SystemInfo:    w.SystemInfo,
		LastHeartbeat: w.LastHeartbeat,
		RegisteredAt:  w.RegisteredAt,
	}
}

// RegisterWorker enrolls a machine, idempotently on machine_id. The
// route is unauthenticated: a fresh machine has no credential yet, and
// registering grants nothing until an operator issues it a key.
// POST /api/v1/workers/register
func (s *Server) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	worker, err := s.registry.Register(r.Context(), registry.RegisterRequest{
		MachineID:   req.MachineID,
		MachineName: req.MachineName,
		Tools:       req.Tools,
		SystemInfo:  req.SystemInfo,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, workerToResponse(worker))
}

type listWorkersResponse struct {
	Workers []workerResponse `json:"workers"`
	Total   int              `json:"total"`
}

// ListWorkers returns the whole fleet.
// GET /api/v1/workers
func (s *Server) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.registry.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := listWorkersResponse{Workers: make([]workerResponse, 0, len(workers)), Total: len(workers)}
	for _, worker := range workers {
		resp.Workers = append(resp.Workers, workerToResponse(worker))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GetWorker returns one worker.
// GET /api/v1/workers/{id}
func (s *Server) GetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.registry.Get(r.Context(), domain.WorkerID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, workerToResponse(worker))
}

// heartbeatRequest is one worker beat. An empty status keeps the
// current one.
type heartbeatRequest struct {
	Status         string               `json:"status,omitempty"`
	Resources      domain.ResourceUsage `json:"resources"`
	CurrentSubtask *string              `json:"current_subtask,omitempty"`
}

// Heartbeat refreshes a worker's liveness and acknowledges the subtask
// it is executing.
// POST /api/v1/workers/{id}/heartbeat
func (s *Server) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	hb := registry.HeartbeatRequest{
		WorkerID:  domain.WorkerID(chi.URLParam(r, "id")),
		Status:    domain.WorkerStatus(req.Status),
		Resources: req.Resources,
	}
	if req.CurrentSubtask != nil {
		id := domain.SubtaskID(*req.CurrentSubtask)
		hb.CurrentSubtask = &id
	}
	if err := s.registry.Heartbeat(r.Context(), hb); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnregisterWorker takes a worker off the fleet; its queued subtasks go
// back to the pool.
// POST /api/v1/workers/{id}/unregister
func (s *Server) UnregisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Unregister(r.Context(), domain.WorkerID(chi.URLParam(r, "id"))); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WorkerChannel upgrades to the per-worker websocket. The hub owns the
// connection from here on.
// GET /api/v1/workers/{id}/ws
func (s *Server) WorkerChannel(w http.ResponseWriter, r *http.Request) {
	s.hub.Serve(w, r, domain.WorkerID(chi.URLParam(r, "id")))
}

// issueKeyRequest mints a worker credential.
type issueKeyRequest struct {
	WorkerID  string     `json:"worker_id" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// apiKeyResponse is the wire shape of a stored key. The plaintext
// appears only in the issue response.
type apiKeyResponse struct {
	ID        string     `json:"id"`
	WorkerID  string     `json:"worker_id"`
	Prefix    string     `json:"prefix"`
	Key       string     `json:"key,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

func apiKeyToResponse(key *domain.WorkerAPIKey, plaintext string) apiKeyResponse {
	return apiKeyResponse{
		ID:        key.ID,
		WorkerID:  key.WorkerID.String(),
		Prefix:    key.Prefix,
		Key:       plaintext,
		CreatedAt: key.CreatedAt,
		ExpiresAt: key.ExpiresAt,
		RevokedAt: key.RevokedAt,
	}
}

// IssueAPIKey mints a credential for a worker. The plaintext is
// returned exactly once; only its hash is stored.
// POST /api/v1/workers/api-keys
func (s *Server) IssueAPIKey(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	issued, err := s.registry.IssueKey(r.Context(), domain.WorkerID(req.WorkerID), req.ExpiresAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, apiKeyToResponse(issued.Key, issued.Plaintext))
}

type listKeysResponse struct {
	Keys  []apiKeyResponse `json:"keys"`
	Total int              `json:"total"`
}

// ListAPIKeys returns one worker's keys, hashes elided.
// GET /api/v1/workers/api-keys?worker_id={id}
func (s *Server) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		s.writeError(w, r, &domain.ValidationError{Field: "worker_id", Msg: "worker_id query parameter is required"})
		return
	}
	keys, err := s.registry.ListKeys(r.Context(), domain.WorkerID(workerID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := listKeysResponse{Keys: make([]apiKeyResponse, 0, len(keys)), Total: len(keys)}
	for _, key := range keys {
		resp.Keys = append(resp.Keys, apiKeyToResponse(key, ""))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// RevokeAPIKey invalidates a credential.
// DELETE /api/v1/workers/api-keys/{keyID}
func (s *Server) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.RevokeKey(r.Context(), chi.URLParam(r, "keyID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
