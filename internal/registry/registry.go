// Package registry manages the worker fleet: registration, heartbeats,
// API-key credentials and the offline reaper. Durable state lives in the
// store; worker liveness is mirrored to the coordinator with TTLs so a
// silent worker expires on its own.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/store"
)

// Registry coordinates worker lifecycle against the store and coordinator.
type Registry struct {
	store  store.Store
	coord  coordinator.Coordinator
	events *events.Publisher
	cfg    config.WorkerConfig
	log    *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Registry.
func New(st store.Store, coord coordinator.Coordinator, pub *events.Publisher, cfg config.WorkerConfig, logger *slog.Logger) *Registry {
	return &Registry{
		store:  st,
		coord:  coord,
		events: pub,
		cfg:    cfg,
		log:    log.ForComponent(logger, "registry"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRequest carries the fields a worker presents when joining.
type RegisterRequest struct {
	MachineID   string
	MachineName string
	Tools       []string
	SystemInfo  map[string]any
}

// Register adds a worker or, when the machine is already known, refreshes
// its row and brings it back online. Registration is idempotent on
// machine_id: the same machine always maps to the same worker id.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*domain.Worker, error) {
	if req.MachineID == "" {
		return nil, &domain.ValidationError{Field: "machine_id", Msg: "machine_id is required"}
	}

	now := r.now()
	var worker *domain.Worker
	err := r.store.InTx(ctx, func(tx store.Store) error {
		existing, err := tx.Workers().GetByMachineID(ctx, req.MachineID)
		switch {
		case err == nil:
			existing.MachineName = req.MachineName
			existing.Tools = append([]string(nil), req.Tools...)
			existing.SystemInfo = req.SystemInfo
			existing.Status = domain.WorkerOnline
			existing.LastHeartbeat = now
			existing.UpdatedAt = now
			if err := tx.Workers().Update(ctx, existing); err != nil {
				return err
			}
			worker = existing
			return nil
		case domain.IsNotFound(err):
			worker = &domain.Worker{
				ID:            domain.NewWorkerID(),
				MachineID:     req.MachineID,
				MachineName:   req.MachineName,
				Status:        domain.WorkerOnline,
				Tools:         append([]string(nil), req.Tools...),
				SystemInfo:    req.SystemInfo,
				LastHeartbeat: now,
				RegisteredAt:  now,
				UpdatedAt:     now,
			}
			return tx.Workers().Create(ctx, worker)
		default:
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}

	r.mirrorWorker(ctx, worker)
	r.events.WorkerUpdate(ctx, events.WorkerUpdate{WorkerID: worker.ID, Status: worker.Status})
	r.log.Info("worker registered",
		"worker_id", worker.ID, "machine_id", worker.MachineID, "tools", worker.Tools)
	return worker, nil
}

// HeartbeatRequest carries one beat from a worker.
type HeartbeatRequest struct {
	WorkerID  domain.WorkerID
	Status    domain.WorkerStatus
	Resources domain.ResourceUsage
	// CurrentSubtask acknowledges the subtask the worker is executing;
	// the first acknowledgment promotes it from queued to in_progress.
	CurrentSubtask *domain.SubtaskID
}

// Heartbeat refreshes a worker's liveness, resources and status, and
// re-arms the coordinator TTL mirror.
func (r *Registry) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	if req.Status != "" && !req.Status.IsValid() {
		return &domain.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown worker status %q", req.Status)}
	}
	if req.Status == domain.WorkerOffline {
		return &domain.ValidationError{Field: "status", Msg: "workers go offline via unregister, not heartbeat"}
	}

	worker, err := r.store.Workers().Get(ctx, req.WorkerID)
	if err != nil {
		return err
	}

	statusChanged := req.Status != "" && req.Status != worker.Status
	if req.Status != "" {
		worker.Status = req.Status
	}
	worker.Resources = req.Resources
	worker.LastHeartbeat = r.now()
	worker.UpdatedAt = worker.LastHeartbeat
	if err := r.store.Workers().Update(ctx, worker); err != nil {
		return fmt.Errorf("failed to persist heartbeat: %w", err)
	}

	r.mirrorWorker(ctx, worker)
	if req.CurrentSubtask != nil {
		r.acknowledgeSubtask(ctx, worker, *req.CurrentSubtask)
	}
	if statusChanged {
		r.events.WorkerUpdate(ctx, events.WorkerUpdate{WorkerID: worker.ID, Status: worker.Status})
	}
	return nil
}

// acknowledgeSubtask promotes the acknowledged subtask to in_progress on
// its first beat. Acknowledgments for subtasks the worker no longer holds
// are logged and dropped; the result upload path sorts out the truth.
func (r *Registry) acknowledgeSubtask(ctx context.Context, worker *domain.Worker, subtaskID domain.SubtaskID) {
	subtask, err := r.store.Subtasks().Get(ctx, subtaskID)
	if err != nil {
		r.log.Warn("heartbeat acknowledged unknown subtask",
			"worker_id", worker.ID, "subtask_id", subtaskID, "error", err)
		return
	}
	if subtask.AssignedWorker != worker.ID {
		r.log.Warn("heartbeat acknowledged subtask assigned elsewhere",
			"worker_id", worker.ID, "subtask_id", subtaskID, "assigned_worker", subtask.AssignedWorker)
		return
	}
	if subtask.Status != domain.SubtaskQueued {
		return
	}

	if err := subtask.TransitionTo(domain.SubtaskInProgress); err != nil {
		r.log.Warn("failed to promote acknowledged subtask", "subtask_id", subtaskID, "error", err)
		return
	}
	if err := r.store.Subtasks().Update(ctx, subtask); err != nil {
		r.log.Warn("failed to persist subtask acknowledgment", "subtask_id", subtaskID, "error", err)
		return
	}
	if err := r.coord.Set(ctx, coordinator.SubtaskStatusKey(subtask.ID), subtask.Status.String()); err != nil {
		r.log.Warn("failed to mirror subtask status", "subtask_id", subtaskID, "error", err)
	}
	r.log.Debug("subtask acknowledged", "worker_id", worker.ID, "subtask_id", subtaskID)
}

// Unregister flips the worker offline and clears its liveness mirrors.
func (r *Registry) Unregister(ctx context.Context, workerID domain.WorkerID) error {
	worker, err := r.store.Workers().Get(ctx, workerID)
	if err != nil {
		return err
	}

	worker.Status = domain.WorkerOffline
	worker.UpdatedAt = r.now()
	if err := r.store.Workers().Update(ctx, worker); err != nil {
		return fmt.Errorf("failed to unregister worker: %w", err)
	}

	r.clearMirrors(ctx, workerID)
	r.events.WorkerUpdate(ctx, events.WorkerUpdate{WorkerID: workerID, Status: domain.WorkerOffline})
	r.log.Info("worker unregistered", "worker_id", workerID)
	return nil
}

// Get returns one worker.
func (r *Registry) Get(ctx context.Context, workerID domain.WorkerID) (*domain.Worker, error) {
	return r.store.Workers().Get(ctx, workerID)
}

// List returns all workers in registration order.
func (r *Registry) List(ctx context.Context) ([]*domain.Worker, error) {
	return r.store.Workers().List(ctx)
}

// mirrorWorker refreshes the TTL'd coordinator view of a worker. Mirror
// failures never fail the durable operation.
func (r *Registry) mirrorWorker(ctx context.Context, worker *domain.Worker) {
	ttl := r.cfg.StatusTTL()
	if err := r.coord.SetEx(ctx, coordinator.WorkerStatusKey(worker.ID), worker.Status.String(), ttl); err != nil {
		r.log.Warn("failed to mirror worker status", "worker_id", worker.ID, "error", err)
		return
	}

	info := map[string]string{
		"machine_id":   worker.MachineID,
		"machine_name": worker.MachineName,
		"tools":        encodeTools(worker.Tools),
		"heartbeat":    strconv.FormatInt(worker.LastHeartbeat.UnixMilli(), 10),
	}
	if err := r.coord.HashSet(ctx, coordinator.WorkerInfoKey(worker.ID), info); err != nil {
		r.log.Warn("failed to mirror worker info", "worker_id", worker.ID, "error", err)
		return
	}
	if err := r.coord.Expire(ctx, coordinator.WorkerInfoKey(worker.ID), ttl); err != nil {
		r.log.Warn("failed to expire worker info", "worker_id", worker.ID, "error", err)
	}
}

// clearMirrors drops every coordinator key owned by the worker.
func (r *Registry) clearMirrors(ctx context.Context, workerID domain.WorkerID) {
	keys := []string{
		coordinator.WorkerStatusKey(workerID),
		coordinator.WorkerCurrentTaskKey(workerID),
		coordinator.WorkerInfoKey(workerID),
	}
	if err := r.coord.Del(ctx, keys...); err != nil {
		r.log.Warn("failed to clear worker mirrors", "worker_id", workerID, "error", err)
	}
	if err := r.coord.SetRemove(ctx, coordinator.ConnectedSet, workerID.String()); err != nil {
		r.log.Warn("failed to remove worker from connected set", "worker_id", workerID, "error", err)
	}
}

func encodeTools(tools []string) string {
	b, err := json.Marshal(tools)
	if err != nil {
		return "[]"
	}
	return string(b)
}
