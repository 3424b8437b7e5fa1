// Package store persists the durable entity graph: tasks, subtasks,
// workers, API keys, evaluations, checkpoints and corrections. It is the
// source of truth for every conflict with coordinator mirrors.
package store

import (
	"context"
	"time"

	"github.com/loomctl/loom/internal/domain"
)

// Store bundles the entity repositories behind one transactional handle.
// InTx runs fn against a view of the same repositories bound to a single
// transaction; any error rolls the whole transaction back.
type Store interface {
	Tasks() TaskRepo
	Subtasks() SubtaskRepo
	Workers() WorkerRepo
	APIKeys() APIKeyRepo
	Evaluations() EvaluationRepo
	Checkpoints() CheckpointRepo
	Corrections() CorrectionRepo

	InTx(ctx context.Context, fn func(tx Store) error) error

	Ping(ctx context.Context) error
	Close() error
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Statuses []domain.TaskStatus
	Limit    int
}

// TaskRepo persists tasks.
type TaskRepo interface {
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id domain.TaskID) (*domain.Task, error)
	Update(ctx context.Context, task *domain.Task) error
	// Delete removes a task row; children go with it via the schema's
	// cascades.
	Delete(ctx context.Context, id domain.TaskID) error
	// List returns tasks newest first for API consumption.
	List(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)
	// ListByStatuses returns tasks oldest first, the order the scheduler
	// walks active tasks in.
	ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]*domain.Task, error)
}

// SubtaskRepo persists subtasks.
type SubtaskRepo interface {
	Create(ctx context.Context, subtask *domain.Subtask) error
	// CreateBatch inserts a decomposed DAG in one statement set; callers
	// wrap it in InTx together with the task update.
	CreateBatch(ctx context.Context, subtasks []*domain.Subtask) error
	Get(ctx context.Context, id domain.SubtaskID) (*domain.Subtask, error)
	Update(ctx context.Context, subtask *domain.Subtask) error
	// ListByTask returns a task's subtasks in creation order.
	ListByTask(ctx context.Context, taskID domain.TaskID) ([]*domain.Subtask, error)
	// ListByTasks fetches the subtasks of several tasks with one grouped
	// query, keyed by task. The scheduler walks active tasks through it
	// instead of issuing one query per task.
	ListByTasks(ctx context.Context, taskIDs []domain.TaskID) (map[domain.TaskID][]*domain.Subtask, error)
	// ListByStatuses feeds the reconciler; creation order across tasks.
	ListByStatuses(ctx context.Context, statuses ...domain.SubtaskStatus) ([]*domain.Subtask, error)
	// ListQueuedUnassigned returns queued subtasks no worker holds,
	// highest priority first; the reconciler rebuilds the pending queue
	// from it.
	ListQueuedUnassigned(ctx context.Context) ([]*domain.Subtask, error)
	// ListByWorker returns the subtasks currently assigned to a worker in
	// the given statuses.
	ListByWorker(ctx context.Context, workerID domain.WorkerID, statuses ...domain.SubtaskStatus) ([]*domain.Subtask, error)
	// CountByStatus aggregates a task's subtasks with one grouped query.
	CountByStatus(ctx context.Context, taskID domain.TaskID) (map[domain.SubtaskStatus]int, error)
}

// WorkerRepo persists workers.
type WorkerRepo interface {
	Create(ctx context.Context, worker *domain.Worker) error
	Get(ctx context.Context, id domain.WorkerID) (*domain.Worker, error)
	GetByMachineID(ctx context.Context, machineID string) (*domain.Worker, error)
	Update(ctx context.Context, worker *domain.Worker) error
	List(ctx context.Context) ([]*domain.Worker, error)
	ListByStatuses(ctx context.Context, statuses ...domain.WorkerStatus) ([]*domain.Worker, error)
	// ListHeartbeatBefore returns workers in the given statuses whose last
	// heartbeat is older than cutoff; the offline reaper consumes it.
	ListHeartbeatBefore(ctx context.Context, cutoff time.Time, statuses ...domain.WorkerStatus) ([]*domain.Worker, error)
}

// APIKeyRepo persists worker API keys. Only hashes are stored.
type APIKeyRepo interface {
	Create(ctx context.Context, key *domain.WorkerAPIKey) error
	Get(ctx context.Context, id string) (*domain.WorkerAPIKey, error)
	GetByPrefix(ctx context.Context, prefix string) (*domain.WorkerAPIKey, error)
	ListByWorker(ctx context.Context, workerID domain.WorkerID) ([]*domain.WorkerAPIKey, error)
	Revoke(ctx context.Context, id string, at time.Time) error
}

// EvaluationRepo persists evaluator reports.
type EvaluationRepo interface {
	Create(ctx context.Context, eval *domain.Evaluation) error
	// LatestBySubtask returns the authoritative (most recent) score.
	LatestBySubtask(ctx context.Context, subtaskID domain.SubtaskID) (*domain.Evaluation, error)
	ListBySubtask(ctx context.Context, subtaskID domain.SubtaskID) ([]*domain.Evaluation, error)
	// DeleteBySubtasks discards evaluations during a rollback reset.
	DeleteBySubtasks(ctx context.Context, subtaskIDs []domain.SubtaskID) error
}

// CheckpointRepo persists checkpoints.
type CheckpointRepo interface {
	Create(ctx context.Context, cp *domain.Checkpoint) error
	Get(ctx context.Context, id domain.CheckpointID) (*domain.Checkpoint, error)
	Update(ctx context.Context, cp *domain.Checkpoint) error
	// ListByTask returns a task's checkpoints oldest first.
	ListByTask(ctx context.Context, taskID domain.TaskID) ([]*domain.Checkpoint, error)
	// LatestByTask returns the most recently triggered checkpoint,
	// regardless of status. Milestone triggers measure from it.
	LatestByTask(ctx context.Context, taskID domain.TaskID) (*domain.Checkpoint, error)
	// PendingByTask returns the open pending_review checkpoint, if any.
	PendingByTask(ctx context.Context, taskID domain.TaskID) (*domain.Checkpoint, error)
	// ListPending returns every pending_review checkpoint, oldest first;
	// the escalator scans it.
	ListPending(ctx context.Context) ([]*domain.Checkpoint, error)
	// DeleteAfter removes a task's checkpoints triggered after t. Rollback
	// uses it to discard history past the restore point.
	DeleteAfter(ctx context.Context, taskID domain.TaskID, t time.Time) error
}

// CorrectionRepo persists corrections.
type CorrectionRepo interface {
	Create(ctx context.Context, c *domain.Correction) error
	Update(ctx context.Context, c *domain.Correction) error
	ListByCheckpoint(ctx context.Context, checkpointID domain.CheckpointID) ([]*domain.Correction, error)
	ListBySubtask(ctx context.Context, subtaskID domain.SubtaskID) ([]*domain.Correction, error)
	// CountOpenBySubtask counts a subtask's pending and failed corrections;
	// the cycle-limit trigger compares it to the configured ceiling.
	// Successful corrections stop counting.
	CountOpenBySubtask(ctx context.Context, subtaskID domain.SubtaskID) (int, error)
}
