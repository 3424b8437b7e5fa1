package coordinator

import "github.com/loomctl/loom/internal/domain"

// Key and channel layout shared by every component. Values stored under
// these keys are mirrors of store rows; the reconciler rebuilds them from
// sqlite after a flush or failover.
const (
	// PendingQueue holds subtask ids awaiting allocation, FIFO.
	PendingQueue = "subtasks:pending"
	// InProgressSet holds ids of subtasks assigned to a worker, whether
	// queued on its channel or already executing.
	InProgressSet = "subtasks:in_progress"
	// ConnectedSet holds ids of workers with a live websocket.
	ConnectedSet = "workers:connected"
	// SchedulerLock serializes scheduling cycles across processes.
	SchedulerLock = "lock:scheduler"
)

// Pub/sub channels. Payloads are JSON event envelopes.
const (
	ChannelTaskUpdate      = "events:task_update"
	ChannelWorkerUpdate    = "events:worker_update"
	ChannelSubtaskComplete = "events:subtask_complete"
	ChannelCheckpoint      = "events:checkpoint"
)

// Patterns used by the reconciler to sweep stale mirrors.
const (
	TaskStatusPattern        = "task:*:status"
	SubtaskStatusPattern     = "subtask:*:status"
	WorkerCurrentTaskPattern = "worker:*:current_task"
)

func TaskStatusKey(id domain.TaskID) string {
	return "task:" + id.String() + ":status"
}

func TaskProgressKey(id domain.TaskID) string {
	return "task:" + id.String() + ":progress"
}

func SubtaskStatusKey(id domain.SubtaskID) string {
	return "subtask:" + id.String() + ":status"
}

func WorkerStatusKey(id domain.WorkerID) string {
	return "worker:" + id.String() + ":status"
}

// WorkerCurrentTaskKey holds the id of the task whose subtask the worker
// is currently executing.
func WorkerCurrentTaskKey(id domain.WorkerID) string {
	return "worker:" + id.String() + ":current_task"
}

// WorkerInfoKey holds a hash of registration details, refreshed on every
// heartbeat with a liveness TTL.
func WorkerInfoKey(id domain.WorkerID) string {
	return "worker:" + id.String() + ":info"
}

// WorkerTaskChannel is the per-worker pub/sub channel that carries
// assignment messages to the worker's websocket hub.
func WorkerTaskChannel(id domain.WorkerID) string {
	return "worker:" + id.String() + ":tasks"
}

// APIKeyCacheKey caches the hash and worker id for a key prefix so that
// authentication does not hit the store on every request.
func APIKeyCacheKey(prefix string) string {
	return "apikey:" + prefix
}

// RollbackLock serializes checkpoint rollbacks for one task.
func RollbackLock(id domain.TaskID) string {
	return "lock:rollback:" + id.String()
}
