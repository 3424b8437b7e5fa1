package testutil

import (
	"time"

	"github.com/loomctl/loom/internal/domain"
)

// WithStandardFleet adds the baseline mid-flight dataset: an
// in-progress task with a completed, a running, a queued and a
// dependency-blocked subtask, a second still-pending task, a busy
// worker holding the running subtask, an idle worker and an offline
// worker with a stale heartbeat. Only ready subtasks are queued, the
// state the allocator would actually leave behind.
func (b *Builder) WithStandardFleet() *Builder {
	staleBeat := time.Now().UTC().Add(-time.Hour)

	return b.
		WithWorker("w-busy", WorkerStatus(domain.WorkerBusy)).
		WithWorker("w-idle", WorkerStatus(domain.WorkerIdle)).
		WithWorker("w-offline",
			WorkerStatus(domain.WorkerOffline), HeartbeatAt(staleBeat)).
		WithTask("implement pagination",
			TaskStatus(domain.TaskInProgress), TaskProgress(40)).
		WithSubtask("design api",
			SubtaskStatus(domain.SubtaskCompleted), Priority(20)).
		WithSubtask("write handlers",
			SubtaskStatus(domain.SubtaskInProgress), AssignedTo("w-busy"),
			Priority(10), DependsOn("design api")).
		WithSubtask("write tests",
			SubtaskStatus(domain.SubtaskQueued), Priority(5),
			OfType(domain.SubtaskTypeTestGeneration), DependsOn("design api")).
		WithSubtask("update docs",
			OfType(domain.SubtaskTypeDocumentation), DependsOn("write handlers")).
		WithTask("fix login redirect")
}
