package allocate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/store"
)

func setupAllocator(t *testing.T) (*Allocator, store.Store, coordinator.Coordinator) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err, "failed to open store")
	t.Cleanup(func() { _ = st.Close() })

	coord := coordinator.NewMemory()
	t.Cleanup(func() { _ = coord.Close() })

	pub := events.NewPublisher(coord, log.Discard())
	return New(st, coord, pub, config.Defaults(), log.Discard()), st, coord
}

// liveWorker persists a worker row and arms its coordinator liveness
// mirror, the way registration plus a heartbeat would.
func liveWorker(t *testing.T, st store.Store, coord coordinator.Coordinator, id string, tools []string, cpu, mem, disk float64) *domain.Worker {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	w := &domain.Worker{
		ID:          domain.WorkerID(id),
		MachineID:   "machine-" + id,
		MachineName: id,
		Status:      domain.WorkerOnline,
		Tools:       tools,
		Resources: domain.ResourceUsage{
			CPUPercent:    pct(cpu),
			MemoryPercent: pct(mem),
			DiskPercent:   pct(disk),
		},
		LastHeartbeat: now,
		RegisteredAt:  now,
		UpdatedAt:     now,
	}
	require.NoError(t, st.Workers().Create(ctx, w))
	require.NoError(t, coord.SetEx(ctx, coordinator.WorkerStatusKey(w.ID), w.Status.String(), time.Minute))
	return w
}

func createActiveTask(t *testing.T, st store.Store, privacy domain.PrivacyLevel) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(&domain.TaskSpec{Description: "allocate things", PrivacyLevel: privacy})
	require.NoError(t, err)
	require.NoError(t, task.TransitionTo(domain.TaskInitializing))
	require.NoError(t, task.TransitionTo(domain.TaskInProgress))
	require.NoError(t, st.Tasks().Create(context.Background(), task))
	return task
}

func createReadySubtask(t *testing.T, st store.Store, taskID domain.TaskID, tool string) *domain.Subtask {
	t.Helper()
	s := domain.NewSubtask(taskID, "Code Generation", domain.SubtaskTypeCodeGeneration)
	s.RecommendedTool = tool
	s.Priority = 5
	require.NoError(t, st.Subtasks().Create(context.Background(), s))
	return s
}

func TestAllocator_Allocate_PicksBestWorker(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()
	task := createActiveTask(t, st, domain.PrivacyNormal)
	subtask := createReadySubtask(t, st, task.ID, "claude_code")

	liveWorker(t, st, coord, "w-loaded", []string{"claude_code"}, 80, 80, 80)
	idle := liveWorker(t, st, coord, "w-idle", []string{"claude_code"}, 20, 30, 10)

	push, err := coord.Subscribe(ctx, coordinator.WorkerTaskChannel(idle.ID))
	require.NoError(t, err)
	defer push.Close()

	assignment, err := a.Allocate(ctx, subtask.ID)
	require.NoError(t, err)
	require.Equal(t, idle.ID, assignment.Worker.ID)
	require.Greater(t, assignment.Score.Total, 0.0)

	stored, err := st.Subtasks().Get(ctx, subtask.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubtaskQueued, stored.Status)
	require.Equal(t, idle.ID, stored.AssignedWorker)
	require.Equal(t, "claude_code", stored.AssignedTool)

	row, err := st.Workers().Get(ctx, idle.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerBusy, row.Status)

	slot, ok, err := coord.Get(ctx, coordinator.WorkerCurrentTaskKey(idle.ID))
	require.NoError(t, err)
	require.True(t, ok, "worker slot mirror missing")
	require.Equal(t, task.ID.String(), slot)
	status, ok, err := coord.Get(ctx, coordinator.WorkerStatusKey(idle.ID))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "busy", status)
	inProgress, err := coord.SetContains(ctx, coordinator.InProgressSet, subtask.ID.String())
	require.NoError(t, err)
	require.True(t, inProgress, "subtask missing from in-progress set")

	select {
	case msg := <-push.Messages():
		env, err := events.Unmarshal[events.TaskAssignment](msg.Payload)
		require.NoError(t, err)
		require.Equal(t, subtask.ID, env.Data.SubtaskID)
		require.Equal(t, "claude_code", env.Data.AssignedTool)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task assignment push")
	}
}

func TestAllocator_Allocate_TieBrokenByWorkerID(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()
	task := createActiveTask(t, st, domain.PrivacyNormal)
	subtask := createReadySubtask(t, st, task.ID, "claude_code")

	liveWorker(t, st, coord, "w-b", []string{"claude_code"}, 20, 30, 10)
	liveWorker(t, st, coord, "w-a", []string{"claude_code"}, 20, 30, 10)

	assignment, err := a.Allocate(ctx, subtask.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerID("w-a"), assignment.Worker.ID)
}

func TestAllocator_Allocate_QueuesWhenNoWorker(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()
	task := createActiveTask(t, st, domain.PrivacyNormal)
	subtask := createReadySubtask(t, st, task.ID, "claude_code")

	_, err := a.Allocate(ctx, subtask.ID)
	require.ErrorIs(t, err, domain.ErrNoSuitableWorker)

	stored, err := st.Subtasks().Get(ctx, subtask.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubtaskQueued, stored.Status)
	require.Empty(t, stored.AssignedWorker)

	head, ok, err := coord.PeekLeft(ctx, coordinator.PendingQueue)
	require.NoError(t, err)
	require.True(t, ok, "pending queue empty")
	require.Equal(t, subtask.ID.String(), head)
}

func TestAllocator_Allocate_QueuesWhenAtCapacity(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()
	task := createActiveTask(t, st, domain.PrivacyNormal)
	subtask := createReadySubtask(t, st, task.ID, "claude_code")
	liveWorker(t, st, coord, "w-free", []string{"claude_code"}, 20, 20, 20)

	// Fill the in-progress set up to the cap; the free worker must not
	// receive anything.
	a.maxConcurrent = 1
	require.NoError(t, coord.SetAdd(ctx, coordinator.InProgressSet, "occupied"))

	_, err := a.Allocate(ctx, subtask.ID)
	require.ErrorIs(t, err, domain.ErrAtCapacity)

	stored, err := st.Subtasks().Get(ctx, subtask.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubtaskQueued, stored.Status)
	require.Empty(t, stored.AssignedWorker)

	head, ok, err := coord.PeekLeft(ctx, coordinator.PendingQueue)
	require.NoError(t, err)
	require.True(t, ok, "pending queue empty")
	require.Equal(t, subtask.ID.String(), head)
}

func TestAllocator_Allocate_IgnoresWorkerWithoutLivenessMirror(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()
	task := createActiveTask(t, st, domain.PrivacyNormal)
	subtask := createReadySubtask(t, st, task.ID, "claude_code")

	// Store row exists but the TTL mirror is gone: the worker is dead.
	w := liveWorker(t, st, coord, "w-dead", []string{"claude_code"}, 10, 10, 10)
	require.NoError(t, coord.Del(ctx, coordinator.WorkerStatusKey(w.ID)))

	_, err := a.Allocate(ctx, subtask.ID)
	require.ErrorIs(t, err, domain.ErrNoSuitableWorker)
}

func TestAllocator_Allocate_IgnoresWorkerHoldingSlot(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()
	task := createActiveTask(t, st, domain.PrivacyNormal)
	subtask := createReadySubtask(t, st, task.ID, "claude_code")

	w := liveWorker(t, st, coord, "w-held", []string{"claude_code"}, 10, 10, 10)
	require.NoError(t, coord.Set(ctx, coordinator.WorkerCurrentTaskKey(w.ID), "some-task"))

	_, err := a.Allocate(ctx, subtask.ID)
	require.ErrorIs(t, err, domain.ErrNoSuitableWorker)
}

func TestAllocator_Allocate_ExcludesOverloadedWorker(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()
	task := createActiveTask(t, st, domain.PrivacyNormal)
	subtask := createReadySubtask(t, st, task.ID, "claude_code")

	// 95% CPU breaches the default 90% high-water mark.
	liveWorker(t, st, coord, "w-hot", []string{"claude_code"}, 95, 10, 10)

	_, err := a.Allocate(ctx, subtask.ID)
	require.ErrorIs(t, err, domain.ErrNoSuitableWorker)
}

func TestAllocator_Allocate_ToolMismatchStillAllocates(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()
	task := createActiveTask(t, st, domain.PrivacyNormal)
	subtask := createReadySubtask(t, st, task.ID, "claude_code")

	w := liveWorker(t, st, coord, "w-ollama", []string{"ollama"}, 20, 20, 20)

	assignment, err := a.Allocate(ctx, subtask.ID)
	require.NoError(t, err)
	require.Equal(t, w.ID, assignment.Worker.ID)
	require.Equal(t, 0.5, assignment.Score.Tool)
	// The recommendation rides along even when the worker lacks the tool.
	require.Equal(t, "claude_code", assignment.Subtask.AssignedTool)
}

func TestAllocator_Allocate_SensitivePrefersLocalWorker(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()
	task := createActiveTask(t, st, domain.PrivacySensitive)
	// No recommendation: tool score ties at 1.0, privacy decides.
	subtask := createReadySubtask(t, st, task.ID, "")

	liveWorker(t, st, coord, "w-cloud", []string{"claude_code"}, 20, 20, 20)
	local := liveWorker(t, st, coord, "w-local", []string{"ollama"}, 20, 20, 20)

	assignment, err := a.Allocate(ctx, subtask.ID)
	require.NoError(t, err)
	require.Equal(t, local.ID, assignment.Worker.ID)
	require.Equal(t, 1.0, assignment.Score.Privacy)
	require.Equal(t, "ollama", assignment.Subtask.AssignedTool, "no recommendation falls back to the worker's first tool")
}

func TestAllocator_Allocate_SensitiveForcedOntoCloudWorker(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()
	task := createActiveTask(t, st, domain.PrivacySensitive)
	subtask := createReadySubtask(t, st, task.ID, "claude_code")

	// The only live worker holds cloud tools; allocation is forced.
	cloud := liveWorker(t, st, coord, "w-cloud", []string{"claude_code"}, 20, 20, 20)

	assignment, err := a.Allocate(ctx, subtask.ID)
	require.NoError(t, err)
	require.Equal(t, cloud.ID, assignment.Worker.ID)
	require.Equal(t, 0.5, assignment.Score.Privacy)
}

func TestAllocator_Allocate_RefusesTerminalSubtask(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()
	task := createActiveTask(t, st, domain.PrivacyNormal)
	subtask := createReadySubtask(t, st, task.ID, "claude_code")
	liveWorker(t, st, coord, "w-1", []string{"claude_code"}, 20, 20, 20)

	require.NoError(t, subtask.TransitionTo(domain.SubtaskCancelled))
	require.NoError(t, st.Subtasks().Update(ctx, subtask))

	_, err := a.Allocate(ctx, subtask.ID)
	require.ErrorIs(t, err, domain.ErrNotAllocatable)
}

func TestAllocator_AllocateTask_AssignsReadyFrontierOnly(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()

	task, err := domain.NewTask(&domain.TaskSpec{Description: "feature work"})
	require.NoError(t, err)
	require.NoError(t, task.TransitionTo(domain.TaskInitializing))
	require.NoError(t, st.Tasks().Create(ctx, task))

	gen := createReadySubtask(t, st, task.ID, "claude_code")
	review := domain.NewSubtask(task.ID, "Code Review", domain.SubtaskTypeCodeReview)
	review.Dependencies = []domain.SubtaskID{gen.ID}
	require.NoError(t, st.Subtasks().Create(ctx, review))

	liveWorker(t, st, coord, "w-1", []string{"claude_code"}, 20, 20, 20)

	result, err := a.AllocateTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, result.Assigned, 1)
	require.Equal(t, gen.ID, result.Assigned[0].Subtask.ID)
	require.Empty(t, result.Queued, "dependent subtask is not ready and must not queue")

	// First allocation starts the task.
	started, err := st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskInProgress, started.Status)
	require.NotNil(t, started.StartedAt)
}

func TestAllocator_AllocateTask_QueuesWhenFleetBusy(t *testing.T) {
	a, st, _ := setupAllocator(t)
	ctx := context.Background()

	task, err := domain.NewTask(&domain.TaskSpec{Description: "feature work"})
	require.NoError(t, err)
	require.NoError(t, task.TransitionTo(domain.TaskInitializing))
	require.NoError(t, st.Tasks().Create(ctx, task))
	gen := createReadySubtask(t, st, task.ID, "claude_code")

	result, err := a.AllocateTask(ctx, task.ID)
	require.NoError(t, err)
	require.Empty(t, result.Assigned)
	require.Equal(t, []domain.SubtaskID{gen.ID}, result.Queued)

	// No assignment happened, so the task has not started.
	stored, err := st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskInitializing, stored.Status)
}

func TestAllocator_AllocateTask_RefusesPausedTask(t *testing.T) {
	a, st, _ := setupAllocator(t)
	ctx := context.Background()
	task := createActiveTask(t, st, domain.PrivacyNormal)
	require.NoError(t, task.TransitionTo(domain.TaskCheckpoint))
	require.NoError(t, st.Tasks().Update(ctx, task))

	_, err := a.AllocateTask(ctx, task.ID)
	require.Error(t, err)
	require.True(t, domain.IsBadState(err))
}

func TestAllocator_ReleaseWorker(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()

	w := liveWorker(t, st, coord, "w-1", []string{"claude_code"}, 20, 20, 20)
	w.Status = domain.WorkerBusy
	require.NoError(t, st.Workers().Update(ctx, w))
	require.NoError(t, coord.Set(ctx, coordinator.WorkerCurrentTaskKey(w.ID), "task-1"))

	require.NoError(t, a.ReleaseWorker(ctx, w.ID))

	row, err := st.Workers().Get(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerOnline, row.Status)

	_, held, err := coord.Get(ctx, coordinator.WorkerCurrentTaskKey(w.ID))
	require.NoError(t, err)
	require.False(t, held, "slot mirror should be cleared")

	status, ok, err := coord.Get(ctx, coordinator.WorkerStatusKey(w.ID))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "online", status)
}

func TestAllocator_ReallocateQueued_DrainsInOrder(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()
	task := createActiveTask(t, st, domain.PrivacyNormal)

	first := createReadySubtask(t, st, task.ID, "claude_code")
	second := createReadySubtask(t, st, task.ID, "claude_code")
	require.NoError(t, a.Enqueue(ctx, first.ID))
	require.NoError(t, a.Enqueue(ctx, second.ID))

	// One free worker: the head allocates, the next stops the drain.
	liveWorker(t, st, coord, "w-1", []string{"claude_code"}, 20, 20, 20)

	result, err := a.ReallocateQueued(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Assigned)
	require.Equal(t, 0, result.Discarded)
	require.Equal(t, int64(1), result.Remaining)

	assigned, err := st.Subtasks().Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerID("w-1"), assigned.AssignedWorker)

	head, ok, err := coord.PeekLeft(ctx, coordinator.PendingQueue)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second.ID.String(), head, "unallocated entry stays at the head")
}

func TestAllocator_ReallocateQueued_DiscardsStaleEntries(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()
	task := createActiveTask(t, st, domain.PrivacyNormal)

	done := createReadySubtask(t, st, task.ID, "claude_code")
	require.NoError(t, a.Enqueue(ctx, done.ID))
	// The row finished while the entry sat in the queue.
	fresh, err := st.Subtasks().Get(ctx, done.ID)
	require.NoError(t, err)
	require.NoError(t, fresh.TransitionTo(domain.SubtaskCompleted))
	require.NoError(t, st.Subtasks().Update(ctx, fresh))

	// An entry whose row was never persisted (orphan id).
	require.NoError(t, coord.PushRight(ctx, coordinator.PendingQueue, "deadbeef"))

	result, err := a.ReallocateQueued(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, result.Assigned)
	require.Equal(t, 2, result.Discarded)
	require.Equal(t, int64(0), result.Remaining)
}

func TestAllocator_ReallocateQueued_RotatesPausedTasks(t *testing.T) {
	a, st, coord := setupAllocator(t)
	ctx := context.Background()

	paused := createActiveTask(t, st, domain.PrivacyNormal)
	active := createActiveTask(t, st, domain.PrivacyNormal)

	pausedSub := createReadySubtask(t, st, paused.ID, "claude_code")
	activeSub := createReadySubtask(t, st, active.ID, "claude_code")
	require.NoError(t, a.Enqueue(ctx, pausedSub.ID))
	require.NoError(t, a.Enqueue(ctx, activeSub.ID))

	require.NoError(t, paused.TransitionTo(domain.TaskCheckpoint))
	require.NoError(t, st.Tasks().Update(ctx, paused))

	liveWorker(t, st, coord, "w-1", []string{"claude_code"}, 20, 20, 20)

	result, err := a.ReallocateQueued(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Assigned, "active entry allocates despite sitting behind the paused one")
	require.Equal(t, 1, result.Rotated)

	head, ok, err := coord.PeekLeft(ctx, coordinator.PendingQueue)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pausedSub.ID.String(), head, "paused entry waits at the back")
}

func TestAllocator_ReallocateQueued_BoundedAttempts(t *testing.T) {
	a, st, _ := setupAllocator(t)
	ctx := context.Background()
	a.maxQueueDrain = 3

	paused := createActiveTask(t, st, domain.PrivacyNormal)
	for i := 0; i < 5; i++ {
		s := createReadySubtask(t, st, paused.ID, "claude_code")
		require.NoError(t, a.Enqueue(ctx, s.ID))
	}
	require.NoError(t, paused.TransitionTo(domain.TaskCheckpoint))
	require.NoError(t, st.Tasks().Update(ctx, paused))

	result, err := a.ReallocateQueued(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, result.Rotated, "drain stops at the attempt bound")
	require.Equal(t, int64(5), result.Remaining)
}

func TestAllocator_Enqueue_RefusesTerminalSubtask(t *testing.T) {
	a, st, _ := setupAllocator(t)
	ctx := context.Background()
	task := createActiveTask(t, st, domain.PrivacyNormal)
	subtask := createReadySubtask(t, st, task.ID, "claude_code")
	require.NoError(t, subtask.TransitionTo(domain.SubtaskCancelled))
	require.NoError(t, st.Subtasks().Update(ctx, subtask))

	err := a.Enqueue(ctx, subtask.ID)
	require.ErrorIs(t, err, domain.ErrNotAllocatable)
}

func TestNew_NormalisesDriftedWeights(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	coord := coordinator.NewMemory()
	t.Cleanup(func() { _ = coord.Close() })

	cfg := config.Defaults()
	cfg.Allocator.WeightToolMatch = 1
	cfg.Allocator.WeightResources = 1
	cfg.Allocator.WeightPrivacy = 2

	a := New(st, coord, events.NewPublisher(coord, log.Discard()), cfg, log.Discard())
	require.InDelta(t, 0.25, a.weights.tool, 1e-9)
	require.InDelta(t, 0.25, a.weights.resource, 1e-9)
	require.InDelta(t, 0.5, a.weights.privacy, 1e-9)
}
