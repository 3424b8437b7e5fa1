package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/allocate"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/store"
)

func setupScheduler(t *testing.T) (*Scheduler, store.Store, coordinator.Coordinator) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err, "failed to open store")
	t.Cleanup(func() { _ = st.Close() })

	coord := coordinator.NewMemory()
	t.Cleanup(func() { _ = coord.Close() })

	pub := events.NewPublisher(coord, log.Discard())
	cfg := config.Defaults()
	alloc := allocate.New(st, coord, pub, cfg, log.Discard())
	return New(st, coord, alloc, pub, cfg, log.Discard()), st, coord
}

func scheduleWorker(t *testing.T, st store.Store, coord coordinator.Coordinator, id string) *domain.Worker {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	usage := 20.0
	w := &domain.Worker{
		ID:          domain.WorkerID(id),
		MachineID:   "machine-" + id,
		MachineName: id,
		Status:      domain.WorkerOnline,
		Tools:       []string{"claude_code"},
		Resources: domain.ResourceUsage{
			CPUPercent:    &usage,
			MemoryPercent: &usage,
			DiskPercent:   &usage,
		},
		LastHeartbeat: now,
		RegisteredAt:  now,
		UpdatedAt:     now,
	}
	require.NoError(t, st.Workers().Create(ctx, w))
	require.NoError(t, coord.SetEx(ctx, coordinator.WorkerStatusKey(w.ID), w.Status.String(), time.Minute))
	return w
}

// newTaskAt creates a task whose age is offset from now, so cross-task
// FIFO order is explicit rather than a race on the clock.
func newTaskAt(t *testing.T, st store.Store, status domain.TaskStatus, age time.Duration) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(&domain.TaskSpec{Description: "scheduled work"})
	require.NoError(t, err)
	task.CreatedAt = task.CreatedAt.Add(-age)
	if status != domain.TaskPending {
		require.NoError(t, task.TransitionTo(domain.TaskInitializing))
	}
	if status == domain.TaskInProgress || status == domain.TaskCheckpoint {
		require.NoError(t, task.TransitionTo(domain.TaskInProgress))
	}
	if status == domain.TaskCheckpoint {
		require.NoError(t, task.TransitionTo(domain.TaskCheckpoint))
	}
	require.NoError(t, st.Tasks().Create(context.Background(), task))
	return task
}

func addSubtask(t *testing.T, st store.Store, taskID domain.TaskID, name string, priority int, deps ...domain.SubtaskID) *domain.Subtask {
	t.Helper()
	s := domain.NewSubtask(taskID, name, domain.SubtaskTypeCodeGeneration)
	s.RecommendedTool = "claude_code"
	s.Priority = priority
	s.Dependencies = deps
	require.NoError(t, st.Subtasks().Create(context.Background(), s))
	return s
}

// finishSubtask walks a stored subtask through the worker lifecycle to
// a result status.
func finishSubtask(t *testing.T, st store.Store, s *domain.Subtask, result domain.SubtaskStatus) {
	t.Helper()
	require.NoError(t, s.TransitionTo(domain.SubtaskQueued))
	require.NoError(t, s.TransitionTo(domain.SubtaskInProgress))
	require.NoError(t, s.TransitionTo(result))
	require.NoError(t, st.Subtasks().Update(context.Background(), s))
}

func TestScheduler_Cycle_AssignsReadyFrontier(t *testing.T) {
	s, st, coord := setupScheduler(t)
	ctx := context.Background()

	task := newTaskAt(t, st, domain.TaskInitializing, 0)
	gen := addSubtask(t, st, task.ID, "Code Generation", 10)
	addSubtask(t, st, task.ID, "Code Review", 5, gen.ID)
	scheduleWorker(t, st, coord, "w-1")

	result, err := s.Cycle(ctx)
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.Equal(t, 1, result.Tasks)
	require.Equal(t, 1, result.Assigned, "only the dependency-free subtask is ready")
	require.Equal(t, 0, result.Queued)
	require.Empty(t, result.TaskErrors)

	stored, err := st.Subtasks().Get(ctx, gen.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerID("w-1"), stored.AssignedWorker)

	// First allocation starts the task.
	fresh, err := st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskInProgress, fresh.Status)
	require.NotNil(t, fresh.StartedAt)
}

func TestScheduler_Cycle_QueuesWhenNoWorkers(t *testing.T) {
	s, st, coord := setupScheduler(t)
	ctx := context.Background()

	task := newTaskAt(t, st, domain.TaskInitializing, 0)
	gen := addSubtask(t, st, task.ID, "Code Generation", 10)

	result, err := s.Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, result.Assigned)
	require.Equal(t, 1, result.Queued)

	head, ok, err := coord.PeekLeft(ctx, coordinator.PendingQueue)
	require.NoError(t, err)
	require.True(t, ok, "pending queue empty")
	require.Equal(t, gen.ID.String(), head)

	// Nothing was assigned, so the task never starts.
	fresh, err := st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskInitializing, fresh.Status)
}

func TestScheduler_Cycle_SkipsWhenLockHeld(t *testing.T) {
	s, st, coord := setupScheduler(t)
	ctx := context.Background()

	task := newTaskAt(t, st, domain.TaskInitializing, 0)
	addSubtask(t, st, task.ID, "Code Generation", 10)
	scheduleWorker(t, st, coord, "w-1")

	unlock, err := coord.Lock(ctx, coordinator.SchedulerLock, time.Minute)
	require.NoError(t, err)

	result, err := s.Cycle(ctx)
	require.NoError(t, err)
	require.True(t, result.Skipped)
	require.Equal(t, 0, result.Assigned)

	require.NoError(t, unlock(ctx))

	result, err = s.Cycle(ctx)
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.Equal(t, 1, result.Assigned)
}

func TestScheduler_Cycle_ShortCircuitsAtCap(t *testing.T) {
	s, st, coord := setupScheduler(t)
	ctx := context.Background()

	task := newTaskAt(t, st, domain.TaskInitializing, 0)
	addSubtask(t, st, task.ID, "Code Generation", 10)
	scheduleWorker(t, st, coord, "w-1")

	s.maxConcurrent = 1
	require.NoError(t, coord.SetAdd(ctx, coordinator.InProgressSet, "already-running"))

	result, err := s.Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.InProgress)
	require.Equal(t, 0, result.Tasks, "a full system examines no tasks")
	require.Equal(t, 0, result.Assigned)
	require.Nil(t, result.Drain)
}

func TestScheduler_Cycle_FIFOAcrossTasks(t *testing.T) {
	s, st, coord := setupScheduler(t)
	ctx := context.Background()

	older := newTaskAt(t, st, domain.TaskInitializing, time.Hour)
	newer := newTaskAt(t, st, domain.TaskInitializing, 0)
	olderSub := addSubtask(t, st, older.ID, "Code Generation", 5)
	newerSub := addSubtask(t, st, newer.ID, "Code Generation", 50)
	scheduleWorker(t, st, coord, "w-only")

	result, err := s.Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Tasks)
	require.Equal(t, 1, result.Assigned)
	require.Equal(t, 1, result.Queued)

	// Cross-task order is task age, not subtask priority.
	stored, err := st.Subtasks().Get(ctx, olderSub.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerID("w-only"), stored.AssignedWorker)

	parked, err := st.Subtasks().Get(ctx, newerSub.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubtaskQueued, parked.Status)
	require.Empty(t, parked.AssignedWorker)
}

func TestScheduler_Cycle_PriorityWithinTask(t *testing.T) {
	s, st, coord := setupScheduler(t)
	ctx := context.Background()

	task := newTaskAt(t, st, domain.TaskInitializing, 0)
	low := addSubtask(t, st, task.ID, "Documentation", 1)
	high := addSubtask(t, st, task.ID, "Code Generation", 10)
	scheduleWorker(t, st, coord, "w-only")

	result, err := s.Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Assigned)
	require.Equal(t, 1, result.Queued)

	stored, err := st.Subtasks().Get(ctx, high.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerID("w-only"), stored.AssignedWorker)

	parked, err := st.Subtasks().Get(ctx, low.ID)
	require.NoError(t, err)
	require.Empty(t, parked.AssignedWorker)
}

func TestScheduler_Cycle_DrainsLeftoverQueue(t *testing.T) {
	s, st, coord := setupScheduler(t)
	ctx := context.Background()

	task := newTaskAt(t, st, domain.TaskInProgress, time.Minute)
	sub := addSubtask(t, st, task.ID, "Code Generation", 10)

	// Park the subtask the way an earlier worker-less cycle would have.
	first, err := s.Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Queued)

	scheduleWorker(t, st, coord, "w-late")

	second, err := s.Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, second.Assigned, "drain places the parked subtask")
	require.NotNil(t, second.Drain)
	require.Equal(t, 1, second.Drain.Assigned)
	require.Equal(t, int64(0), second.Drain.Remaining)

	stored, err := st.Subtasks().Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerID("w-late"), stored.AssignedWorker)
}

func TestScheduler_OnSubtaskComplete_CompletesTask(t *testing.T) {
	s, st, coord := setupScheduler(t)
	ctx := context.Background()

	task := newTaskAt(t, st, domain.TaskInProgress, 0)
	first := addSubtask(t, st, task.ID, "Code Generation", 10)
	second := addSubtask(t, st, task.ID, "Code Review", 5, first.ID)
	finishSubtask(t, st, first, domain.SubtaskCompleted)
	finishSubtask(t, st, second, domain.SubtaskCompleted)

	sub, err := coord.Subscribe(ctx, coordinator.ChannelTaskUpdate)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.OnSubtaskComplete(ctx, second.ID))

	fresh, err := st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, fresh.Status)
	require.Equal(t, 100, fresh.Progress)
	require.NotNil(t, fresh.CompletedAt)

	status, ok, err := coord.Get(ctx, coordinator.TaskStatusKey(task.ID))
	require.NoError(t, err)
	require.True(t, ok, "task status mirror missing")
	require.Equal(t, "completed", status)
	progress, ok, err := coord.Get(ctx, coordinator.TaskProgressKey(task.ID))
	require.NoError(t, err)
	require.True(t, ok, "task progress mirror missing")
	require.Equal(t, "100", progress)

	select {
	case msg := <-sub.Messages():
		env, err := events.Unmarshal[events.TaskUpdate](msg.Payload)
		require.NoError(t, err)
		require.Equal(t, task.ID, env.Data.TaskID)
		require.Equal(t, domain.TaskCompleted, env.Data.Status)
		require.Equal(t, 100, env.Data.Progress)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task update event")
	}
}

func TestScheduler_OnSubtaskComplete_FailsTask(t *testing.T) {
	s, st, _ := setupScheduler(t)
	ctx := context.Background()

	task := newTaskAt(t, st, domain.TaskInProgress, 0)
	broken := addSubtask(t, st, task.ID, "Code Generation", 10)
	addSubtask(t, st, task.ID, "Code Review", 5, broken.ID)
	finishSubtask(t, st, broken, domain.SubtaskFailed)

	require.NoError(t, s.OnSubtaskComplete(ctx, broken.ID))

	fresh, err := st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskFailed, fresh.Status)
	require.Equal(t, 0, fresh.Progress)
	require.NotNil(t, fresh.CompletedAt)
}

func TestScheduler_OnSubtaskComplete_AllocatesUnblockedDependents(t *testing.T) {
	s, st, coord := setupScheduler(t)
	ctx := context.Background()

	task := newTaskAt(t, st, domain.TaskInProgress, 0)
	gen := addSubtask(t, st, task.ID, "Code Generation", 10)
	review := addSubtask(t, st, task.ID, "Code Review", 5, gen.ID)
	finishSubtask(t, st, gen, domain.SubtaskCompleted)
	scheduleWorker(t, st, coord, "w-1")

	require.NoError(t, s.OnSubtaskComplete(ctx, gen.ID))

	fresh, err := st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskInProgress, fresh.Status)
	require.Equal(t, 50, fresh.Progress)

	unblocked, err := st.Subtasks().Get(ctx, review.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerID("w-1"), unblocked.AssignedWorker, "completing the dependency frees the review")
}

func TestScheduler_OnSubtaskComplete_PausedTaskRefreshesProgressOnly(t *testing.T) {
	s, st, coord := setupScheduler(t)
	ctx := context.Background()

	task := newTaskAt(t, st, domain.TaskCheckpoint, 0)
	gen := addSubtask(t, st, task.ID, "Code Generation", 10)
	review := addSubtask(t, st, task.ID, "Code Review", 5, gen.ID)
	finishSubtask(t, st, gen, domain.SubtaskCompleted)
	scheduleWorker(t, st, coord, "w-idle")

	require.NoError(t, s.OnSubtaskComplete(ctx, gen.ID))

	fresh, err := st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCheckpoint, fresh.Status, "a paused task never fails or resumes here")
	require.Equal(t, 50, fresh.Progress)

	parked, err := st.Subtasks().Get(ctx, review.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubtaskPending, parked.Status, "no allocation while paused")
	require.Empty(t, parked.AssignedWorker)
}

func TestScheduler_Advance_ResumedTaskCompletes(t *testing.T) {
	s, st, _ := setupScheduler(t)
	ctx := context.Background()

	// A checkpoint decision resumed the task after its last subtask
	// finished; Advance must notice there is nothing left to run.
	task := newTaskAt(t, st, domain.TaskInProgress, 0)
	only := addSubtask(t, st, task.ID, "Code Generation", 10)
	finishSubtask(t, st, only, domain.SubtaskCompleted)

	require.NoError(t, s.Advance(ctx, task.ID))

	fresh, err := st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, fresh.Status)
	require.Equal(t, 100, fresh.Progress)
}

func TestScheduler_Advance_UnknownTask(t *testing.T) {
	s, _, _ := setupScheduler(t)
	err := s.Advance(context.Background(), domain.TaskID("no-such-task"))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestScheduler_ScheduleTask_SingleTaskPass(t *testing.T) {
	s, st, coord := setupScheduler(t)
	ctx := context.Background()

	task := newTaskAt(t, st, domain.TaskInitializing, 0)
	gen := addSubtask(t, st, task.ID, "Code Generation", 10)
	addSubtask(t, st, task.ID, "Code Review", 5, gen.ID)
	// A second task must stay untouched.
	other := newTaskAt(t, st, domain.TaskInitializing, time.Minute)
	idle := addSubtask(t, st, other.ID, "Testing", 10)
	scheduleWorker(t, st, coord, "w-1")

	assigned, queued, err := s.ScheduleTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 1, assigned)
	require.Equal(t, 0, queued)

	stored, err := st.Subtasks().Get(ctx, gen.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerID("w-1"), stored.AssignedWorker)

	fresh, err := st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskInProgress, fresh.Status, "first assignment starts the task")

	untouched, err := st.Subtasks().Get(ctx, idle.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubtaskPending, untouched.Status)
}

func TestScheduler_ScheduleTask_InactiveTaskRejected(t *testing.T) {
	s, st, _ := setupScheduler(t)
	ctx := context.Background()

	task := newTaskAt(t, st, domain.TaskPending, 0)
	_, _, err := s.ScheduleTask(ctx, task.ID)
	require.True(t, domain.IsBadState(err), "a task without subtasks yet is not schedulable")
}

func TestScheduler_Cancel_StopsEverything(t *testing.T) {
	s, st, coord := setupScheduler(t)
	ctx := context.Background()

	w := scheduleWorker(t, st, coord, "w-1")
	task := newTaskAt(t, st, domain.TaskInProgress, 0)
	done := addSubtask(t, st, task.ID, "Code Generation", 10)
	finishSubtask(t, st, done, domain.SubtaskCompleted)

	running := addSubtask(t, st, task.ID, "Code Review", 9, done.ID)
	require.NoError(t, running.TransitionTo(domain.SubtaskQueued))
	require.NoError(t, running.TransitionTo(domain.SubtaskInProgress))
	running.AssignedWorker = w.ID
	running.AssignedTool = "claude_code"
	require.NoError(t, st.Subtasks().Update(ctx, running))
	waiting := addSubtask(t, st, task.ID, "Test Generation", 8, done.ID)

	w.Status = domain.WorkerBusy
	require.NoError(t, st.Workers().Update(ctx, w))
	require.NoError(t, coord.SetAdd(ctx, coordinator.InProgressSet, running.ID.String()))
	require.NoError(t, coord.Set(ctx, coordinator.WorkerCurrentTaskKey(w.ID), task.ID.String()))

	got, err := s.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCancelled, got.Status)

	// Unfinished subtasks are terminal now, in-flight included; the
	// completed row keeps its result.
	for _, id := range []domain.SubtaskID{running.ID, waiting.ID} {
		sub, err := st.Subtasks().Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.SubtaskCancelled, sub.Status)
	}
	sub, err := st.Subtasks().Get(ctx, done.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubtaskCompleted, sub.Status)

	members, err := coord.SetMembers(ctx, coordinator.InProgressSet)
	require.NoError(t, err)
	require.NotContains(t, members, running.ID.String())

	fresh, err := st.Workers().Get(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.WorkerOnline, fresh.Status)
	_, held, err := coord.Get(ctx, coordinator.WorkerCurrentTaskKey(w.ID))
	require.NoError(t, err)
	require.False(t, held)

	status, ok, err := coord.Get(ctx, coordinator.TaskStatusKey(task.ID))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.TaskCancelled.String(), status)
}

func TestScheduler_Cancel_TerminalTaskRejected(t *testing.T) {
	s, st, _ := setupScheduler(t)
	ctx := context.Background()

	task := newTaskAt(t, st, domain.TaskInProgress, 0)
	only := addSubtask(t, st, task.ID, "Code Generation", 10)
	finishSubtask(t, st, only, domain.SubtaskCompleted)
	require.NoError(t, s.Advance(ctx, task.ID))

	_, err := s.Cancel(ctx, task.ID)
	require.True(t, domain.IsBadState(err))
}
