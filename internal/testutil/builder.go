package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/store"
)

// Builder accumulates domain fixtures and inserts them in dependency
// order: workers first, then each task followed by its subtasks.
// Statuses are reached through the real state machines, so a fixture
// that could not occur in production fails the test instead of
// slipping into it.
type Builder struct {
	t       *testing.T
	st      store.Store
	workers []*domain.Worker
	tasks   []*taskData
}

type taskData struct {
	task     *domain.Task
	status   domain.TaskStatus
	subtasks []*subtaskData
}

type subtaskData struct {
	subtask   *domain.Subtask
	status    domain.SubtaskStatus
	dependsOn []string
}

// Fixture holds the inserted rows, keyed by worker id, task description
// and subtask name.
type Fixture struct {
	Workers  map[domain.WorkerID]*domain.Worker
	Tasks    map[string]*domain.Task
	Subtasks map[string]*domain.Subtask
}

// NewBuilder creates a builder writing to the given store.
func NewBuilder(t *testing.T, st store.Store) *Builder {
	t.Helper()
	return &Builder{t: t, st: st}
}

// WorkerOption configures a fixture worker.
type WorkerOption func(*domain.Worker)

// WorkerStatus sets the worker status.
func WorkerStatus(s domain.WorkerStatus) WorkerOption {
	return func(w *domain.Worker) { w.Status = s }
}

// Tools replaces the worker's tool list.
func Tools(tools ...string) WorkerOption {
	return func(w *domain.Worker) { w.Tools = tools }
}

// HeartbeatAt backdates the worker's last heartbeat.
func HeartbeatAt(at time.Time) WorkerOption {
	return func(w *domain.Worker) { w.LastHeartbeat = at }
}

// WithWorker adds a worker: online, fresh heartbeat, claude_code tool
// unless options say otherwise.
func (b *Builder) WithWorker(id string, opts ...WorkerOption) *Builder {
	now := time.Now().UTC()
	w := &domain.Worker{
		ID:            domain.WorkerID(id),
		MachineID:     "machine-" + id,
		MachineName:   id,
		Status:        domain.WorkerOnline,
		Tools:         []string{"claude_code"},
		LastHeartbeat: now,
		RegisteredAt:  now,
		UpdatedAt:     now,
	}
	for _, opt := range opts {
		opt(w)
	}
	b.workers = append(b.workers, w)
	return b
}

// TaskOption configures a fixture task.
type TaskOption func(*taskData)

// TaskStatus sets the status the task is advanced to on Build.
func TaskStatus(s domain.TaskStatus) TaskOption {
	return func(d *taskData) { d.status = s }
}

// TaskProgress sets the task's progress percentage.
func TaskProgress(pct int) TaskOption {
	return func(d *taskData) { d.task.Progress = pct }
}

// WithTask adds a task; subsequent WithSubtask calls attach to it.
func (b *Builder) WithTask(description string, opts ...TaskOption) *Builder {
	b.t.Helper()
	task, err := domain.NewTask(&domain.TaskSpec{Description: description})
	require.NoError(b.t, err)
	d := &taskData{task: task, status: domain.TaskPending}
	for _, opt := range opts {
		opt(d)
	}
	b.tasks = append(b.tasks, d)
	return b
}

// SubtaskOption configures a fixture subtask.
type SubtaskOption func(*subtaskData)

// SubtaskStatus sets the status the subtask is advanced to on Build.
func SubtaskStatus(s domain.SubtaskStatus) SubtaskOption {
	return func(d *subtaskData) { d.status = s }
}

// Priority sets the subtask's queue priority.
func Priority(n int) SubtaskOption {
	return func(d *subtaskData) { d.subtask.Priority = n }
}

// OfType overrides the default code_generation subtask type.
func OfType(typ domain.SubtaskType) SubtaskOption {
	return func(d *subtaskData) { d.subtask.SubtaskType = typ }
}

// AssignedTo marks the subtask held by a worker, tool included, the way
// the allocator leaves it.
func AssignedTo(workerID string) SubtaskOption {
	return func(d *subtaskData) {
		d.subtask.AssignedWorker = domain.WorkerID(workerID)
		d.subtask.AssignedTool = "claude_code"
	}
}

// DependsOn wires dependencies to sibling subtasks by name. Names
// resolve on Build, so forward references within one task are fine.
func DependsOn(names ...string) SubtaskOption {
	return func(d *subtaskData) { d.dependsOn = append(d.dependsOn, names...) }
}

// WithSubtask attaches a subtask to the most recent WithTask.
func (b *Builder) WithSubtask(name string, opts ...SubtaskOption) *Builder {
	b.t.Helper()
	require.NotEmpty(b.t, b.tasks, "WithSubtask needs a preceding WithTask")
	parent := b.tasks[len(b.tasks)-1]
	d := &subtaskData{
		subtask: domain.NewSubtask(parent.task.ID, name, domain.SubtaskTypeCodeGeneration),
		status:  domain.SubtaskPending,
	}
	for _, opt := range opts {
		opt(d)
	}
	parent.subtasks = append(parent.subtasks, d)
	return b
}

// Build inserts all accumulated fixtures and returns their handles.
func (b *Builder) Build(ctx context.Context) *Fixture {
	b.t.Helper()
	fx := &Fixture{
		Workers:  make(map[domain.WorkerID]*domain.Worker, len(b.workers)),
		Tasks:    make(map[string]*domain.Task, len(b.tasks)),
		Subtasks: make(map[string]*domain.Subtask),
	}

	for _, w := range b.workers {
		require.NoError(b.t, b.st.Workers().Create(ctx, w))
		fx.Workers[w.ID] = w
	}

	for _, td := range b.tasks {
		b.advanceTask(td.task, td.status)
		require.NoError(b.t, b.st.Tasks().Create(ctx, td.task))
		require.NotContains(b.t, fx.Tasks, td.task.Description, "duplicate task description")
		fx.Tasks[td.task.Description] = td.task

		byName := make(map[string]domain.SubtaskID, len(td.subtasks))
		for _, sd := range td.subtasks {
			byName[sd.subtask.Name] = sd.subtask.ID
		}
		for _, sd := range td.subtasks {
			for _, dep := range sd.dependsOn {
				id, ok := byName[dep]
				require.True(b.t, ok, "subtask %q depends on unknown sibling %q", sd.subtask.Name, dep)
				sd.subtask.Dependencies = append(sd.subtask.Dependencies, id)
			}
			b.advanceSubtask(sd.subtask, sd.status)
			require.NoError(b.t, b.st.Subtasks().Create(ctx, sd.subtask))
			require.NotContains(b.t, fx.Subtasks, sd.subtask.Name, "duplicate subtask name")
			fx.Subtasks[sd.subtask.Name] = sd.subtask
		}
	}
	return fx
}

// advanceTask walks the task state machine to the target status.
func (b *Builder) advanceTask(task *domain.Task, target domain.TaskStatus) {
	b.t.Helper()
	paths := map[domain.TaskStatus][]domain.TaskStatus{
		domain.TaskPending:      {},
		domain.TaskInitializing: {domain.TaskInitializing},
		domain.TaskInProgress:   {domain.TaskInitializing, domain.TaskInProgress},
		domain.TaskCheckpoint:   {domain.TaskInitializing, domain.TaskInProgress, domain.TaskCheckpoint},
		domain.TaskCompleted:    {domain.TaskInitializing, domain.TaskInProgress, domain.TaskCompleted},
		domain.TaskFailed:       {domain.TaskInitializing, domain.TaskInProgress, domain.TaskFailed},
		domain.TaskCancelled:    {domain.TaskCancelled},
	}
	steps, ok := paths[target]
	if !ok {
		b.t.Fatalf("unsupported fixture task status %s", target)
	}
	for _, s := range steps {
		require.NoError(b.t, task.TransitionTo(s))
	}
}

// advanceSubtask walks the subtask state machine to the target status.
func (b *Builder) advanceSubtask(sub *domain.Subtask, target domain.SubtaskStatus) {
	b.t.Helper()
	paths := map[domain.SubtaskStatus][]domain.SubtaskStatus{
		domain.SubtaskPending:    {},
		domain.SubtaskQueued:     {domain.SubtaskQueued},
		domain.SubtaskInProgress: {domain.SubtaskQueued, domain.SubtaskInProgress},
		domain.SubtaskCompleted:  {domain.SubtaskQueued, domain.SubtaskInProgress, domain.SubtaskCompleted},
		domain.SubtaskFailed:     {domain.SubtaskQueued, domain.SubtaskInProgress, domain.SubtaskFailed},
		domain.SubtaskCancelled:  {domain.SubtaskCancelled},
		domain.SubtaskCorrecting: {domain.SubtaskQueued, domain.SubtaskInProgress, domain.SubtaskFailed, domain.SubtaskCorrecting},
	}
	steps, ok := paths[target]
	if !ok {
		b.t.Fatalf("unsupported fixture subtask status %s", target)
	}
	for _, s := range steps {
		require.NoError(b.t, sub.TransitionTo(s))
	}
}
