// Package allocate matches ready subtasks to live workers by weighted
// scoring, parks the leftovers in the coordinator pending queue, and
// drains that queue again when capacity returns.
package allocate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/tracing"
)

var tracer = otel.Tracer("loom/allocate")

// Assignment is the outcome of a successful allocation.
type Assignment struct {
	Subtask *domain.Subtask
	Worker  *domain.Worker
	Score   Score
}

// Allocator scores workers against subtasks and owns the pending queue.
type Allocator struct {
	store  store.Store
	coord  coordinator.Coordinator
	events *events.Publisher

	weights       weights
	thresholds    config.AllocatorConfig
	tools         *domain.ToolSet
	statusTTL     time.Duration
	maxQueueDrain int
	maxConcurrent int

	log *slog.Logger
	now func() time.Time
}

// New creates an Allocator. Scoring weights are normalised to sum to 1;
// a drifted configuration is corrected with a warning rather than
// silently skewing every score.
func New(st store.Store, coord coordinator.Coordinator, pub *events.Publisher, cfg config.Config, logger *slog.Logger) *Allocator {
	l := log.ForComponent(logger, "allocator")

	w := weights{
		tool:     cfg.Allocator.WeightToolMatch,
		resource: cfg.Allocator.WeightResources,
		privacy:  cfg.Allocator.WeightPrivacy,
	}
	if sum := w.tool + w.resource + w.privacy; math.Abs(sum-1) > 1e-9 {
		l.Warn("allocator weights do not sum to 1, normalising",
			"tool", w.tool, "resources", w.resource, "privacy", w.privacy, "sum", sum)
		w.tool /= sum
		w.resource /= sum
		w.privacy /= sum
	}

	return &Allocator{
		store:         st,
		coord:         coord,
		events:        pub,
		weights:       w,
		thresholds:    cfg.Allocator,
		tools:         domain.NewToolSet(cfg.Allocator.LocalTools),
		statusTTL:     cfg.Worker.StatusTTL(),
		maxQueueDrain: cfg.Scheduler.MaxQueueAllocationAttempts,
		maxConcurrent: cfg.Scheduler.MaxConcurrentSubtasks,
		log:           l,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Allocate assigns the best available worker to the subtask. When no
// worker qualifies, or the system is at its concurrency cap, the
// subtask is parked in the pending queue and the sentinel comes back;
// callers distinguish "queued" from real failures with errors.Is.
func (a *Allocator) Allocate(ctx context.Context, subtaskID domain.SubtaskID) (*Assignment, error) {
	subtask, err := a.store.Subtasks().Get(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	task, err := a.store.Tasks().Get(ctx, subtask.TaskID)
	if err != nil {
		return nil, err
	}

	assignment, err := a.TryAllocate(ctx, task, subtask)
	if errors.Is(err, domain.ErrNoSuitableWorker) || errors.Is(err, domain.ErrAtCapacity) {
		if qerr := a.Enqueue(ctx, subtaskID); qerr != nil {
			return nil, qerr
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if task.Status == domain.TaskInitializing {
		if err := a.markStarted(ctx, task); err != nil {
			return assignment, err
		}
	}
	return assignment, nil
}

// TryAllocate scores the live fleet for the subtask and assigns the
// winner. It never touches the pending queue: domain.ErrNoSuitableWorker
// comes back when no live worker fits or the best total is not positive,
// domain.ErrAtCapacity when the in-progress set is full. Subtasks of
// paused or terminal tasks are refused outright.
func (a *Allocator) TryAllocate(ctx context.Context, task *domain.Task, subtask *domain.Subtask) (*Assignment, error) {
	if !subtask.Status.IsAllocatable() {
		return nil, notAllocatable(subtask)
	}
	if !task.IsActive() {
		return nil, &domain.BadStateError{
			Entity: "task",
			ID:     task.ID.String(),
			Msg:    fmt.Sprintf("cannot allocate subtasks of a %s task", task.Status),
		}
	}
	if err := a.capacity(ctx); err != nil {
		return nil, err
	}

	candidates, err := a.candidates(ctx)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		candidates[i].score = scoreWorker(a.weights, a.tools, task.PrivacyLevel, subtask.RecommendedTool, candidates[i].worker)
	}
	rank(candidates)

	if len(candidates) == 0 || candidates[0].score.Total <= 0 {
		return nil, fmt.Errorf("%w for subtask %s", domain.ErrNoSuitableWorker, subtask.ID)
	}
	best := candidates[0]
	return a.assign(ctx, task, subtask, best.worker, best.score)
}

// TaskAllocation summarises one AllocateTask call.
type TaskAllocation struct {
	Assigned []*Assignment
	Queued   []domain.SubtaskID
}

// AllocateTask allocates every ready subtask of the task, queueing the
// ones nobody can take. Ready means pending or correcting with all
// dependencies completed, walked by priority then age.
func (a *Allocator) AllocateTask(ctx context.Context, taskID domain.TaskID) (result *TaskAllocation, err error) {
	ctx, span := tracer.Start(ctx, tracing.SpanAllocate)
	span.SetAttributes(attribute.String(tracing.AttrTaskID, taskID.String()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if result != nil {
			span.SetAttributes(attribute.Int(tracing.AttrAssigned, len(result.Assigned)))
		}
		span.End()
	}()

	task, err := a.store.Tasks().Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.IsActive() {
		return nil, &domain.BadStateError{
			Entity: "task",
			ID:     taskID.String(),
			Msg:    fmt.Sprintf("cannot allocate task in status %s", task.Status),
		}
	}

	subtasks, err := a.store.Subtasks().ListByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ready := ReadySubtasks(subtasks)

	result = &TaskAllocation{}
	for _, s := range ready {
		assignment, err := a.TryAllocate(ctx, task, s)
		switch {
		case err == nil:
			result.Assigned = append(result.Assigned, assignment)
		case errors.Is(err, domain.ErrNoSuitableWorker), errors.Is(err, domain.ErrAtCapacity):
			if qerr := a.Enqueue(ctx, s.ID); qerr != nil {
				return result, qerr
			}
			result.Queued = append(result.Queued, s.ID)
		default:
			return result, err
		}
	}

	if len(result.Assigned) > 0 && task.Status == domain.TaskInitializing {
		if err := a.markStarted(ctx, task); err != nil {
			return result, err
		}
	}
	return result, nil
}

// ReadySubtasks filters and orders the allocatable frontier of a DAG:
// every pending or correcting subtask whose dependencies are all
// completed, by priority descending then creation order.
func ReadySubtasks(subtasks []*domain.Subtask) []*domain.Subtask {
	siblings := make(map[domain.SubtaskID]*domain.Subtask, len(subtasks))
	for _, s := range subtasks {
		siblings[s.ID] = s
	}

	var ready []*domain.Subtask
	for _, s := range subtasks {
		if s.ReadyIn(siblings) {
			ready = append(ready, s)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready
}

// Enqueue parks the subtask in the coordinator pending queue: status
// queued, no assigned worker. Duplicate queue entries are tolerated;
// the drain discards entries whose row is no longer parked.
func (a *Allocator) Enqueue(ctx context.Context, subtaskID domain.SubtaskID) error {
	var subtask *domain.Subtask
	err := a.store.InTx(ctx, func(tx store.Store) error {
		var err error
		subtask, err = tx.Subtasks().Get(ctx, subtaskID)
		if err != nil {
			return err
		}
		if !subtask.Status.IsAllocatable() {
			return notAllocatable(subtask)
		}
		subtask.AssignedWorker = ""
		subtask.AssignedTool = ""
		if err := subtask.TransitionTo(domain.SubtaskQueued); err != nil {
			return err
		}
		return tx.Subtasks().Update(ctx, subtask)
	})
	if err != nil {
		return err
	}

	if err := a.coord.PushRight(ctx, coordinator.PendingQueue, subtaskID.String()); err != nil {
		return fmt.Errorf("failed to push subtask onto pending queue: %w", err)
	}
	a.mirrorSubtask(ctx, subtask)
	a.log.Info("subtask queued", "subtask_id", subtaskID, "task_id", subtask.TaskID)
	return nil
}

// ReleaseWorker frees a worker's slot after its subtask finished:
// store row back to online, current-task mirror dropped.
func (a *Allocator) ReleaseWorker(ctx context.Context, workerID domain.WorkerID) error {
	worker, err := a.store.Workers().Get(ctx, workerID)
	if err != nil {
		return err
	}

	if worker.Status == domain.WorkerBusy {
		worker.Status = domain.WorkerOnline
		worker.UpdatedAt = a.now()
		if err := a.store.Workers().Update(ctx, worker); err != nil {
			return fmt.Errorf("failed to release worker: %w", err)
		}
		if err := a.coord.SetEx(ctx, coordinator.WorkerStatusKey(workerID), worker.Status.String(), a.statusTTL); err != nil {
			a.log.Warn("failed to mirror released worker status", "worker_id", workerID, "error", err)
		}
	}

	if err := a.coord.Del(ctx, coordinator.WorkerCurrentTaskKey(workerID)); err != nil {
		a.log.Warn("failed to clear worker slot", "worker_id", workerID, "error", err)
	}
	a.log.Debug("worker released", "worker_id", workerID, "status", worker.Status)
	return nil
}

// DrainResult summarises one ReallocateQueued pass.
type DrainResult struct {
	// Assigned entries found a worker and left the queue.
	Assigned int
	// Discarded entries no longer represented parked work.
	Discarded int
	// Rotated entries belong to paused tasks and moved to the back.
	Rotated int
	// Remaining is the queue length after the pass.
	Remaining int64
}

// ReallocateQueued drains the pending queue: peek the head, try to
// allocate, pop on success or discard, stop when no worker fits or the
// concurrency cap is reached. Heads whose parent task is paused at a
// checkpoint rotate to the back so they cannot starve the rest; the
// pass ends after one full lap of rotations. The attempt bound keeps
// one pass finite whatever state the queue is in.
func (a *Allocator) ReallocateQueued(ctx context.Context) (*DrainResult, error) {
	result := &DrainResult{}
	firstRotated := ""

	for attempts := 0; attempts < a.maxQueueDrain; attempts++ {
		head, ok, err := a.coord.PeekLeft(ctx, coordinator.PendingQueue)
		if err != nil {
			return result, fmt.Errorf("failed to peek pending queue: %w", err)
		}
		if !ok {
			break
		}

		subtask, err := a.store.Subtasks().Get(ctx, domain.SubtaskID(head))
		if domain.IsNotFound(err) {
			a.pop(ctx)
			result.Discarded++
			continue
		}
		if err != nil {
			return result, err
		}
		if !parked(subtask) {
			a.pop(ctx)
			result.Discarded++
			continue
		}

		task, err := a.store.Tasks().Get(ctx, subtask.TaskID)
		if err != nil {
			if domain.IsNotFound(err) {
				a.pop(ctx)
				result.Discarded++
				continue
			}
			return result, err
		}
		if task.Status == domain.TaskCheckpoint {
			if head == firstRotated {
				break // full lap: everything left is paused work
			}
			a.pop(ctx)
			if err := a.coord.PushRight(ctx, coordinator.PendingQueue, head); err != nil {
				return result, fmt.Errorf("failed to rotate paused queue entry: %w", err)
			}
			if firstRotated == "" {
				firstRotated = head
			}
			result.Rotated++
			continue
		}
		if !task.IsActive() {
			a.pop(ctx)
			result.Discarded++
			continue
		}

		_, err = a.TryAllocate(ctx, task, subtask)
		switch {
		case err == nil:
			a.pop(ctx)
			result.Assigned++
		case errors.Is(err, domain.ErrNoSuitableWorker), errors.Is(err, domain.ErrAtCapacity):
			result.Remaining, _ = a.coord.ListLen(ctx, coordinator.PendingQueue)
			return result, nil
		case errors.Is(err, domain.ErrNotAllocatable):
			a.pop(ctx)
			result.Discarded++
		default:
			return result, err
		}
	}

	result.Remaining, _ = a.coord.ListLen(ctx, coordinator.PendingQueue)
	return result, nil
}

// assign commits the assignment and publishes the coordinator mirrors
// and the worker push. The transaction re-reads both rows so a racing
// allocation of the same subtask or worker loses cleanly.
func (a *Allocator) assign(ctx context.Context, task *domain.Task, subtask *domain.Subtask, worker *domain.Worker, score Score) (*Assignment, error) {
	var fresh *domain.Subtask
	err := a.store.InTx(ctx, func(tx store.Store) error {
		var err error
		fresh, err = tx.Subtasks().Get(ctx, subtask.ID)
		if err != nil {
			return err
		}
		if !fresh.Status.IsAllocatable() {
			return notAllocatable(fresh)
		}
		fresh.AssignedWorker = worker.ID
		fresh.AssignedTool = assignedTool(fresh.RecommendedTool, worker.Tools)
		if err := fresh.TransitionTo(domain.SubtaskQueued); err != nil {
			return err
		}
		if err := tx.Subtasks().Update(ctx, fresh); err != nil {
			return err
		}

		row, err := tx.Workers().Get(ctx, worker.ID)
		if err != nil {
			return err
		}
		row.Status = domain.WorkerBusy
		row.UpdatedAt = a.now()
		return tx.Workers().Update(ctx, row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assign subtask %s: %w", subtask.ID, err)
	}

	if err := a.coord.Set(ctx, coordinator.WorkerCurrentTaskKey(worker.ID), task.ID.String()); err != nil {
		a.log.Warn("failed to mirror worker slot", "worker_id", worker.ID, "error", err)
	}
	if err := a.coord.SetEx(ctx, coordinator.WorkerStatusKey(worker.ID), domain.WorkerBusy.String(), a.statusTTL); err != nil {
		a.log.Warn("failed to mirror worker status", "worker_id", worker.ID, "error", err)
	}
	if err := a.coord.SetAdd(ctx, coordinator.InProgressSet, fresh.ID.String()); err != nil {
		a.log.Warn("failed to add subtask to in-progress set", "subtask_id", fresh.ID, "error", err)
	}
	a.mirrorSubtask(ctx, fresh)
	a.events.TaskAssignment(ctx, worker.ID, events.AssignmentFromSubtask(fresh))

	a.log.Info("subtask assigned",
		"subtask_id", fresh.ID,
		"task_id", task.ID,
		"worker_id", worker.ID,
		"tool", fresh.AssignedTool,
		"score", score.Total)
	return &Assignment{Subtask: fresh, Worker: worker, Score: score}, nil
}

// markStarted flips an initializing task to in_progress once its first
// subtask has a worker.
func (a *Allocator) markStarted(ctx context.Context, task *domain.Task) error {
	if err := task.TransitionTo(domain.TaskInProgress); err != nil {
		return err
	}
	if err := a.store.Tasks().Update(ctx, task); err != nil {
		return fmt.Errorf("failed to start task %s: %w", task.ID, err)
	}
	if err := a.coord.Set(ctx, coordinator.TaskStatusKey(task.ID), task.Status.String()); err != nil {
		a.log.Warn("failed to mirror task status", "task_id", task.ID, "error", err)
	}
	a.events.TaskUpdate(ctx, events.TaskUpdate{TaskID: task.ID, Status: task.Status, Progress: task.Progress})
	return nil
}

// capacity reports domain.ErrAtCapacity when the in-progress set has no
// room for another assignment under max_concurrent_subtasks.
func (a *Allocator) capacity(ctx context.Context) error {
	if a.maxConcurrent <= 0 {
		return nil
	}
	n, err := a.coord.SetCard(ctx, coordinator.InProgressSet)
	if err != nil {
		return fmt.Errorf("failed to read in-progress count: %w", err)
	}
	if n >= int64(a.maxConcurrent) {
		return fmt.Errorf("%w: %d in progress, cap %d", domain.ErrAtCapacity, n, a.maxConcurrent)
	}
	return nil
}

// candidates returns the live, capacity-eligible fleet. Store rows give
// the durable view; two batched coordinator reads (status, slot) filter
// it down without per-worker round trips.
func (a *Allocator) candidates(ctx context.Context) ([]candidate, error) {
	workers, err := a.store.Workers().ListByStatuses(ctx, domain.WorkerOnline, domain.WorkerIdle, domain.WorkerBusy)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	if len(workers) == 0 {
		return nil, nil
	}

	statusKeys := make([]string, len(workers))
	slotKeys := make([]string, len(workers))
	for i, w := range workers {
		statusKeys[i] = coordinator.WorkerStatusKey(w.ID)
		slotKeys[i] = coordinator.WorkerCurrentTaskKey(w.ID)
	}
	statuses, err := a.coord.MGet(ctx, statusKeys...)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker statuses: %w", err)
	}
	slots, err := a.coord.MGet(ctx, slotKeys...)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker slots: %w", err)
	}

	eligible := make([]candidate, 0, len(workers))
	for _, w := range workers {
		status, live := statuses[coordinator.WorkerStatusKey(w.ID)]
		if !live || !domain.WorkerStatus(status).Allocatable() {
			continue
		}
		if _, held := slots[coordinator.WorkerCurrentTaskKey(w.ID)]; held {
			continue
		}
		if a.overThreshold(w.Resources) {
			continue
		}
		eligible = append(eligible, candidate{worker: w})
	}
	return eligible, nil
}

// overThreshold excludes workers whose known usage exceeds the
// configured high-water marks. Unknown components never exclude.
func (a *Allocator) overThreshold(r domain.ResourceUsage) bool {
	if r.CPUPercent != nil && *r.CPUPercent > a.thresholds.ResourceThresholdCPUHigh {
		return true
	}
	if r.MemoryPercent != nil && *r.MemoryPercent > a.thresholds.ResourceThresholdMemHigh {
		return true
	}
	if r.DiskPercent != nil && *r.DiskPercent > a.thresholds.ResourceThresholdDiskHigh {
		return true
	}
	return false
}

// parked reports whether the row still represents a queue entry the
// drain should act on: allocatable and held by no worker.
func parked(s *domain.Subtask) bool {
	return s.Status.IsAllocatable() && s.AssignedWorker == ""
}

// assignedTool picks the tool the worker is told to run: the
// recommendation when there is one, else the worker's first tool.
func assignedTool(recommended string, workerTools []string) string {
	if recommended != "" {
		return recommended
	}
	if len(workerTools) > 0 {
		return workerTools[0]
	}
	return ""
}

func (a *Allocator) mirrorSubtask(ctx context.Context, subtask *domain.Subtask) {
	if err := a.coord.Set(ctx, coordinator.SubtaskStatusKey(subtask.ID), subtask.Status.String()); err != nil {
		a.log.Warn("failed to mirror subtask status", "subtask_id", subtask.ID, "error", err)
	}
}

func (a *Allocator) pop(ctx context.Context) {
	if _, _, err := a.coord.PopLeft(ctx, coordinator.PendingQueue); err != nil {
		a.log.Warn("failed to pop pending queue", "error", err)
	}
}

func notAllocatable(s *domain.Subtask) error {
	return fmt.Errorf("%w: subtask %s is %s", domain.ErrNotAllocatable, s.ID, s.Status)
}
