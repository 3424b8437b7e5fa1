// Package schedule drives allocation over time. A periodic cycle walks
// every active task and hands its ready subtasks to the allocator; a
// completion hook advances a single task the moment one of its subtasks
// reports a result. Cycles are serialised across processes by a
// coordinator lock, so running several control-plane replicas schedules
// each subtask once.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loomctl/loom/internal/allocate"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/tracing"
)

var tracer = otel.Tracer("loom/schedule")

// Scheduler owns the cycle and the on-completion hook.
type Scheduler struct {
	store  store.Store
	coord  coordinator.Coordinator
	alloc  *allocate.Allocator
	events *events.Publisher

	lockTTL       time.Duration
	maxConcurrent int

	log *slog.Logger
	now func() time.Time
}

// New creates a Scheduler on top of an Allocator.
func New(st store.Store, coord coordinator.Coordinator, alloc *allocate.Allocator, pub *events.Publisher, cfg config.Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:         st,
		coord:         coord,
		alloc:         alloc,
		events:        pub,
		lockTTL:       cfg.Scheduler.LockTTL,
		maxConcurrent: cfg.Scheduler.MaxConcurrentSubtasks,
		log:           log.ForComponent(logger, "scheduler"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CycleResult summarises one scheduling cycle.
type CycleResult struct {
	// Skipped reports that another process held the cycle lock.
	Skipped bool
	// InProgress is the in-progress set cardinality at cycle start.
	InProgress int64
	// Tasks is the number of active tasks examined.
	Tasks int
	// Assigned counts subtasks handed to workers, including the ones the
	// trailing queue drain placed.
	Assigned int
	// Queued counts ready subtasks parked because nothing could take them.
	Queued int
	// Drain summarises the trailing pending-queue pass, nil when the
	// cycle ended before reaching it.
	Drain *allocate.DrainResult
	// TaskErrors collects per-task failures; the cycle runs every task
	// regardless.
	TaskErrors map[domain.TaskID]error
}

// Cycle runs one scheduling pass: under the cycle lock, walk active
// tasks oldest first with their subtasks eager-loaded, allocate each
// task's ready frontier, then drain the pending queue. A full
// in-progress set short-circuits the whole pass. One task's failure is
// recorded and the walk continues.
func (s *Scheduler) Cycle(ctx context.Context) (result *CycleResult, err error) {
	unlock, err := s.coord.Lock(ctx, coordinator.SchedulerLock, s.lockTTL)
	if errors.Is(err, coordinator.ErrLockHeld) {
		s.log.Debug("cycle lock held elsewhere, skipping")
		return &CycleResult{Skipped: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire scheduler lock: %w", err)
	}
	defer func() {
		if uerr := unlock(ctx); uerr != nil && !errors.Is(uerr, coordinator.ErrNotLocked) {
			s.log.Warn("failed to release scheduler lock", "error", uerr)
		}
	}()

	ctx, span := tracer.Start(ctx, tracing.SpanSchedulerCycle)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if result != nil {
			span.SetAttributes(
				attribute.Int(tracing.AttrExamined, result.Tasks),
				attribute.Int(tracing.AttrAssigned, result.Assigned),
			)
		}
		span.End()
	}()

	result = &CycleResult{TaskErrors: make(map[domain.TaskID]error)}

	result.InProgress, err = s.coord.SetCard(ctx, coordinator.InProgressSet)
	if err != nil {
		return nil, fmt.Errorf("failed to read in-progress count: %w", err)
	}
	if s.maxConcurrent > 0 && result.InProgress >= int64(s.maxConcurrent) {
		s.log.Debug("concurrency cap reached, nothing to schedule",
			"in_progress", result.InProgress, "cap", s.maxConcurrent)
		return result, nil
	}

	tasks, err := s.store.Tasks().ListByStatuses(ctx, domain.TaskInitializing, domain.TaskInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tasks: %w", err)
	}
	result.Tasks = len(tasks)

	if len(tasks) > 0 {
		ids := make([]domain.TaskID, len(tasks))
		for i, task := range tasks {
			ids[i] = task.ID
		}
		grouped, err := s.store.Subtasks().ListByTasks(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to load subtasks: %w", err)
		}

		for _, task := range tasks {
			assigned, queued, terr := s.scheduleTask(ctx, task, grouped[task.ID])
			result.Assigned += assigned
			result.Queued += queued
			if terr != nil {
				result.TaskErrors[task.ID] = terr
				s.log.Error("scheduling failed for task", "task_id", task.ID, "error", terr)
			}
		}
	}

	drain, err := s.alloc.ReallocateQueued(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to drain pending queue: %w", err)
	}
	result.Drain = drain
	result.Assigned += drain.Assigned

	if result.Assigned > 0 || result.Queued > 0 || len(result.TaskErrors) > 0 {
		s.log.Info("cycle finished",
			"tasks", result.Tasks,
			"assigned", result.Assigned,
			"queued", result.Queued,
			"queue_remaining", drain.Remaining,
			"errors", len(result.TaskErrors))
	}
	return result, nil
}

// scheduleTask walks one task's ready frontier in priority order.
// Subtasks nobody can take, whether for lack of a worker or because the
// concurrency cap filled mid-cycle, are parked on the pending queue.
func (s *Scheduler) scheduleTask(ctx context.Context, task *domain.Task, subtasks []*domain.Subtask) (assigned, queued int, err error) {
	for _, sub := range allocate.ReadySubtasks(subtasks) {
		_, aerr := s.alloc.TryAllocate(ctx, task, sub)
		switch {
		case aerr == nil:
			assigned++
			if task.Status == domain.TaskInitializing {
				if serr := s.startTask(ctx, task); serr != nil {
					return assigned, queued, serr
				}
			}
		case errors.Is(aerr, domain.ErrNoSuitableWorker), errors.Is(aerr, domain.ErrAtCapacity):
			if qerr := s.alloc.Enqueue(ctx, sub.ID); qerr != nil {
				return assigned, queued, qerr
			}
			queued++
		default:
			return assigned, queued, aerr
		}
	}
	return assigned, queued, nil
}

// ScheduleTask runs one scheduling pass over a single task, outside the
// periodic cycle. Ready subtasks are assigned or parked exactly as the
// cycle would, and a first assignment still starts the task.
func (s *Scheduler) ScheduleTask(ctx context.Context, taskID domain.TaskID) (assigned, queued int, err error) {
	task, err := s.store.Tasks().Get(ctx, taskID)
	if err != nil {
		return 0, 0, err
	}
	if !task.IsActive() {
		return 0, 0, &domain.BadStateError{Entity: "task", ID: task.ID.String(),
			Msg: fmt.Sprintf("cannot schedule a %s task", task.Status)}
	}
	subtasks, err := s.store.Subtasks().ListByTask(ctx, taskID)
	if err != nil {
		return 0, 0, err
	}
	return s.scheduleTask(ctx, task, subtasks)
}

// OnSubtaskComplete advances a task after one of its subtasks reached a
// result. Progress is recomputed from stored counts; a fully completed
// DAG completes the task and an uncorrected failure fails it; otherwise
// the newly unblocked subtasks are allocated. The ingest pipeline
// invokes this after checkpoint evaluation, so a task the evaluation
// just paused only gets its progress refreshed.
func (s *Scheduler) OnSubtaskComplete(ctx context.Context, subtaskID domain.SubtaskID) error {
	subtask, err := s.store.Subtasks().Get(ctx, subtaskID)
	if err != nil {
		return err
	}
	return s.Advance(ctx, subtask.TaskID)
}

// Advance recomputes a task's progress and terminal status from its
// subtask counts, then allocates whatever became ready. The checkpoint
// engine calls it when an accepted decision resumes a task.
func (s *Scheduler) Advance(ctx context.Context, taskID domain.TaskID) error {
	task, err := s.store.Tasks().Get(ctx, taskID)
	if err != nil {
		return err
	}
	counts, err := s.store.Subtasks().CountByStatus(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to count subtasks: %w", err)
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	completed := counts[domain.SubtaskCompleted]
	failed := counts[domain.SubtaskFailed]

	task.Progress = domain.ComputeProgress(completed, total)
	task.UpdatedAt = s.now()

	switch {
	case !task.IsActive():
		// Paused at a checkpoint or already terminal: progress only.
	case failed > 0:
		if err := task.TransitionTo(domain.TaskFailed); err != nil {
			return err
		}
		s.log.Info("task failed", "task_id", task.ID, "failed_subtasks", failed)
	case total > 0 && completed == total:
		if err := task.TransitionTo(domain.TaskCompleted); err != nil {
			return err
		}
		s.log.Info("task completed", "task_id", task.ID, "subtasks", total)
	}

	if err := s.store.Tasks().Update(ctx, task); err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	s.mirrorTask(ctx, task)
	s.events.TaskUpdate(ctx, events.TaskUpdate{TaskID: task.ID, Status: task.Status, Progress: task.Progress})

	if !task.IsActive() {
		return nil
	}
	if _, err := s.alloc.AllocateTask(ctx, task.ID); err != nil {
		return fmt.Errorf("failed to allocate unblocked subtasks: %w", err)
	}
	return nil
}

// Cancel aborts a task: the task and every non-terminal subtask move to
// cancelled in one transaction, workers holding its subtasks are
// released, and the mirrors are updated. Queue entries for the task are
// discarded by the next drain; results still in flight bounce off
// ingest's terminal-state rejection.
func (s *Scheduler) Cancel(ctx context.Context, taskID domain.TaskID) (*domain.Task, error) {
	var (
		task    *domain.Task
		touched []*domain.Subtask
	)
	err := s.store.InTx(ctx, func(tx store.Store) error {
		touched = nil
		var err error
		task, err = tx.Tasks().Get(ctx, taskID)
		if err != nil {
			return err
		}
		if err := task.TransitionTo(domain.TaskCancelled); err != nil {
			return err
		}
		subtasks, err := tx.Subtasks().ListByTask(ctx, taskID)
		if err != nil {
			return err
		}
		for _, sub := range subtasks {
			if sub.Status.IsTerminal() {
				continue
			}
			if err := sub.TransitionTo(domain.SubtaskCancelled); err != nil {
				return err
			}
			if err := tx.Subtasks().Update(ctx, sub); err != nil {
				return err
			}
			touched = append(touched, sub)
		}
		task.UpdatedAt = s.now()
		return tx.Tasks().Update(ctx, task)
	})
	if err != nil {
		return nil, err
	}

	for _, sub := range touched {
		if err := s.coord.Set(ctx, coordinator.SubtaskStatusKey(sub.ID), sub.Status.String()); err != nil {
			s.log.Warn("failed to mirror cancelled subtask", "subtask_id", sub.ID, "error", err)
		}
		if err := s.coord.SetRemove(ctx, coordinator.InProgressSet, sub.ID.String()); err != nil {
			s.log.Warn("failed to leave in-progress set", "subtask_id", sub.ID, "error", err)
		}
		if sub.AssignedWorker != "" {
			if err := s.alloc.ReleaseWorker(ctx, sub.AssignedWorker); err != nil {
				s.log.Warn("failed to release worker", "worker_id", sub.AssignedWorker, "error", err)
			}
		}
	}
	s.mirrorTask(ctx, task)
	s.events.TaskUpdate(ctx, events.TaskUpdate{TaskID: task.ID, Status: task.Status, Progress: task.Progress})
	s.log.Info("task cancelled", "task_id", task.ID, "subtasks_cancelled", len(touched))
	return task, nil
}

// startTask flips an initializing task to in_progress after its first
// assignment.
func (s *Scheduler) startTask(ctx context.Context, task *domain.Task) error {
	if err := task.TransitionTo(domain.TaskInProgress); err != nil {
		return err
	}
	if err := s.store.Tasks().Update(ctx, task); err != nil {
		return fmt.Errorf("failed to start task %s: %w", task.ID, err)
	}
	s.mirrorTask(ctx, task)
	s.events.TaskUpdate(ctx, events.TaskUpdate{TaskID: task.ID, Status: task.Status, Progress: task.Progress})
	return nil
}

func (s *Scheduler) mirrorTask(ctx context.Context, task *domain.Task) {
	if err := s.coord.Set(ctx, coordinator.TaskStatusKey(task.ID), task.Status.String()); err != nil {
		s.log.Warn("failed to mirror task status", "task_id", task.ID, "error", err)
	}
	if err := s.coord.Set(ctx, coordinator.TaskProgressKey(task.ID), strconv.Itoa(task.Progress)); err != nil {
		s.log.Warn("failed to mirror task progress", "task_id", task.ID, "error", err)
	}
}
