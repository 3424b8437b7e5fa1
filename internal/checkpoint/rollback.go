package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/store"
)

// RollbackRequest tunes a rollback. ResetEvaluations discards the
// evaluations of every reset subtask so re-runs are scored fresh.
type RollbackRequest struct {
	Reason           string
	ResetEvaluations bool
}

// RollbackResult reports what a rollback touched.
type RollbackResult struct {
	Checkpoint    *domain.Checkpoint
	SubtasksReset int
	// Progress is the task progress after the reset.
	Progress int
}

// Rollback restores a task to the state a checkpoint captured: every
// subtask completed after the snapshot returns to pending with its
// result wiped, checkpoints triggered later are deleted, and progress
// is recomputed. If deleting later checkpoints removed the pause point,
// the task resumes; the next cycle re-allocates the reset subtasks.
// A per-task lock keeps concurrent rollbacks of the same task out.
func (e *Engine) Rollback(ctx context.Context, checkpointID domain.CheckpointID, req RollbackRequest) (*RollbackResult, error) {
	cp, err := e.store.Checkpoints().Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	unlock, err := e.coord.Lock(ctx, coordinator.RollbackLock(cp.TaskID), e.lockTTL)
	if errors.Is(err, coordinator.ErrLockHeld) {
		return nil, &domain.BadStateError{Entity: "task", ID: cp.TaskID.String(),
			Msg: "another rollback is in flight"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire rollback lock: %w", err)
	}
	defer func() {
		if uerr := unlock(ctx); uerr != nil && !errors.Is(uerr, coordinator.ErrNotLocked) {
			e.log.Warn("failed to release rollback lock", "task_id", cp.TaskID, "error", uerr)
		}
	}()

	snapshot := make(map[domain.SubtaskID]bool, len(cp.SubtasksCompleted))
	for _, id := range cp.SubtasksCompleted {
		snapshot[id] = true
	}

	var (
		task  *domain.Task
		reset []*domain.Subtask
	)
	err = e.store.InTx(ctx, func(tx store.Store) error {
		var err error
		task, err = tx.Tasks().Get(ctx, cp.TaskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return &domain.BadStateError{Entity: "task", ID: task.ID.String(),
				Msg: fmt.Sprintf("cannot roll back a %s task", task.Status)}
		}

		subtasks, err := tx.Subtasks().ListByTask(ctx, cp.TaskID)
		if err != nil {
			return err
		}

		reset = reset[:0]
		var resetIDs []domain.SubtaskID
		for _, sub := range subtasks {
			if sub.Status != domain.SubtaskCompleted || snapshot[sub.ID] {
				continue
			}
			if err := sub.TransitionTo(domain.SubtaskPending); err != nil {
				return err
			}
			sub.Progress = 0
			sub.Output = nil
			sub.Error = ""
			sub.AssignedWorker = ""
			sub.AssignedTool = ""
			sub.StartedAt = nil
			sub.CompletedAt = nil
			if err := tx.Subtasks().Update(ctx, sub); err != nil {
				return err
			}
			reset = append(reset, sub)
			resetIDs = append(resetIDs, sub.ID)
		}

		if req.ResetEvaluations && len(resetIDs) > 0 {
			if err := tx.Evaluations().DeleteBySubtasks(ctx, resetIDs); err != nil {
				return err
			}
		}
		if err := tx.Checkpoints().DeleteAfter(ctx, cp.TaskID, cp.TriggeredAt); err != nil {
			return err
		}

		completed := 0
		for _, sub := range subtasks {
			if sub.Status == domain.SubtaskCompleted {
				completed++
			}
		}
		task.Progress = domain.ComputeProgress(completed, len(subtasks))
		task.UpdatedAt = e.now()

		// The pause point may have been deleted with the later
		// checkpoints; if no pending checkpoint remains, resume.
		if task.Status == domain.TaskCheckpoint {
			if _, err := tx.Checkpoints().PendingByTask(ctx, cp.TaskID); domain.IsNotFound(err) {
				if terr := task.TransitionTo(domain.TaskInProgress); terr != nil {
					return terr
				}
			} else if err != nil {
				return fmt.Errorf("failed to check for pending checkpoint: %w", err)
			}
		}
		return tx.Tasks().Update(ctx, task)
	})
	if err != nil {
		return nil, err
	}

	for _, sub := range reset {
		e.mirrorSubtask(ctx, sub)
	}
	e.mirrorTask(ctx, task)
	e.events.CheckpointRollback(ctx, events.CheckpointRollback{
		CheckpointID:  cp.ID,
		TaskID:        cp.TaskID,
		SubtasksReset: len(reset),
	})
	e.events.TaskUpdate(ctx, events.TaskUpdate{TaskID: task.ID, Status: task.Status, Progress: task.Progress})

	e.log.Info("rolled back to checkpoint",
		"checkpoint_id", cp.ID,
		"task_id", cp.TaskID,
		"subtasks_reset", len(reset),
		"reason", req.Reason)

	return &RollbackResult{Checkpoint: cp, SubtasksReset: len(reset), Progress: task.Progress}, nil
}
