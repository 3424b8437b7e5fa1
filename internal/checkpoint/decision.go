package checkpoint

import (
	"context"
	"fmt"

	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/store"
)

// DecisionRequest carries a human verdict on a pending checkpoint.
// Feedback doubles as correction guidance when the decision is correct.
type DecisionRequest struct {
	Decision       domain.Decision
	Feedback       string
	CorrectionType string
	ReferenceFiles []string
	// ApplyToFuture carries the guidance into subtasks created later for
	// the same task.
	ApplyToFuture bool
}

// ProcessDecision applies a verdict to a pending checkpoint.
//
// accept resumes the task as-is. correct re-runs every subtask in the
// snapshot: each gets a pending correction row and the guidance in its
// input, and moves to correcting so the scheduler picks it up again.
// reject cancels the task along with every child that has not reached a
// worker. Accept and correct advance the task immediately; a decided
// checkpoint refuses further decisions.
func (e *Engine) ProcessDecision(ctx context.Context, checkpointID domain.CheckpointID, req DecisionRequest) (*domain.Checkpoint, error) {
	if !req.Decision.IsValid() {
		return nil, &domain.ValidationError{Field: "decision", Msg: fmt.Sprintf("unknown decision %q", req.Decision)}
	}

	var (
		cp      *domain.Checkpoint
		task    *domain.Task
		touched []*domain.Subtask
	)
	err := e.store.InTx(ctx, func(tx store.Store) error {
		var err error
		cp, err = tx.Checkpoints().Get(ctx, checkpointID)
		if err != nil {
			return err
		}
		if !cp.Pending() {
			return &domain.BadStateError{Entity: "checkpoint", ID: checkpointID.String(),
				Msg: fmt.Sprintf("already %s", cp.Status)}
		}
		task, err = tx.Tasks().Get(ctx, cp.TaskID)
		if err != nil {
			return err
		}

		now := e.now()
		cp.UserDecision = req.Decision
		cp.DecisionNotes = req.Feedback
		cp.ReviewedAt = &now

		switch req.Decision {
		case domain.DecisionAccept:
			cp.Status = domain.CheckpointApproved
			if err := task.TransitionTo(domain.TaskInProgress); err != nil {
				return err
			}

		case domain.DecisionCorrect:
			cp.Status = domain.CheckpointCorrected
			if err := task.TransitionTo(domain.TaskInProgress); err != nil {
				return err
			}
			touched, err = e.spawnCorrections(ctx, tx, cp, req)
			if err != nil {
				return err
			}

		case domain.DecisionReject:
			cp.Status = domain.CheckpointRejected
			if err := task.TransitionTo(domain.TaskCancelled); err != nil {
				return err
			}
			touched, err = cancelUnstarted(ctx, tx, task.ID)
			if err != nil {
				return err
			}
		}

		if err := tx.Checkpoints().Update(ctx, cp); err != nil {
			return err
		}
		return tx.Tasks().Update(ctx, task)
	})
	if err != nil {
		return nil, err
	}

	e.mirrorTask(ctx, task)
	for _, sub := range touched {
		e.mirrorSubtask(ctx, sub)
	}
	e.events.TaskUpdate(ctx, events.TaskUpdate{TaskID: task.ID, Status: task.Status, Progress: task.Progress})
	e.log.Info("checkpoint decided",
		"checkpoint_id", cp.ID,
		"task_id", task.ID,
		"decision", req.Decision,
		"subtasks_touched", len(touched))

	// Accept and correct resume scheduling right away; Advance also
	// refreshes progress and completes the task if nothing is left.
	if task.IsActive() {
		if err := e.sched.Advance(ctx, task.ID); err != nil {
			e.log.Error("failed to advance resumed task", "task_id", task.ID, "error", err)
		}
	}
	return cp, nil
}

// spawnCorrections creates a pending correction for every subtask in
// the checkpoint snapshot and moves the subtask to correcting with the
// guidance in its input. A snapshot row that can no longer enter
// correction is skipped, not fatal.
func (e *Engine) spawnCorrections(ctx context.Context, tx store.Store, cp *domain.Checkpoint, req DecisionRequest) ([]*domain.Subtask, error) {
	var touched []*domain.Subtask
	for _, id := range cp.SubtasksCompleted {
		sub, err := tx.Subtasks().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := sub.TransitionTo(domain.SubtaskCorrecting); err != nil {
			e.log.Warn("snapshot subtask cannot enter correction",
				"subtask_id", id, "status", sub.Status)
			continue
		}

		corr := domain.NewCorrection(cp.ID, id, req.CorrectionType, req.Feedback)
		corr.ReferenceFiles = append([]string(nil), req.ReferenceFiles...)
		corr.ApplyToFuture = req.ApplyToFuture
		if err := tx.Corrections().Create(ctx, corr); err != nil {
			return nil, err
		}

		sub.SetInput("correction_guidance", req.Feedback)
		sub.SetInput("correction_type", corr.CorrectionType)
		if len(req.ReferenceFiles) > 0 {
			sub.SetInput("reference_files", req.ReferenceFiles)
		}
		if err := tx.Subtasks().Update(ctx, sub); err != nil {
			return nil, err
		}
		touched = append(touched, sub)
	}
	return touched, nil
}

// cancelUnstarted cancels every subtask of the task that has not
// reached a worker: pending, queued and correcting rows. Results still
// in flight on workers land on a cancelled task and go no further.
func cancelUnstarted(ctx context.Context, tx store.Store, taskID domain.TaskID) ([]*domain.Subtask, error) {
	subtasks, err := tx.Subtasks().ListByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var touched []*domain.Subtask
	for _, sub := range subtasks {
		switch sub.Status {
		case domain.SubtaskPending, domain.SubtaskQueued, domain.SubtaskCorrecting:
		default:
			continue
		}
		if err := sub.TransitionTo(domain.SubtaskCancelled); err != nil {
			return nil, err
		}
		if err := tx.Subtasks().Update(ctx, sub); err != nil {
			return nil, err
		}
		touched = append(touched, sub)
	}
	return touched, nil
}
