// Package checkpoint pauses tasks for human review and acts on the
// verdicts. Triggers fire automatically when a result carries an error,
// when a subtask exhausts its correction cycles, when an evaluation
// score drops below the threshold, when a task outlives its wall-clock
// budget, or when a frequency-driven completion milestone is crossed.
// A pending checkpoint freezes the task: nothing new is allocated until
// a decision arrives, and a decision either resumes the task, re-runs
// the snapshot with guidance, or cancels it.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/schedule"
	"github.com/loomctl/loom/internal/store"
)

// Engine evaluates triggers, creates checkpoints and applies decisions.
type Engine struct {
	store  store.Store
	coord  coordinator.Coordinator
	sched  *schedule.Scheduler
	events *events.Publisher

	cfg       config.CheckpointConfig
	threshold float64
	lockTTL   time.Duration

	log *slog.Logger
	now func() time.Time
}

// New creates an Engine. The scheduler is needed because accept and
// correct decisions resume allocation immediately rather than waiting
// for the next cycle.
func New(st store.Store, coord coordinator.Coordinator, sched *schedule.Scheduler, pub *events.Publisher, cfg config.Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:     st,
		coord:     coord,
		sched:     sched,
		events:    pub,
		cfg:       cfg.Checkpoint,
		threshold: cfg.Evaluation.Threshold,
		lockTTL:   cfg.Scheduler.LockTTL,
		log:       log.ForComponent(logger, "checkpoint"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CheckAndTrigger evaluates the automatic triggers for a subtask result
// in fixed precedence: error, correction cycle limit, low evaluation
// score, timeout, then the frequency milestone. At most one checkpoint
// is created per call; nil means nothing fired. score is the latest
// evaluation for the subtask, nil when none exists.
func (e *Engine) CheckAndTrigger(ctx context.Context, task *domain.Task, subtask *domain.Subtask, score *float64, errorOccurred bool) (*domain.Checkpoint, error) {
	// A paused or terminal task never stacks another pause.
	if !task.IsActive() {
		return nil, nil
	}

	reason, tctx, err := e.firstTrigger(ctx, task, subtask, score, errorOccurred)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, nil
	}
	return e.Trigger(ctx, task, reason, tctx)
}

func (e *Engine) firstTrigger(ctx context.Context, task *domain.Task, subtask *domain.Subtask, score *float64, errorOccurred bool) (domain.TriggerReason, map[string]any, error) {
	if e.cfg.EnableErrorTrigger && errorOccurred {
		return domain.TriggerErrorOccurred, map[string]any{
			"subtask_id": subtask.ID.String(),
			"error":      subtask.Error,
		}, nil
	}

	open, err := e.store.Corrections().CountOpenBySubtask(ctx, subtask.ID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to count open corrections: %w", err)
	}
	if open >= e.cfg.MaxCorrectionCycles {
		return domain.TriggerCycleLimit, map[string]any{
			"subtask_id":       subtask.ID.String(),
			"open_corrections": open,
			"max_cycles":       e.cfg.MaxCorrectionCycles,
		}, nil
	}

	if e.cfg.EnableEvaluationTrigger && score != nil && *score < e.threshold {
		return domain.TriggerLowEvaluationScore, map[string]any{
			"subtask_id": subtask.ID.String(),
			"score":      *score,
			"threshold":  e.threshold,
		}, nil
	}

	if e.cfg.EnableTimeoutTrigger && task.StartedAt != nil && e.now().Sub(*task.StartedAt) > e.cfg.Timeout() {
		return domain.TriggerTimeout, map[string]any{
			"started_at":    task.StartedAt.Format(time.RFC3339),
			"timeout_hours": e.cfg.TimeoutHours,
		}, nil
	}

	if e.cfg.EnablePeriodicTrigger && subtask.Status == domain.SubtaskCompleted {
		hit, mctx, err := e.milestone(ctx, task)
		if err != nil {
			return "", nil, err
		}
		if hit {
			return domain.TriggerCodeGenerationComplete, mctx, nil
		}
	}
	return "", nil, nil
}

// milestone reports whether the task crossed a completion milestone
// since its latest checkpoint. The baseline is the previous snapshot
// size: high frequency fires every subtask_interval completions beyond
// it, medium on each new quarter of the total, low on each new half.
func (e *Engine) milestone(ctx context.Context, task *domain.Task) (bool, map[string]any, error) {
	counts, err := e.store.Subtasks().CountByStatus(ctx, task.ID)
	if err != nil {
		return false, nil, fmt.Errorf("failed to count subtasks: %w", err)
	}
	total, completed := 0, counts[domain.SubtaskCompleted]
	for _, n := range counts {
		total += n
	}
	if total == 0 || completed == 0 {
		return false, nil, nil
	}

	baseline := 0
	last, err := e.store.Checkpoints().LatestByTask(ctx, task.ID)
	switch {
	case err == nil:
		baseline = len(last.SubtasksCompleted)
	case !domain.IsNotFound(err):
		return false, nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}

	hit := false
	switch task.CheckpointFrequency {
	case domain.FrequencyHigh:
		hit = completed-baseline >= e.cfg.SubtaskInterval
	case domain.FrequencyMedium:
		hit = milestoneIndex(completed, total, 4) > milestoneIndex(baseline, total, 4)
	case domain.FrequencyLow:
		hit = milestoneIndex(completed, total, 2) > milestoneIndex(baseline, total, 2)
	}
	if !hit {
		return false, nil, nil
	}
	return true, map[string]any{
		"completed": completed,
		"total":     total,
		"frequency": string(task.CheckpointFrequency),
	}, nil
}

// milestoneIndex is how many 1/parts fractions of total the count has
// crossed.
func milestoneIndex(count, total, parts int) int {
	return parts * count / total
}

// Trigger pauses the task on a new pending_review checkpoint carrying a
// snapshot of the completed subtask ids. A task holds at most one
// pending checkpoint; a second trigger while one awaits review is
// refused. The caller's task copy is left untouched.
func (e *Engine) Trigger(ctx context.Context, task *domain.Task, reason domain.TriggerReason, tctx map[string]any) (*domain.Checkpoint, error) {
	var (
		cp    *domain.Checkpoint
		fresh *domain.Task
	)
	err := e.store.InTx(ctx, func(tx store.Store) error {
		var err error
		fresh, err = tx.Tasks().Get(ctx, task.ID)
		if err != nil {
			return err
		}
		if _, err := tx.Checkpoints().PendingByTask(ctx, task.ID); err == nil {
			return &domain.BadStateError{Entity: "task", ID: task.ID.String(),
				Msg: "a checkpoint is already pending review"}
		} else if !domain.IsNotFound(err) {
			return fmt.Errorf("failed to check for pending checkpoint: %w", err)
		}

		subtasks, err := tx.Subtasks().ListByTask(ctx, task.ID)
		if err != nil {
			return err
		}
		var snapshot []domain.SubtaskID
		for _, sub := range subtasks {
			if sub.Status == domain.SubtaskCompleted {
				snapshot = append(snapshot, sub.ID)
			}
		}

		cp = domain.NewCheckpoint(task.ID, reason, snapshot)
		if err := tx.Checkpoints().Create(ctx, cp); err != nil {
			return err
		}
		if err := fresh.TransitionTo(domain.TaskCheckpoint); err != nil {
			return err
		}
		return tx.Tasks().Update(ctx, fresh)
	})
	if err != nil {
		return nil, err
	}

	e.mirrorTask(ctx, fresh)
	e.events.Checkpoint(ctx, events.Checkpoint{
		CheckpointID:  cp.ID,
		TaskID:        task.ID,
		TriggerReason: reason,
		Context:       tctx,
	})
	e.events.TaskUpdate(ctx, events.TaskUpdate{TaskID: fresh.ID, Status: fresh.Status, Progress: fresh.Progress})

	e.log.Info("checkpoint triggered",
		"checkpoint_id", cp.ID,
		"task_id", task.ID,
		"reason", reason,
		"snapshot_size", len(cp.SubtasksCompleted),
		"requires_attention", cp.RequiresAttention)
	return cp, nil
}

// Sweep fires the timeout trigger for every running task that outlived
// the wall-clock budget. One task's failure never stops the sweep; the
// return value counts checkpoints created.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	if !e.cfg.EnableTimeoutTrigger {
		return 0, nil
	}
	tasks, err := e.store.Tasks().ListByStatuses(ctx, domain.TaskInProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to list running tasks: %w", err)
	}

	fired := 0
	budget := e.cfg.Timeout()
	for _, task := range tasks {
		if task.StartedAt == nil || e.now().Sub(*task.StartedAt) <= budget {
			continue
		}
		_, err := e.Trigger(ctx, task, domain.TriggerTimeout, map[string]any{
			"started_at":    task.StartedAt.Format(time.RFC3339),
			"timeout_hours": e.cfg.TimeoutHours,
		})
		if err != nil {
			e.log.Error("failed to trigger timeout checkpoint", "task_id", task.ID, "error", err)
			continue
		}
		fired++
	}
	return fired, nil
}

func (e *Engine) mirrorTask(ctx context.Context, task *domain.Task) {
	if err := e.coord.Set(ctx, coordinator.TaskStatusKey(task.ID), task.Status.String()); err != nil {
		e.log.Warn("failed to mirror task status", "task_id", task.ID, "error", err)
	}
	if err := e.coord.Set(ctx, coordinator.TaskProgressKey(task.ID), strconv.Itoa(task.Progress)); err != nil {
		e.log.Warn("failed to mirror task progress", "task_id", task.ID, "error", err)
	}
}

func (e *Engine) mirrorSubtask(ctx context.Context, subtask *domain.Subtask) {
	if err := e.coord.Set(ctx, coordinator.SubtaskStatusKey(subtask.ID), subtask.Status.String()); err != nil {
		e.log.Warn("failed to mirror subtask status", "subtask_id", subtask.ID, "error", err)
	}
}
