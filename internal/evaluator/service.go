package evaluator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/store"
)

// Service scores stored subtask output on demand. It persists every
// report and hands the fresh score to the checkpoint engine, so a low
// score pauses the task even when the evaluation arrives after result
// ingest already ran its triggers.
type Service struct {
	store  store.Store
	eval   Evaluator
	engine *checkpoint.Engine
	log    *slog.Logger
}

// NewService wires an Evaluator to the store and checkpoint engine.
func NewService(st store.Store, eval Evaluator, engine *checkpoint.Engine, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		eval:   eval,
		engine: engine,
		log:    log.ForComponent(logger, "evaluator"),
	}
}

// EvaluateSubtask scores the uploaded output of one subtask, stores the
// evaluation row, and runs checkpoint triggers with the new score. The
// subtask must have output; evaluating before the worker uploads is a
// bad-state error, not a not-found.
func (s *Service) EvaluateSubtask(ctx context.Context, subtaskID domain.SubtaskID) (*domain.Evaluation, error) {
	subtask, err := s.store.Subtasks().Get(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	if len(subtask.Output) == 0 {
		return nil, &domain.BadStateError{Entity: "subtask", ID: subtask.ID.String(),
			Msg: "no output to evaluate"}
	}
	task, err := s.store.Tasks().Get(ctx, subtask.TaskID)
	if err != nil {
		return nil, err
	}

	eval, err := s.eval.Evaluate(ctx, Request{
		SubtaskID:   subtask.ID,
		TaskID:      task.ID,
		SubtaskType: subtask.SubtaskType,
		Description: subtask.Description,
		Output:      subtask.Output,
		Context:     map[string]any{"task_description": task.Description},
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.Evaluations().Create(ctx, eval); err != nil {
		return nil, fmt.Errorf("failed to store evaluation: %w", err)
	}
	s.log.Info("subtask evaluated",
		"subtask_id", subtask.ID,
		"task_id", task.ID,
		"overall_score", eval.OverallScore)

	// The report may land after ingest already checked triggers with an
	// older (or no) score. Re-check so a low score still pauses the task.
	if _, err := s.engine.CheckAndTrigger(ctx, task, subtask, &eval.OverallScore, false); err != nil {
		s.log.Error("checkpoint evaluation failed", "subtask_id", subtask.ID, "error", err)
	}
	return eval, nil
}

// EvaluateAdhoc proxies arbitrary output to the evaluator without
// touching the store. Nothing is persisted and no triggers run; the
// caller just wants a score.
func (s *Service) EvaluateAdhoc(ctx context.Context, req Request) (*domain.Evaluation, error) {
	return s.eval.Evaluate(ctx, req)
}
