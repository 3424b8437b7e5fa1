// Package review drives the agent-pair review chain. Every completed
// code_generation subtask gets a code_review dependent; a review that
// scores below the threshold spawns a code_fix, a completed fix spawns
// the next review, and a chain that burns through its fix budget
// escalates to a human checkpoint instead of looping forever.
package review

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/store"
)

// Input keys threading chain state through spawned subtasks.
const (
	KeyChainRoot       = "chain_root"
	KeyReviewOf        = "review_of"
	KeyReviewCycle     = "review_cycle"
	KeyReviewReport    = "review_report"
	KeyPreferredWorker = "preferred_worker"
)

// Coordinator spawns and advances review chains.
type Coordinator struct {
	store  store.Store
	coord  coordinator.Coordinator
	engine *checkpoint.Engine
	cfg    config.ReviewConfig
	log    *slog.Logger
}

// New creates a Coordinator. The checkpoint engine handles escalation
// when a chain exhausts max_fix_cycles.
func New(st store.Store, coord coordinator.Coordinator, engine *checkpoint.Engine, cfg config.Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  st,
		coord:  coord,
		engine: engine,
		cfg:    cfg.Review,
		log:    log.ForComponent(logger, "review"),
	}
}

// OnSubtaskComplete advances the chain for a subtask that just reached
// completed. Generation output gets a review, review output gets judged,
// fix output gets re-reviewed. Returns the spawned subtask, nil when the
// chain rests. Chains keep their bookkeeping moving while a task is
// paused; only allocation is frozen then.
func (c *Coordinator) OnSubtaskComplete(ctx context.Context, task *domain.Task, sub *domain.Subtask) (*domain.Subtask, error) {
	if task.Status.IsTerminal() || sub.Status != domain.SubtaskCompleted {
		return nil, nil
	}
	switch sub.SubtaskType {
	case domain.SubtaskTypeCodeGeneration:
		return c.spawnReview(ctx, sub, sub.ID, 1)
	case domain.SubtaskTypeCodeReview:
		return c.onReviewComplete(ctx, task, sub)
	case domain.SubtaskTypeCodeFix:
		return c.spawnReview(ctx, sub, chainRoot(sub), reviewCycle(sub))
	default:
		return nil, nil
	}
}

// spawnReview creates a code_review subtask depending on target, unless
// a sibling review already depends on it (decomposition templates ship
// their own, and re-delivered results must not double-spawn).
func (c *Coordinator) spawnReview(ctx context.Context, target *domain.Subtask, root domain.SubtaskID, cycle int) (*domain.Subtask, error) {
	var spawned *domain.Subtask
	err := c.store.InTx(ctx, func(tx store.Store) error {
		siblings, err := tx.Subtasks().ListByTask(ctx, target.TaskID)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.SubtaskType == domain.SubtaskTypeCodeReview && dependsOn(sib, target.ID) {
				return nil
			}
		}

		review := domain.NewSubtask(target.TaskID, reviewName(cycle), domain.SubtaskTypeCodeReview)
		review.Description = fmt.Sprintf("Review the output of %q", target.Name)
		review.Dependencies = []domain.SubtaskID{target.ID}
		review.Priority = target.Priority + c.cfg.PriorityBumpReview
		review.Complexity = 2
		review.SetInput(KeyChainRoot, root.String())
		review.SetInput(KeyReviewOf, target.ID.String())
		review.SetInput(KeyReviewCycle, cycle)
		spawned = review
		return tx.Subtasks().Create(ctx, review)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn review: %w", err)
	}
	if spawned == nil {
		return nil, nil
	}
	c.log.Info("review spawned",
		"subtask_id", spawned.ID,
		"task_id", target.TaskID,
		"reviews", target.ID,
		"cycle", cycle)
	return spawned, nil
}

func (c *Coordinator) onReviewComplete(ctx context.Context, task *domain.Task, review *domain.Subtask) (*domain.Subtask, error) {
	score, ok := scoreFrom(review.Output)
	if !ok {
		c.log.Warn("review completed without a score", "subtask_id", review.ID, "task_id", review.TaskID)
		return nil, nil
	}
	if score >= c.cfg.ScoreThreshold {
		c.log.Info("review passed", "subtask_id", review.ID, "score", score)
		return nil, nil
	}

	next := reviewCycle(review) + 1
	if next > c.cfg.MaxFixCycles {
		return nil, c.escalate(ctx, task, review, score, next)
	}
	return c.spawnFix(ctx, review, score, next)
}

// spawnFix creates a code_fix subtask depending on the failed review,
// steered back to the tool and worker that produced the original code.
func (c *Coordinator) spawnFix(ctx context.Context, review *domain.Subtask, score float64, cycle int) (*domain.Subtask, error) {
	root := chainRoot(review)
	var spawned *domain.Subtask
	err := c.store.InTx(ctx, func(tx store.Store) error {
		siblings, err := tx.Subtasks().ListByTask(ctx, review.TaskID)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.SubtaskType == domain.SubtaskTypeCodeFix && dependsOn(sib, review.ID) {
				return nil
			}
		}
		original, err := tx.Subtasks().Get(ctx, root)
		if err != nil {
			return err
		}

		fix := domain.NewSubtask(review.TaskID, fixName(cycle), domain.SubtaskTypeCodeFix)
		fix.Description = fmt.Sprintf("Address review findings on %q", original.Name)
		fix.Dependencies = []domain.SubtaskID{review.ID}
		fix.Priority = review.Priority + c.cfg.PriorityBumpFix
		fix.Complexity = original.Complexity
		fix.RecommendedTool = original.AssignedTool
		if fix.RecommendedTool == "" {
			fix.RecommendedTool = original.RecommendedTool
		}
		fix.SetInput(KeyChainRoot, root.String())
		fix.SetInput(KeyReviewCycle, cycle)
		fix.SetInput(KeyReviewReport, review.Output)
		if original.AssignedWorker != "" {
			fix.SetInput(KeyPreferredWorker, original.AssignedWorker.String())
		}
		spawned = fix
		return tx.Subtasks().Create(ctx, fix)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn fix: %w", err)
	}
	if spawned == nil {
		return nil, nil
	}
	c.log.Info("fix spawned",
		"subtask_id", spawned.ID,
		"task_id", review.TaskID,
		"review_id", review.ID,
		"score", score,
		"cycle", cycle)
	return spawned, nil
}

// escalate ends an exhausted chain: the original subtask goes back to
// correcting with a human-review flag in its output, and a checkpoint
// pauses the task. If another checkpoint is already pending the flag
// rides that one instead of stacking a second pause.
func (c *Coordinator) escalate(ctx context.Context, task *domain.Task, review *domain.Subtask, score float64, cycle int) error {
	root := chainRoot(review)
	var original *domain.Subtask
	err := c.store.InTx(ctx, func(tx store.Store) error {
		var err error
		original, err = tx.Subtasks().Get(ctx, root)
		if err != nil {
			return err
		}
		if err := original.TransitionTo(domain.SubtaskCorrecting); err != nil {
			return err
		}
		original.SetOutput("requires_human_review", true)
		return tx.Subtasks().Update(ctx, original)
	})
	if err != nil {
		return fmt.Errorf("failed to flag chain root for human review: %w", err)
	}
	if err := c.coord.Set(ctx, coordinator.SubtaskStatusKey(original.ID), original.Status.String()); err != nil {
		c.log.Warn("failed to mirror subtask status", "subtask_id", original.ID, "error", err)
	}

	c.log.Warn("review chain exhausted its fix budget",
		"chain_root", root,
		"review_id", review.ID,
		"task_id", task.ID,
		"score", score,
		"cycle", cycle)

	_, err = c.engine.Trigger(ctx, task, domain.TriggerReviewIssues, map[string]any{
		"chain_root":   root.String(),
		"review_id":    review.ID.String(),
		"score":        score,
		"review_cycle": cycle,
	})
	if domain.IsBadState(err) {
		c.log.Warn("task already paused, escalation rides the pending checkpoint",
			"task_id", task.ID, "error", err)
		return nil
	}
	return err
}

// reviewCycle reads the chain round from the input map. Template-made
// reviews carry no bookkeeping and count as the first round.
func reviewCycle(sub *domain.Subtask) int {
	if n, ok := sub.InputInt(KeyReviewCycle); ok && n > 0 {
		return n
	}
	return 1
}

// chainRoot resolves the original subtask of a chain member, falling
// back to the reviewed dependency for template-made reviews.
func chainRoot(sub *domain.Subtask) domain.SubtaskID {
	if v := sub.InputString(KeyChainRoot); v != "" {
		return domain.SubtaskID(v)
	}
	if len(sub.Dependencies) > 0 {
		return sub.Dependencies[0]
	}
	return sub.ID
}

func dependsOn(sub *domain.Subtask, id domain.SubtaskID) bool {
	for _, dep := range sub.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

func scoreFrom(output map[string]any) (float64, bool) {
	if output == nil {
		return 0, false
	}
	switch v := output["score"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func reviewName(cycle int) string {
	if cycle <= 1 {
		return "Code Review"
	}
	return fmt.Sprintf("Code Review %d", cycle)
}

func fixName(cycle int) string {
	if cycle <= 2 {
		return "Code Fix"
	}
	return fmt.Sprintf("Code Fix %d", cycle-1)
}
