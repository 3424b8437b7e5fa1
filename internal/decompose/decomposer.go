package decompose

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomctl/loom/internal/coordinator"
	"github.com/loomctl/loom/internal/domain"
	"github.com/loomctl/loom/internal/events"
	"github.com/loomctl/loom/internal/log"
	"github.com/loomctl/loom/internal/store"
)

// Decomposer expands pending tasks into subtask DAGs from library
// templates.
type Decomposer struct {
	store  store.Store
	coord  coordinator.Coordinator
	events *events.Publisher
	lib    *Library
	log    *slog.Logger
}

// New creates a Decomposer backed by the given template library.
func New(st store.Store, coord coordinator.Coordinator, pub *events.Publisher, lib *Library, logger *slog.Logger) *Decomposer {
	return &Decomposer{
		store:  st,
		coord:  coord,
		events: pub,
		lib:    lib,
		log:    log.ForComponent(logger, "decomposer"),
	}
}

// Decompose expands the task into subtasks and moves it to
// initializing. Only pending tasks qualify; a task that already has
// subtasks is refused so a retried request cannot double the DAG.
//
// Creation is two-pass inside one transaction: rows are inserted
// first, then depends_on names are resolved to the freshly minted
// sibling ids. Template names stay unique per Validate, so the
// resolution is total.
func (d *Decomposer) Decompose(ctx context.Context, taskID domain.TaskID) ([]*domain.Subtask, error) {
	var (
		task     *domain.Task
		subtasks []*domain.Subtask
	)

	err := d.store.InTx(ctx, func(tx store.Store) error {
		var err error
		task, err = tx.Tasks().Get(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != domain.TaskPending {
			return &domain.BadStateError{
				Entity: "task",
				ID:     taskID.String(),
				Msg:    fmt.Sprintf("cannot decompose task in status %s", task.Status),
			}
		}

		existing, err := tx.Subtasks().ListByTask(ctx, taskID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return &domain.BadStateError{
				Entity: "task",
				ID:     taskID.String(),
				Msg:    fmt.Sprintf("task already has %d subtasks", len(existing)),
			}
		}

		tpl := d.lib.Lookup(task.TaskType())
		subtasks = d.materialize(task, tpl)
		if err := tx.Subtasks().CreateBatch(ctx, subtasks); err != nil {
			return fmt.Errorf("failed to create subtasks: %w", err)
		}

		if err := resolveDependencies(tpl, subtasks); err != nil {
			return err
		}
		for _, s := range subtasks {
			if len(s.Dependencies) == 0 {
				continue
			}
			if err := tx.Subtasks().Update(ctx, s); err != nil {
				return fmt.Errorf("failed to record dependencies for %s: %w", s.ID, err)
			}
		}

		if err := task.TransitionTo(domain.TaskInitializing); err != nil {
			return err
		}
		return tx.Tasks().Update(ctx, task)
	})
	if err != nil {
		return nil, err
	}

	d.mirrorTask(ctx, task)
	d.events.TaskUpdate(ctx, events.TaskUpdate{
		TaskID:   task.ID,
		Status:   task.Status,
		Progress: task.Progress,
	})
	d.log.Info("task decomposed",
		"task_id", task.ID,
		"task_type", task.TaskType(),
		"subtasks", len(subtasks))
	return subtasks, nil
}

// materialize builds subtask rows from the template specs, in template
// order. Tool preference: the spec's tool, else the task's first
// preferred tool.
func (d *Decomposer) materialize(task *domain.Task, tpl *Template) []*domain.Subtask {
	fallbackTool := ""
	if len(task.ToolPreferences) > 0 {
		fallbackTool = task.ToolPreferences[0]
	}

	subtasks := make([]*domain.Subtask, 0, len(tpl.Subtasks))
	for _, spec := range tpl.Subtasks {
		s := domain.NewSubtask(task.ID, spec.Name, domain.SubtaskType(spec.Type))
		s.Description = spec.Description
		s.Priority = spec.Priority
		if spec.Complexity > 0 {
			s.Complexity = spec.Complexity
		}
		s.RecommendedTool = spec.Tool
		if s.RecommendedTool == "" {
			s.RecommendedTool = fallbackTool
		}
		s.SetInput("task_description", task.Description)
		subtasks = append(subtasks, s)
	}
	return subtasks
}

// resolveDependencies maps depends_on names to the sibling ids created
// in the same pass.
func resolveDependencies(tpl *Template, subtasks []*domain.Subtask) error {
	byName := make(map[string]domain.SubtaskID, len(subtasks))
	for _, s := range subtasks {
		byName[s.Name] = s.ID
	}

	for i, spec := range tpl.Subtasks {
		if len(spec.DependsOn) == 0 {
			continue
		}
		deps := make([]domain.SubtaskID, 0, len(spec.DependsOn))
		for _, name := range spec.DependsOn {
			id, ok := byName[name]
			if !ok {
				return fmt.Errorf("template %s: unresolved dependency %q", tpl.TaskType, name)
			}
			deps = append(deps, id)
		}
		subtasks[i].Dependencies = deps
	}
	return nil
}

// mirrorTask refreshes the coordinator's task status and progress keys.
// Mirror writes are best-effort; the reconciler repairs gaps.
func (d *Decomposer) mirrorTask(ctx context.Context, task *domain.Task) {
	if err := d.coord.Set(ctx, coordinator.TaskStatusKey(task.ID), task.Status.String()); err != nil {
		d.log.Warn("failed to mirror task status", "task_id", task.ID, "error", err)
	}
	if err := d.coord.Set(ctx, coordinator.TaskProgressKey(task.ID), fmt.Sprintf("%d", task.Progress)); err != nil {
		d.log.Warn("failed to mirror task progress", "task_id", task.ID, "error", err)
	}
}
