package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/loomctl/loom/internal/domain"
)

// DependencyLevels partitions a task's subtasks into execution waves:
// level 0 holds subtasks with no dependencies, level n those whose
// dependencies all sit in earlier levels. Everything inside one wave
// may run in parallel. Subtasks whose dependency chain never resolves,
// from dangling references or a cycle, are reported as an error.
func DependencyLevels(subtasks []*domain.Subtask) ([][]*domain.Subtask, error) {
	placed := make(map[domain.SubtaskID]bool, len(subtasks))
	var levels [][]*domain.Subtask

	remaining := make([]*domain.Subtask, len(subtasks))
	copy(remaining, subtasks)

	for len(remaining) > 0 {
		var wave, blocked []*domain.Subtask
		for _, s := range remaining {
			ready := true
			for _, dep := range s.Dependencies {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, s)
			} else {
				blocked = append(blocked, s)
			}
		}
		if len(wave) == 0 {
			names := make([]string, len(blocked))
			for i, s := range blocked {
				names[i] = s.Name
			}
			return nil, fmt.Errorf("dependencies of %s can never be satisfied", strings.Join(names, ", "))
		}

		sort.SliceStable(wave, func(i, j int) bool {
			if wave[i].Priority != wave[j].Priority {
				return wave[i].Priority > wave[j].Priority
			}
			return wave[i].CreatedAt.Before(wave[j].CreatedAt)
		})
		for _, s := range wave {
			placed[s.ID] = true
		}
		levels = append(levels, wave)
		remaining = blocked
	}
	return levels, nil
}

// ParallelPlan is the wave-by-wave execution plan of one task's DAG.
type ParallelPlan struct {
	TaskID domain.TaskID
	Levels [][]*domain.Subtask
}

// Width returns the size of the widest wave, the task's maximum
// achievable parallelism.
func (p *ParallelPlan) Width() int {
	width := 0
	for _, level := range p.Levels {
		if len(level) > width {
			width = len(level)
		}
	}
	return width
}

// CoordinateParallelExecution computes the dependency-level plan for a
// task. It is advisory: the cycle allocates from the live ready
// frontier and never consults the plan.
func (s *Scheduler) CoordinateParallelExecution(ctx context.Context, taskID domain.TaskID) (*ParallelPlan, error) {
	task, err := s.store.Tasks().Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	subtasks, err := s.store.Subtasks().ListByTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	levels, err := DependencyLevels(subtasks)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", taskID, err)
	}
	return &ParallelPlan{TaskID: task.ID, Levels: levels}, nil
}
