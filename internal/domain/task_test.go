package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewTask_Defaults(t *testing.T) {
	task, err := NewTask(&TaskSpec{Description: "build the widget"})
	require.NoError(t, err)

	require.Equal(t, TaskPending, task.Status)
	require.Equal(t, FrequencyMedium, task.CheckpointFrequency)
	require.Equal(t, PrivacyNormal, task.PrivacyLevel)
	require.Equal(t, 0, task.Progress)
	require.Nil(t, task.StartedAt)
	require.True(t, task.ID != "")
}

func TestNewTask_RequiresDescription(t *testing.T) {
	_, err := NewTask(&TaskSpec{})
	require.Error(t, err)
	require.True(t, IsValidation(err))
}

func TestNewTask_RejectsUnknownEnums(t *testing.T) {
	_, err := NewTask(&TaskSpec{Description: "x", CheckpointFrequency: "sometimes"})
	require.Error(t, err)

	_, err = NewTask(&TaskSpec{Description: "x", PrivacyLevel: "secret"})
	require.Error(t, err)
}

func TestTaskTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		allowed bool
	}{
		{"pending to initializing", TaskPending, TaskInitializing, true},
		{"pending to in_progress skips decompose", TaskPending, TaskInProgress, false},
		{"initializing to in_progress", TaskInitializing, TaskInProgress, true},
		{"in_progress to checkpoint", TaskInProgress, TaskCheckpoint, true},
		{"checkpoint resumes", TaskCheckpoint, TaskInProgress, true},
		{"checkpoint reject cancels", TaskCheckpoint, TaskCancelled, true},
		{"completed is a sink", TaskCompleted, TaskInProgress, false},
		{"failed is a sink", TaskFailed, TaskInProgress, false},
		{"cancelled is a sink", TaskCancelled, TaskPending, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTaskTransitionTo_SetsTimestamps(t *testing.T) {
	task, err := NewTask(&TaskSpec{Description: "x"})
	require.NoError(t, err)

	require.NoError(t, task.TransitionTo(TaskInitializing))
	require.Nil(t, task.StartedAt)

	require.NoError(t, task.TransitionTo(TaskInProgress))
	require.NotNil(t, task.StartedAt)

	require.NoError(t, task.TransitionTo(TaskCompleted))
	require.NotNil(t, task.CompletedAt)
}

func TestTaskTransitionTo_RejectsInvalid(t *testing.T) {
	task, err := NewTask(&TaskSpec{Description: "x"})
	require.NoError(t, err)

	err = task.TransitionTo(TaskCompleted)
	require.Error(t, err)
	require.True(t, IsBadState(err))
	require.Equal(t, TaskPending, task.Status, "failed transition must not mutate status")
}

func TestTaskType_ReadsMetadata(t *testing.T) {
	task, err := NewTask(&TaskSpec{
		Description: "x",
		Metadata:    map[string]any{"task_type": "develop_feature"},
	})
	require.NoError(t, err)
	require.Equal(t, "develop_feature", task.TaskType())

	bare, err := NewTask(&TaskSpec{Description: "y"})
	require.NoError(t, err)
	require.Equal(t, "", bare.TaskType())
}

func TestComputeProgress(t *testing.T) {
	require.Equal(t, 0, ComputeProgress(0, 0), "empty DAG reports zero")
	require.Equal(t, 0, ComputeProgress(0, 4))
	require.Equal(t, 25, ComputeProgress(1, 4))
	require.Equal(t, 33, ComputeProgress(1, 3), "progress floors")
	require.Equal(t, 66, ComputeProgress(2, 3))
	require.Equal(t, 100, ComputeProgress(3, 3))
}

// TestProperty_TerminalTaskStatusesAreSinks drives random transition
// sequences and verifies no path escapes a terminal status.
func TestProperty_TerminalTaskStatusesAreSinks(t *testing.T) {
	all := []TaskStatus{
		TaskPending, TaskInitializing, TaskInProgress,
		TaskCheckpoint, TaskCompleted, TaskFailed, TaskCancelled,
	}
	rapid.Check(t, func(t *rapid.T) {
		task, err := NewTask(&TaskSpec{Description: "p"})
		if err != nil {
			t.Fatalf("new task: %v", err)
		}

		steps := rapid.IntRange(1, 25).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			wasTerminal := task.Status.IsTerminal()
			target := all[rapid.IntRange(0, len(all)-1).Draw(t, "target")]
			err := task.TransitionTo(target)
			if wasTerminal && err == nil {
				t.Fatalf("terminal status %s transitioned to %s", task.Status, target)
			}
		}
	})
}

// TestProperty_ProgressBounds verifies progress stays in [0,100] and is
// monotone in the completed count.
func TestProperty_ProgressBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		total := rapid.IntRange(0, 200).Draw(t, "total")
		completed := rapid.IntRange(0, total).Draw(t, "completed")

		p := ComputeProgress(completed, total)
		if p < 0 || p > 100 {
			t.Fatalf("progress %d out of range for %d/%d", p, completed, total)
		}
		if completed < total {
			if next := ComputeProgress(completed+1, total); next < p {
				t.Fatalf("progress not monotone: %d then %d", p, next)
			}
		}
	})
}
