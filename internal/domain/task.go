// Package domain defines the entities shared by every control-plane
// component: tasks, subtasks, workers, checkpoints, corrections, and
// evaluations, together with their status state machines and the error
// taxonomy surfaced at the API boundary.
package domain

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// TaskID uniquely identifies a task.
// It is a string-based type using UUID format for global uniqueness.
type TaskID string

// NewTaskID generates a new unique TaskID using UUID v4.
func NewTaskID() TaskID {
	return TaskID(uuid.New().String())
}

// String returns the string representation of the TaskID.
func (id TaskID) String() string {
	return string(id)
}

// TaskStatus represents the lifecycle state of a task.
// Valid transitions:
//
//	Pending      -> Initializing, Cancelled
//	Initializing -> InProgress, Failed, Cancelled
//	InProgress   -> Checkpoint, Completed, Failed, Cancelled
//	Checkpoint   -> InProgress, Failed, Cancelled
//	Completed    -> (terminal)
//	Failed       -> (terminal)
//	Cancelled    -> (terminal)
type TaskStatus string

const (
	// TaskPending indicates the task is created but not yet decomposed.
	TaskPending TaskStatus = "pending"
	// TaskInitializing indicates the task has a subtask DAG but no
	// subtask has been handed to a worker yet.
	TaskInitializing TaskStatus = "initializing"
	// TaskInProgress indicates at least one subtask has been allocated.
	TaskInProgress TaskStatus = "in_progress"
	// TaskCheckpoint indicates the task is paused on a pending_review
	// checkpoint and receives no new allocations.
	TaskCheckpoint TaskStatus = "checkpoint"
	// TaskCompleted indicates every subtask completed.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed indicates a subtask failure terminated the task.
	TaskFailed TaskStatus = "failed"
	// TaskCancelled indicates the task was cancelled by a user or a
	// rejected checkpoint.
	TaskCancelled TaskStatus = "cancelled"
)

// taskTransitions defines the allowed status transitions for tasks.
// The key is the current status, the value is a set of valid targets.
var taskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskInitializing: true,
		TaskCancelled:    true,
	},
	TaskInitializing: {
		TaskInProgress: true,
		TaskCheckpoint: true, // manual trigger before first allocation
		TaskFailed:     true,
		TaskCancelled:  true,
	},
	TaskInProgress: {
		TaskCheckpoint: true,
		TaskCompleted:  true,
		TaskFailed:     true,
		TaskCancelled:  true,
	},
	TaskCheckpoint: {
		TaskInProgress: true,
		TaskFailed:     true,
		TaskCancelled:  true,
	},
	// Terminal statuses have no valid transitions
	TaskCompleted: {},
	TaskFailed:    {},
	TaskCancelled: {},
}

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized TaskStatus value.
func (s TaskStatus) IsValid() bool {
	_, ok := taskTransitions[s]
	return ok
}

// IsTerminal returns true if this status is a sink (Completed, Failed,
// or Cancelled).
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// CanTransitionTo returns true if transitioning from the current status
// to the target status is valid according to the task state machine.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	allowed, ok := taskTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// CheckpointFrequency controls how often the periodic
// code-generation-complete checkpoint trigger fires for a task.
type CheckpointFrequency string

const (
	// FrequencyHigh checkpoints after every completed subtask.
	FrequencyHigh CheckpointFrequency = "high"
	// FrequencyMedium checkpoints when a new 25% completion milestone
	// is crossed.
	FrequencyMedium CheckpointFrequency = "medium"
	// FrequencyLow checkpoints when a new 50% completion milestone is
	// crossed.
	FrequencyLow CheckpointFrequency = "low"
)

// IsValid returns true if this is a recognized CheckpointFrequency.
func (f CheckpointFrequency) IsValid() bool {
	return f == FrequencyHigh || f == FrequencyMedium || f == FrequencyLow
}

// PrivacyLevel classifies how freely a task's material may leave the
// local fleet. Sensitive tasks prefer workers whose tools run locally.
type PrivacyLevel string

const (
	// PrivacyNormal places no restriction on tool locality.
	PrivacyNormal PrivacyLevel = "normal"
	// PrivacySensitive biases allocation toward local-only workers.
	PrivacySensitive PrivacyLevel = "sensitive"
)

// IsValid returns true if this is a recognized PrivacyLevel.
func (p PrivacyLevel) IsValid() bool {
	return p == PrivacyNormal || p == PrivacySensitive
}

// Task is a user-submitted unit of work. The Decomposer expands it into
// a DAG of subtasks; the Scheduler and CheckpointEngine drive it to a
// terminal status.
type Task struct {
	ID          TaskID
	Description string
	Status      TaskStatus

	// Progress is floor(100 * completed subtasks / total subtasks)
	// whenever the DAG is non-empty.
	Progress int

	CheckpointFrequency CheckpointFrequency
	PrivacyLevel        PrivacyLevel

	// ToolPreferences is an ordered list of tool names. The first
	// entry seeds recommended_tool for template subtasks that do not
	// name one.
	ToolPreferences []string

	Metadata map[string]any

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TaskSpec carries the user-supplied fields for creating a task.
type TaskSpec struct {
	Description         string
	CheckpointFrequency CheckpointFrequency
	PrivacyLevel        PrivacyLevel
	ToolPreferences     []string
	Metadata            map[string]any
}

// Validate checks required fields and enum values, applying defaults
// for the optional ones.
func (s *TaskSpec) Validate() error {
	if s.Description == "" {
		return &ValidationError{Field: "description", Msg: "description is required"}
	}
	if s.CheckpointFrequency == "" {
		s.CheckpointFrequency = FrequencyMedium
	}
	if !s.CheckpointFrequency.IsValid() {
		return &ValidationError{Field: "checkpoint_frequency", Msg: fmt.Sprintf("unknown frequency %q", s.CheckpointFrequency)}
	}
	if s.PrivacyLevel == "" {
		s.PrivacyLevel = PrivacyNormal
	}
	if !s.PrivacyLevel.IsValid() {
		return &ValidationError{Field: "privacy_level", Msg: fmt.Sprintf("unknown privacy level %q", s.PrivacyLevel)}
	}
	return nil
}

// NewTask creates a pending Task from a spec.
func NewTask(spec *TaskSpec) (*Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	metadata := make(map[string]any, len(spec.Metadata))
	maps.Copy(metadata, spec.Metadata)

	return &Task{
		ID:                  NewTaskID(),
		Description:         spec.Description,
		Status:              TaskPending,
		CheckpointFrequency: spec.CheckpointFrequency,
		PrivacyLevel:        spec.PrivacyLevel,
		ToolPreferences:     append([]string(nil), spec.ToolPreferences...),
		Metadata:            metadata,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// TaskType reads the decomposition template selector from metadata.
// Empty when the task carries none, in which case the default template
// applies.
func (t *Task) TaskType() string {
	if t.Metadata == nil {
		return ""
	}
	if v, ok := t.Metadata["task_type"].(string); ok {
		return v
	}
	return ""
}

// TransitionTo attempts to move the task to the target status.
// Returns a BadStateError when the transition is not allowed.
func (t *Task) TransitionTo(target TaskStatus) error {
	if !t.Status.CanTransitionTo(target) {
		return &BadStateError{
			Entity: "task",
			ID:     t.ID.String(),
			Msg:    fmt.Sprintf("cannot transition from %s to %s", t.Status, target),
		}
	}
	t.Status = target
	t.UpdatedAt = time.Now().UTC()

	if target == TaskInProgress && t.StartedAt == nil {
		now := t.UpdatedAt
		t.StartedAt = &now
	}
	if target.IsTerminal() && t.CompletedAt == nil {
		now := t.UpdatedAt
		t.CompletedAt = &now
	}
	return nil
}

// IsActive returns true while the task can still produce allocations.
func (t *Task) IsActive() bool {
	return t.Status == TaskInitializing || t.Status == TaskInProgress
}

// ComputeProgress returns floor(100*completed/total). A task with no
// subtasks reports zero and never auto-completes.
func ComputeProgress(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return completed * 100 / total
}
