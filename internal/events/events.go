// Package events defines the typed payloads published on the coordinator
// channels and the JSON envelope they travel in. UI consumers subscribe to
// the events:* channels; workers receive assignments on their private
// worker:{id}:tasks channel.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomctl/loom/internal/domain"
)

// Event type discriminators carried in the envelope.
const (
	TypeTaskUpdate         = "task_update"
	TypeWorkerUpdate       = "worker_update"
	TypeSubtaskComplete    = "subtask_complete"
	TypeCheckpoint         = "checkpoint"
	TypeCheckpointRollback = "checkpoint_rollback"
	TypeTaskAssignment     = "task_assignment"
)

// Envelope is the wire form of every published message: a type
// discriminator, an RFC 3339 timestamp, and the typed payload under data.
type Envelope[T any] struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      T         `json:"data"`
}

// Unmarshal decodes an envelope with a payload of type T.
func Unmarshal[T any](raw []byte) (*Envelope[T], error) {
	var env Envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &env, nil
}

// TaskUpdate reports a task status or progress change.
type TaskUpdate struct {
	TaskID   domain.TaskID     `json:"task_id"`
	Status   domain.TaskStatus `json:"status"`
	Progress int               `json:"progress"`
}

// WorkerUpdate reports a worker lifecycle change.
type WorkerUpdate struct {
	WorkerID domain.WorkerID     `json:"worker_id"`
	Status   domain.WorkerStatus `json:"status"`
}

// SubtaskComplete reports a subtask reaching completed or failed.
type SubtaskComplete struct {
	SubtaskID domain.SubtaskID     `json:"subtask_id"`
	TaskID    domain.TaskID        `json:"task_id"`
	Status    domain.SubtaskStatus `json:"status"`
	WorkerID  domain.WorkerID      `json:"worker_id,omitempty"`
}

// Checkpoint announces a newly triggered checkpoint awaiting review.
type Checkpoint struct {
	CheckpointID  domain.CheckpointID  `json:"checkpoint_id"`
	TaskID        domain.TaskID        `json:"task_id"`
	TriggerReason domain.TriggerReason `json:"trigger_reason"`
	Context       map[string]any       `json:"context,omitempty"`
}

// CheckpointRollback announces a completed rollback to a checkpoint.
type CheckpointRollback struct {
	CheckpointID  domain.CheckpointID `json:"checkpoint_id"`
	TaskID        domain.TaskID       `json:"task_id"`
	SubtasksReset int                 `json:"subtasks_reset"`
}

// TaskAssignment is pushed on a worker's private channel when the
// allocator hands it a subtask. The worker echoes subtask_id when it
// acknowledges or uploads the result.
type TaskAssignment struct {
	SubtaskID    domain.SubtaskID   `json:"subtask_id"`
	TaskID       domain.TaskID      `json:"task_id"`
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	SubtaskType  domain.SubtaskType `json:"subtask_type"`
	AssignedTool string             `json:"assigned_tool"`
	Priority     int                `json:"priority"`
	Complexity   int                `json:"complexity"`
	InputData    map[string]any     `json:"input_data,omitempty"`
}

// AssignmentFromSubtask builds the push payload for an allocated subtask.
func AssignmentFromSubtask(s *domain.Subtask) TaskAssignment {
	return TaskAssignment{
		SubtaskID:    s.ID,
		TaskID:       s.TaskID,
		Name:         s.Name,
		Description:  s.Description,
		SubtaskType:  s.SubtaskType,
		AssignedTool: s.AssignedTool,
		Priority:     s.Priority,
		Complexity:   s.Complexity,
		InputData:    s.Input,
	}
}
