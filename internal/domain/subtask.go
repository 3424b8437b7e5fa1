package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubtaskID uniquely identifies a subtask.
type SubtaskID string

// NewSubtaskID generates a new unique SubtaskID using UUID v4.
func NewSubtaskID() SubtaskID {
	return SubtaskID(uuid.New().String())
}

// String returns the string representation of the SubtaskID.
func (id SubtaskID) String() string {
	return string(id)
}

// SubtaskStatus represents the lifecycle state of a subtask.
// Valid transitions:
//
//	Pending    -> Queued, Cancelled
//	Queued     -> Queued, InProgress, Completed, Failed, Cancelled
//	InProgress -> Completed, Failed, Cancelled
//	Completed  -> Correcting, Pending (rollback reset)
//	Failed     -> Correcting, Pending (rollback reset)
//	Cancelled  -> (terminal)
//	Correcting -> Queued, Cancelled
//
// Queued -> Queued covers re-assignment of a parked queue entry.
type SubtaskStatus string

const (
	// SubtaskPending indicates the subtask waits for its dependencies.
	SubtaskPending SubtaskStatus = "pending"
	// SubtaskQueued indicates the subtask is handed to a worker or
	// parked in the coordinator pending queue awaiting one.
	SubtaskQueued SubtaskStatus = "queued"
	// SubtaskInProgress indicates a worker acknowledged execution.
	SubtaskInProgress SubtaskStatus = "in_progress"
	// SubtaskCompleted indicates the worker uploaded a successful result.
	SubtaskCompleted SubtaskStatus = "completed"
	// SubtaskFailed indicates the worker uploaded a failed result.
	SubtaskFailed SubtaskStatus = "failed"
	// SubtaskCancelled indicates the parent task was cancelled or
	// rejected before the subtask ran.
	SubtaskCancelled SubtaskStatus = "cancelled"
	// SubtaskCorrecting indicates a correction or review escalation
	// scheduled the subtask for re-execution.
	SubtaskCorrecting SubtaskStatus = "correcting"
)

// subtaskTransitions defines the allowed status transitions for subtasks.
var subtaskTransitions = map[SubtaskStatus]map[SubtaskStatus]bool{
	SubtaskPending: {
		SubtaskQueued:    true,
		SubtaskCancelled: true,
	},
	SubtaskQueued: {
		SubtaskQueued:     true,
		SubtaskInProgress: true,
		SubtaskCompleted:  true,
		SubtaskFailed:     true,
		SubtaskCancelled:  true,
	},
	SubtaskInProgress: {
		SubtaskCompleted: true,
		SubtaskFailed:    true,
		SubtaskCancelled: true,
	},
	SubtaskCompleted: {
		SubtaskCorrecting: true,
		SubtaskPending:    true,
	},
	SubtaskFailed: {
		SubtaskCorrecting: true,
		SubtaskPending:    true,
	},
	SubtaskCancelled: {},
	SubtaskCorrecting: {
		SubtaskQueued:    true,
		SubtaskCancelled: true,
	},
}

// String returns the string representation of the SubtaskStatus.
func (s SubtaskStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized SubtaskStatus value.
func (s SubtaskStatus) IsValid() bool {
	_, ok := subtaskTransitions[s]
	return ok
}

// IsTerminal reports whether the subtask reached a result state. Note
// that completed and failed subtasks can still re-enter the machine via
// corrections and rollbacks; Cancelled is the only sink.
func (s SubtaskStatus) IsTerminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed || s == SubtaskCancelled
}

// CanTransitionTo returns true if transitioning from the current status
// to the target status is valid according to the subtask state machine.
func (s SubtaskStatus) CanTransitionTo(target SubtaskStatus) bool {
	allowed, ok := subtaskTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// IsAllocatable reports whether the Allocator may hand the subtask to a
// worker in this status.
func (s SubtaskStatus) IsAllocatable() bool {
	return s == SubtaskPending || s == SubtaskQueued || s == SubtaskCorrecting
}

// SubtaskType classifies what kind of work a subtask asks of a tool.
// The enum is open: templates may introduce further types (analysis,
// test_generation, documentation, ...).
type SubtaskType string

const (
	SubtaskTypeCodeGeneration SubtaskType = "code_generation"
	SubtaskTypeCodeReview     SubtaskType = "code_review"
	SubtaskTypeCodeFix        SubtaskType = "code_fix"
	SubtaskTypeTestGeneration SubtaskType = "test_generation"
	SubtaskTypeDocumentation  SubtaskType = "documentation"
	SubtaskTypeAnalysis       SubtaskType = "analysis"
)

// String returns the string representation of the SubtaskType.
func (t SubtaskType) String() string {
	return string(t)
}

// Subtask is a node of a task's dependency DAG, executed by exactly one
// worker at a time.
type Subtask struct {
	ID     SubtaskID
	TaskID TaskID

	Name        string
	Description string
	Status      SubtaskStatus
	Progress    int
	SubtaskType SubtaskType

	// RecommendedTool is the tool the decomposition template (or the
	// task's preference list) suggests. Empty means any tool will do.
	RecommendedTool string
	// AssignedWorker and AssignedTool are set by the Allocator. A
	// non-empty AssignedWorker implies status queued or in_progress.
	AssignedWorker WorkerID
	AssignedTool   string

	// Complexity is a 1..5 effort estimate from the template.
	Complexity int
	// Priority orders ready subtasks within a task, highest first.
	Priority int

	// Dependencies lists sibling subtask ids that must complete before
	// this subtask becomes ready. They always form a DAG within the task.
	Dependencies []SubtaskID

	// Input carries the material pushed to the worker (task_assignment
	// input_data) plus review-chain and correction bookkeeping.
	Input map[string]any
	// Output holds whatever the worker uploaded as its result.
	Output map[string]any
	Error  string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewSubtask creates a pending subtask attached to a task.
func NewSubtask(taskID TaskID, name string, typ SubtaskType) *Subtask {
	now := time.Now().UTC()
	return &Subtask{
		ID:          NewSubtaskID(),
		TaskID:      taskID,
		Name:        name,
		Status:      SubtaskPending,
		SubtaskType: typ,
		Complexity:  1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TransitionTo attempts to move the subtask to the target status.
// Returns a BadStateError when the transition is not allowed.
func (s *Subtask) TransitionTo(target SubtaskStatus) error {
	if !s.Status.CanTransitionTo(target) {
		return &BadStateError{
			Entity: "subtask",
			ID:     s.ID.String(),
			Msg:    fmt.Sprintf("cannot transition from %s to %s", s.Status, target),
		}
	}
	s.Status = target
	s.UpdatedAt = time.Now().UTC()

	switch {
	case target == SubtaskInProgress && s.StartedAt == nil:
		now := s.UpdatedAt
		s.StartedAt = &now
	case target == SubtaskCompleted:
		s.Progress = 100
		now := s.UpdatedAt
		s.CompletedAt = &now
	case target == SubtaskFailed || target == SubtaskCancelled:
		now := s.UpdatedAt
		s.CompletedAt = &now
	}
	return nil
}

// ReadyIn reports whether the subtask is ready to allocate given its
// siblings: status pending (or correcting, for re-issues after a
// correction) with every dependency completed.
func (s *Subtask) ReadyIn(siblings map[SubtaskID]*Subtask) bool {
	if s.Status != SubtaskPending && s.Status != SubtaskCorrecting {
		return false
	}
	for _, dep := range s.Dependencies {
		d, ok := siblings[dep]
		if !ok || d.Status != SubtaskCompleted {
			return false
		}
	}
	return true
}

// InputString reads a string field from the input map, defaulting to "".
func (s *Subtask) InputString(key string) string {
	if s.Input == nil {
		return ""
	}
	v, _ := s.Input[key].(string)
	return v
}

// InputInt reads an integer field from the input map. JSON round-trips
// store numbers as float64, so both representations are accepted.
func (s *Subtask) InputInt(key string) (int, bool) {
	if s.Input == nil {
		return 0, false
	}
	switch v := s.Input[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// SetInput writes a field into the input map, allocating it on first use.
func (s *Subtask) SetInput(key string, value any) {
	if s.Input == nil {
		s.Input = make(map[string]any)
	}
	s.Input[key] = value
}

// SetOutput writes a field into the output map, allocating it on first use.
func (s *Subtask) SetOutput(key string, value any) {
	if s.Output == nil {
		s.Output = make(map[string]any)
	}
	s.Output[key] = value
}
