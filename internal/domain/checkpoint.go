package domain

import (
	"time"

	"github.com/google/uuid"
)

// CheckpointID uniquely identifies a checkpoint.
type CheckpointID string

// NewCheckpointID generates a new unique CheckpointID using UUID v4.
func NewCheckpointID() CheckpointID {
	return CheckpointID(uuid.New().String())
}

// String returns the string representation of the CheckpointID.
func (id CheckpointID) String() string {
	return string(id)
}

// CheckpointStatus represents the review state of a checkpoint.
type CheckpointStatus string

const (
	// CheckpointPendingReview blocks all new allocations for the task
	// until a human decides.
	CheckpointPendingReview CheckpointStatus = "pending_review"
	// CheckpointApproved records an accept decision.
	CheckpointApproved CheckpointStatus = "approved"
	// CheckpointCorrected records a correct decision with spawned
	// corrections.
	CheckpointCorrected CheckpointStatus = "corrected"
	// CheckpointRejected records a reject decision; the task is
	// cancelled.
	CheckpointRejected CheckpointStatus = "rejected"
)

// String returns the string representation of the CheckpointStatus.
func (s CheckpointStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized CheckpointStatus value.
func (s CheckpointStatus) IsValid() bool {
	switch s {
	case CheckpointPendingReview, CheckpointApproved, CheckpointCorrected, CheckpointRejected:
		return true
	}
	return false
}

// TriggerReason is the sum type of conditions that create a checkpoint.
type TriggerReason string

const (
	// TriggerManual records a direct user invocation.
	TriggerManual TriggerReason = "manual"
	// TriggerReviewIssues records a review chain that exhausted its fix
	// cycles with open issues.
	TriggerReviewIssues TriggerReason = "review_issues_found"
	// TriggerErrorOccurred records a failed subtask result.
	TriggerErrorOccurred TriggerReason = "error_occurred"
	// TriggerLowEvaluationScore records an evaluation below the
	// configured threshold.
	TriggerLowEvaluationScore TriggerReason = "low_evaluation_score"
	// TriggerCodeGenerationComplete records the periodic
	// frequency-driven milestone trigger.
	TriggerCodeGenerationComplete TriggerReason = "code_generation_complete"
	// TriggerTimeout records a task running longer than the configured
	// wall-clock budget.
	TriggerTimeout TriggerReason = "timeout"
	// TriggerCycleLimit records a subtask whose corrections reached the
	// configured ceiling.
	TriggerCycleLimit TriggerReason = "cycle_limit_reached"
)

// String returns the string representation of the TriggerReason.
func (r TriggerReason) String() string {
	return string(r)
}

// Escalates reports whether the reason demands human attention rather
// than routine review.
func (r TriggerReason) Escalates() bool {
	return r == TriggerTimeout || r == TriggerCycleLimit || r == TriggerReviewIssues
}

// Decision is a human verdict on a pending_review checkpoint.
type Decision string

const (
	// DecisionAccept resumes the task unchanged.
	DecisionAccept Decision = "accept"
	// DecisionCorrect re-runs the snapshot subtasks with guidance.
	DecisionCorrect Decision = "correct"
	// DecisionReject cancels the task.
	DecisionReject Decision = "reject"
)

// IsValid returns true if this is a recognized Decision value.
func (d Decision) IsValid() bool {
	return d == DecisionAccept || d == DecisionCorrect || d == DecisionReject
}

// Checkpoint is a pause point on a task: a snapshot of the completed
// subtask ids at trigger time plus a pending human decision.
type Checkpoint struct {
	ID     CheckpointID
	TaskID TaskID
	Status CheckpointStatus

	TriggerReason TriggerReason
	// SubtasksCompleted is the ids of subtasks completed when the
	// checkpoint fired. Rollback resets everything completed after it.
	SubtasksCompleted []SubtaskID

	UserDecision  Decision
	DecisionNotes string
	// RequiresAttention flags escalations (timeout, cycle limit,
	// exhausted review chains) that must never be silently dropped.
	RequiresAttention bool

	TriggeredAt time.Time
	ReviewedAt  *time.Time
}

// NewCheckpoint creates a pending_review checkpoint for a task.
func NewCheckpoint(taskID TaskID, reason TriggerReason, snapshot []SubtaskID) *Checkpoint {
	return &Checkpoint{
		ID:                NewCheckpointID(),
		TaskID:            taskID,
		Status:            CheckpointPendingReview,
		TriggerReason:     reason,
		SubtasksCompleted: append([]SubtaskID(nil), snapshot...),
		RequiresAttention: reason.Escalates(),
		TriggeredAt:       time.Now().UTC(),
	}
}

// Pending reports whether the checkpoint still awaits a decision.
func (c *Checkpoint) Pending() bool {
	return c.Status == CheckpointPendingReview
}

// CorrectionResult tracks the outcome of re-running a corrected subtask.
type CorrectionResult string

const (
	// CorrectionPending indicates the corrected subtask has not
	// finished its re-run yet.
	CorrectionPending CorrectionResult = "pending"
	// CorrectionSuccess indicates the re-run completed.
	CorrectionSuccess CorrectionResult = "success"
	// CorrectionFailed indicates the re-run failed.
	CorrectionFailed CorrectionResult = "failed"
)

// String returns the string representation of the CorrectionResult.
func (r CorrectionResult) String() string {
	return string(r)
}

// Correction is a guided re-execution of a subtask, created by a
// correct decision on a checkpoint.
type Correction struct {
	ID           string
	CheckpointID CheckpointID
	SubtaskID    SubtaskID

	// CorrectionType is free-form ("guidance", "style", "security"...);
	// user templates may define their own vocabulary.
	CorrectionType string
	Guidance       string
	ReferenceFiles []string

	Result     CorrectionResult
	RetryCount int
	// ApplyToFuture asks the decomposer to carry the guidance into
	// subtasks created later for the same task.
	ApplyToFuture bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewCorrection creates a pending correction bound to a checkpoint and
// a subtask.
func NewCorrection(checkpointID CheckpointID, subtaskID SubtaskID, correctionType, guidance string) *Correction {
	now := time.Now().UTC()
	if correctionType == "" {
		correctionType = "guidance"
	}
	return &Correction{
		ID:             uuid.New().String(),
		CheckpointID:   checkpointID,
		SubtaskID:      subtaskID,
		CorrectionType: correctionType,
		Guidance:       guidance,
		Result:         CorrectionPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Open reports whether the correction still counts toward the
// cycle-limit ceiling (pending or failed re-runs).
func (c *Correction) Open() bool {
	return c.Result == CorrectionPending || c.Result == CorrectionFailed
}
