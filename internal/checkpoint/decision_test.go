package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/domain"
)

func TestEngine_ProcessDecision_AcceptResumesAllocation(t *testing.T) {
	e, st, coord := setupEngine(t)
	ctx := context.Background()

	task := reviewTask(t, st, domain.TaskInProgress, domain.FrequencyHigh)
	gen := addSubtask(t, st, task.ID, "Code Generation", domain.SubtaskCompleted)
	review := addSubtask(t, st, task.ID, "Code Review", domain.SubtaskPending, gen.ID)
	idleWorker(t, st, coord, "w-1")

	cp, err := e.Trigger(ctx, task, domain.TriggerCodeGenerationComplete, nil)
	require.NoError(t, err)

	decided, err := e.ProcessDecision(ctx, cp.ID, DecisionRequest{
		Decision: domain.DecisionAccept,
		Feedback: "looks good",
	})
	require.NoError(t, err)
	require.Equal(t, domain.CheckpointApproved, decided.Status)
	require.Equal(t, domain.DecisionAccept, decided.UserDecision)
	require.Equal(t, "looks good", decided.DecisionNotes)
	require.NotNil(t, decided.ReviewedAt)

	fresh, err := st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskInProgress, fresh.Status)
	require.Equal(t, 50, fresh.Progress)

	// The paused frontier goes out the moment the task resumes.
	unblocked, err := st.Subtasks().Get(ctx, review.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubtaskQueued, unblocked.Status)
	require.Equal(t, domain.WorkerID("w-1"), unblocked.AssignedWorker)
}

func TestEngine_ProcessDecision_AcceptCompletesFinishedTask(t *testing.T) {
	e, st, _ := setupEngine(t)
	ctx := context.Background()

	task := reviewTask(t, st, domain.TaskInProgress, domain.FrequencyHigh)
	gen := addSubtask(t, st, task.ID, "Code Generation", domain.SubtaskCompleted)
	addSubtask(t, st, task.ID, "Code Review", domain.SubtaskCompleted, gen.ID)

	cp, err := e.Trigger(ctx, task, domain.TriggerCodeGenerationComplete, nil)
	require.NoError(t, err)

	_, err = e.ProcessDecision(ctx, cp.ID, DecisionRequest{Decision: domain.DecisionAccept})
	require.NoError(t, err)

	fresh, err := st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, fresh.Status, "nothing was left to do after the accept")
	require.Equal(t, 100, fresh.Progress)
}

func TestEngine_ProcessDecision_CorrectSpawnsCorrections(t *testing.T) {
	e, st, coord := setupEngine(t)
	ctx := context.Background()

	task := reviewTask(t, st, domain.TaskInProgress, domain.FrequencyHigh)
	gen := addSubtask(t, st, task.ID, "Code Generation", domain.SubtaskCompleted)
	review := addSubtask(t, st, task.ID, "Code Review", domain.SubtaskPending, gen.ID)
	idleWorker(t, st, coord, "w-1")

	cp, err := e.Trigger(ctx, task, domain.TriggerLowEvaluationScore, nil)
	require.NoError(t, err)
	require.Equal(t, []domain.SubtaskID{gen.ID}, cp.SubtasksCompleted)

	decided, err := e.ProcessDecision(ctx, cp.ID, DecisionRequest{
		Decision:       domain.DecisionCorrect,
		Feedback:       "add error handling",
		CorrectionType: "style",
		ReferenceFiles: []string{"internal/api/server.go"},
		ApplyToFuture:  true,
	})
	require.NoError(t, err)
	require.Equal(t, domain.CheckpointCorrected, decided.Status)

	corrections, err := st.Corrections().ListByCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	require.Equal(t, gen.ID, corrections[0].SubtaskID)
	require.Equal(t, "style", corrections[0].CorrectionType)
	require.Equal(t, "add error handling", corrections[0].Guidance)
	require.Equal(t, []string{"internal/api/server.go"}, corrections[0].ReferenceFiles)
	require.Equal(t, domain.CorrectionPending, corrections[0].Result)
	require.True(t, corrections[0].ApplyToFuture)

	// The snapshot subtask re-runs with the guidance in its input; the
	// resumed task hands it straight back to the worker.
	redo, err := st.Subtasks().Get(ctx, gen.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubtaskQueued, redo.Status)
	require.Equal(t, domain.WorkerID("w-1"), redo.AssignedWorker)
	require.Equal(t, "add error handling", redo.InputString("correction_guidance"))
	require.Equal(t, "style", redo.InputString("correction_type"))

	// Its dependent stays blocked until the re-run completes.
	blocked, err := st.Subtasks().Get(ctx, review.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubtaskPending, blocked.Status)

	fresh, err := st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskInProgress, fresh.Status)
	require.Equal(t, 0, fresh.Progress, "the corrected subtask no longer counts as completed")
}

func TestEngine_ProcessDecision_RejectCancelsUnstartedWork(t *testing.T) {
	e, st, _ := setupEngine(t)
	ctx := context.Background()

	task := reviewTask(t, st, domain.TaskInProgress, domain.FrequencyHigh)
	gen := addSubtask(t, st, task.ID, "Code Generation", domain.SubtaskCompleted)
	queued := addSubtask(t, st, task.ID, "Code Review", domain.SubtaskQueued, gen.ID)
	pending := addSubtask(t, st, task.ID, "Testing", domain.SubtaskPending, gen.ID)
	running := addSubtask(t, st, task.ID, "Documentation", domain.SubtaskInProgress)

	cp, err := e.Trigger(ctx, task, domain.TriggerManual, nil)
	require.NoError(t, err)

	decided, err := e.ProcessDecision(ctx, cp.ID, DecisionRequest{
		Decision: domain.DecisionReject,
		Feedback: "wrong direction",
	})
	require.NoError(t, err)
	require.Equal(t, domain.CheckpointRejected, decided.Status)

	fresh, err := st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCancelled, fresh.Status)
	require.NotNil(t, fresh.CompletedAt)

	for _, id := range []domain.SubtaskID{queued.ID, pending.ID} {
		sub, err := st.Subtasks().Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.SubtaskCancelled, sub.Status)
	}

	// Completed work and results still in flight are left alone.
	done, err := st.Subtasks().Get(ctx, gen.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubtaskCompleted, done.Status)
	inflight, err := st.Subtasks().Get(ctx, running.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubtaskInProgress, inflight.Status)
}

func TestEngine_ProcessDecision_InvalidDecision(t *testing.T) {
	e, _, _ := setupEngine(t)

	_, err := e.ProcessDecision(context.Background(), domain.CheckpointID("whatever"), DecisionRequest{
		Decision: domain.Decision("maybe"),
	})
	require.Error(t, err)
	require.True(t, domain.IsValidation(err))
}

func TestEngine_ProcessDecision_AlreadyDecided(t *testing.T) {
	e, st, _ := setupEngine(t)
	ctx := context.Background()

	task := reviewTask(t, st, domain.TaskInProgress, domain.FrequencyHigh)
	addSubtask(t, st, task.ID, "Code Generation", domain.SubtaskCompleted)

	cp, err := e.Trigger(ctx, task, domain.TriggerManual, nil)
	require.NoError(t, err)
	_, err = e.ProcessDecision(ctx, cp.ID, DecisionRequest{Decision: domain.DecisionAccept})
	require.NoError(t, err)

	_, err = e.ProcessDecision(ctx, cp.ID, DecisionRequest{Decision: domain.DecisionReject})
	require.Error(t, err)
	require.True(t, domain.IsBadState(err))
}

func TestEngine_ProcessDecision_UnknownCheckpoint(t *testing.T) {
	e, _, _ := setupEngine(t)

	_, err := e.ProcessDecision(context.Background(), domain.NewCheckpointID(), DecisionRequest{
		Decision: domain.DecisionAccept,
	})
	require.Error(t, err)
	require.True(t, domain.IsNotFound(err))
}
