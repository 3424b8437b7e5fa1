package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/domain"
)

func TestCheckpointRepo_CreateGet_RoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	task := createTestTask(t, s)
	a := createTestSubtask(t, s, task.ID, "a")
	b := createTestSubtask(t, s, task.ID, "b")

	cp := domain.NewCheckpoint(task.ID, domain.TriggerTimeout, []domain.SubtaskID{a.ID, b.ID})
	require.NoError(t, s.Checkpoints().Create(ctx, cp))

	got, err := s.Checkpoints().Get(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, task.ID, got.TaskID)
	require.Equal(t, domain.CheckpointPendingReview, got.Status)
	require.Equal(t, domain.TriggerTimeout, got.TriggerReason)
	require.Equal(t, []domain.SubtaskID{a.ID, b.ID}, got.SubtasksCompleted)
	require.True(t, got.RequiresAttention, "timeout escalates")
	require.Empty(t, got.UserDecision)
	require.Nil(t, got.ReviewedAt)
}

func TestCheckpointRepo_Get_NotFound(t *testing.T) {
	s := setupStore(t)

	_, err := s.Checkpoints().Get(context.Background(), domain.CheckpointID("missing"))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCheckpointRepo_Update_RecordsDecision(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	task := createTestTask(t, s)
	cp := domain.NewCheckpoint(task.ID, domain.TriggerCodeGenerationComplete, nil)
	require.NoError(t, s.Checkpoints().Create(ctx, cp))

	reviewed := time.Now().UTC()
	cp.Status = domain.CheckpointApproved
	cp.UserDecision = domain.DecisionAccept
	cp.DecisionNotes = "looks good"
	cp.ReviewedAt = &reviewed
	require.NoError(t, s.Checkpoints().Update(ctx, cp))

	got, err := s.Checkpoints().Get(ctx, cp.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CheckpointApproved, got.Status)
	require.Equal(t, domain.DecisionAccept, got.UserDecision)
	require.Equal(t, "looks good", got.DecisionNotes)
	require.NotNil(t, got.ReviewedAt)
	require.Equal(t, reviewed.UnixMilli(), got.ReviewedAt.UnixMilli())
}

func TestCheckpointRepo_PendingAndLatest(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	task := createTestTask(t, s)

	first := domain.NewCheckpoint(task.ID, domain.TriggerCodeGenerationComplete, nil)
	require.NoError(t, s.Checkpoints().Create(ctx, first))
	first.Status = domain.CheckpointApproved
	first.UserDecision = domain.DecisionAccept
	require.NoError(t, s.Checkpoints().Update(ctx, first))

	second := domain.NewCheckpoint(task.ID, domain.TriggerLowEvaluationScore, nil)
	second.TriggeredAt = first.TriggeredAt.Add(time.Millisecond)
	require.NoError(t, s.Checkpoints().Create(ctx, second))

	pending, err := s.Checkpoints().PendingByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, pending.ID)

	latest, err := s.Checkpoints().LatestByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)

	all, err := s.Checkpoints().ListByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, first.ID, all[0].ID, "ListByTask is oldest first")

	// Once the pending one is decided, PendingByTask reports not found.
	second.Status = domain.CheckpointRejected
	second.UserDecision = domain.DecisionReject
	require.NoError(t, s.Checkpoints().Update(ctx, second))
	_, err = s.Checkpoints().PendingByTask(ctx, task.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCheckpointRepo_ListPending_AcrossTasks(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	taskA := createTestTask(t, s)
	taskB := createTestTask(t, s)

	cpA := domain.NewCheckpoint(taskA.ID, domain.TriggerCodeGenerationComplete, nil)
	require.NoError(t, s.Checkpoints().Create(ctx, cpA))

	cpB := domain.NewCheckpoint(taskB.ID, domain.TriggerErrorOccurred, nil)
	require.NoError(t, s.Checkpoints().Create(ctx, cpB))
	cpB.Status = domain.CheckpointCorrected
	cpB.UserDecision = domain.DecisionCorrect
	require.NoError(t, s.Checkpoints().Update(ctx, cpB))

	pending, err := s.Checkpoints().ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, cpA.ID, pending[0].ID)
}

func TestCheckpointRepo_DeleteAfter(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	task := createTestTask(t, s)

	base := time.Now().UTC()
	early := domain.NewCheckpoint(task.ID, domain.TriggerCodeGenerationComplete, nil)
	early.TriggeredAt = base
	mid := domain.NewCheckpoint(task.ID, domain.TriggerCodeGenerationComplete, nil)
	mid.TriggeredAt = base.Add(time.Minute)
	late := domain.NewCheckpoint(task.ID, domain.TriggerCodeGenerationComplete, nil)
	late.TriggeredAt = base.Add(2 * time.Minute)
	for _, cp := range []*domain.Checkpoint{early, mid, late} {
		require.NoError(t, s.Checkpoints().Create(ctx, cp))
	}

	// Rollback to mid: everything triggered strictly after it goes.
	require.NoError(t, s.Checkpoints().DeleteAfter(ctx, task.ID, mid.TriggeredAt))

	all, err := s.Checkpoints().ListByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, early.ID, all[0].ID)
	require.Equal(t, mid.ID, all[1].ID)
}
