package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/domain"
)

func TestCorrectionRepo_CreateGet_RoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	task := createTestTask(t, s)
	sub := createTestSubtask(t, s, task.ID, "implement")
	cp := domain.NewCheckpoint(task.ID, domain.TriggerManual, []domain.SubtaskID{sub.ID})
	require.NoError(t, s.Checkpoints().Create(ctx, cp))

	corr := domain.NewCorrection(cp.ID, sub.ID, "security", "validate all inputs")
	corr.ReferenceFiles = []string{"docs/security.md"}
	corr.ApplyToFuture = true
	require.NoError(t, s.Corrections().Create(ctx, corr))

	got, err := s.Corrections().ListByCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, corr.ID, got[0].ID)
	require.Equal(t, sub.ID, got[0].SubtaskID)
	require.Equal(t, "security", got[0].CorrectionType)
	require.Equal(t, "validate all inputs", got[0].Guidance)
	require.Equal(t, []string{"docs/security.md"}, got[0].ReferenceFiles)
	require.Equal(t, domain.CorrectionPending, got[0].Result)
	require.True(t, got[0].ApplyToFuture)
	require.Zero(t, got[0].RetryCount)
}

func TestCorrectionRepo_Update(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	task := createTestTask(t, s)
	sub := createTestSubtask(t, s, task.ID, "implement")
	cp := domain.NewCheckpoint(task.ID, domain.TriggerManual, nil)
	require.NoError(t, s.Checkpoints().Create(ctx, cp))

	corr := domain.NewCorrection(cp.ID, sub.ID, "", "add tests")
	require.NoError(t, s.Corrections().Create(ctx, corr))

	corr.Result = domain.CorrectionSuccess
	corr.RetryCount = 1
	require.NoError(t, s.Corrections().Update(ctx, corr))

	got, err := s.Corrections().ListBySubtask(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, domain.CorrectionSuccess, got[0].Result)
	require.Equal(t, 1, got[0].RetryCount)
	require.Equal(t, "guidance", got[0].CorrectionType, "empty type defaults to guidance")
}

func TestCorrectionRepo_CountOpenBySubtask(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	task := createTestTask(t, s)
	sub := createTestSubtask(t, s, task.ID, "implement")
	other := createTestSubtask(t, s, task.ID, "review")

	cp1 := domain.NewCheckpoint(task.ID, domain.TriggerManual, nil)
	cp2 := domain.NewCheckpoint(task.ID, domain.TriggerManual, nil)
	require.NoError(t, s.Checkpoints().Create(ctx, cp1))
	require.NoError(t, s.Checkpoints().Create(ctx, cp2))

	require.NoError(t, s.Corrections().Create(ctx, domain.NewCorrection(cp1.ID, sub.ID, "", "first pass")))
	failed := domain.NewCorrection(cp2.ID, sub.ID, "", "second pass")
	require.NoError(t, s.Corrections().Create(ctx, failed))
	failed.Result = domain.CorrectionFailed
	require.NoError(t, s.Corrections().Update(ctx, failed))
	require.NoError(t, s.Corrections().Create(ctx, domain.NewCorrection(cp1.ID, other.ID, "", "unrelated")))

	n, err := s.Corrections().CountOpenBySubtask(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n, "pending and failed corrections both count toward the cycle limit")

	// A successful re-run stops counting.
	resolved, err := s.Corrections().ListBySubtask(ctx, sub.ID)
	require.NoError(t, err)
	resolved[0].Result = domain.CorrectionSuccess
	require.NoError(t, s.Corrections().Update(ctx, resolved[0]))

	n, err = s.Corrections().CountOpenBySubtask(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	zero, err := s.Corrections().CountOpenBySubtask(ctx, domain.SubtaskID("none"))
	require.NoError(t, err)
	require.Zero(t, zero)
}
