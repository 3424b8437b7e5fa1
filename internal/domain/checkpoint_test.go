package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewCheckpoint_SnapshotAndAttention(t *testing.T) {
	snapshot := []SubtaskID{"a", "b"}
	c := NewCheckpoint("task-1", TriggerLowEvaluationScore, snapshot)

	require.Equal(t, CheckpointPendingReview, c.Status)
	require.True(t, c.Pending())
	require.False(t, c.RequiresAttention)
	require.Equal(t, snapshot, c.SubtasksCompleted)

	// The snapshot is copied, not aliased.
	snapshot[0] = "mutated"
	require.Equal(t, SubtaskID("a"), c.SubtasksCompleted[0])
}

func TestTriggerReason_Escalates(t *testing.T) {
	require.True(t, TriggerTimeout.Escalates())
	require.True(t, TriggerCycleLimit.Escalates())
	require.True(t, TriggerReviewIssues.Escalates())
	require.False(t, TriggerManual.Escalates())
	require.False(t, TriggerLowEvaluationScore.Escalates())
	require.False(t, TriggerCodeGenerationComplete.Escalates())
}

func TestEscalatingCheckpointRequiresAttention(t *testing.T) {
	c := NewCheckpoint("task-1", TriggerCycleLimit, nil)
	require.True(t, c.RequiresAttention)
}

func TestCorrection_Open(t *testing.T) {
	c := NewCorrection("cp-1", "sub-1", "", "tighten error handling")
	require.Equal(t, "guidance", c.CorrectionType)
	require.Equal(t, CorrectionPending, c.Result)
	require.True(t, c.Open())

	c.Result = CorrectionFailed
	require.True(t, c.Open(), "failed re-runs still count toward the cycle limit")

	c.Result = CorrectionSuccess
	require.False(t, c.Open())
}

func TestWorkerAPIKey_Active(t *testing.T) {
	now := time.Now().UTC()

	k := NewWorkerAPIKey("w-1", "abcd1234", "hash", nil)
	require.True(t, k.Active(now))

	revoked := now.Add(-time.Minute)
	k.RevokedAt = &revoked
	require.False(t, k.Active(now))

	expired := now.Add(-time.Hour)
	k2 := NewWorkerAPIKey("w-1", "abcd1234", "hash", &expired)
	require.False(t, k2.Active(now))

	future := now.Add(time.Hour)
	k3 := NewWorkerAPIKey("w-1", "abcd1234", "hash", &future)
	require.True(t, k3.Active(now))
}
