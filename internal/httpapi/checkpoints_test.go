package httpapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/domain"
)

// pauseTask triggers a manual checkpoint and returns it.
func (ts *testServer) pauseTask(t *testing.T, taskID string) checkpointResponse {
	t.Helper()
	var cp checkpointResponse
	status := ts.asUser(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/checkpoint",
		triggerCheckpointRequest{Note: "hold for review"}, &cp)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "pending_review", cp.Status)
	return cp
}

func TestCheckpointDecisionAccept(t *testing.T) {
	ts := setupServer(t)
	taskID, _, _ := ts.seedAssignedGeneration(t)
	cp := ts.pauseTask(t, taskID)

	var decided checkpointResponse
	status := ts.asUser(t, http.MethodPost, "/api/v1/checkpoints/"+cp.ID+"/decision",
		decisionRequest{Decision: "accept", Feedback: "ship it"}, &decided)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "approved", decided.Status)
	require.Equal(t, "accept", decided.UserDecision)
	require.Equal(t, "ship it", decided.DecisionNotes)
	require.NotNil(t, decided.ReviewedAt)

	var task taskResponse
	status = ts.asUser(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &task)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "in_progress", task.Status, "accepting resumes the task")

	// The checkpoint is settled; a second decision bounces.
	var errResp errorResponse
	status = ts.asUser(t, http.MethodPost, "/api/v1/checkpoints/"+cp.ID+"/decision",
		decisionRequest{Decision: "reject"}, &errResp)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, errResp.Detail, "already approved")
}

func TestCheckpointDecisionValidation(t *testing.T) {
	ts := setupServer(t)
	taskID, _, _ := ts.seedAssignedGeneration(t)
	cp := ts.pauseTask(t, taskID)

	status := ts.asUser(t, http.MethodPost, "/api/v1/checkpoints/"+cp.ID+"/decision",
		map[string]any{"decision": "maybe"}, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status = ts.asUser(t, http.MethodPost, "/api/v1/checkpoints/cp-missing/decision",
		decisionRequest{Decision: "accept"}, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestCheckpointRejectCancelsTask(t *testing.T) {
	ts := setupServer(t)
	taskID, _, _ := ts.seedAssignedGeneration(t)
	cp := ts.pauseTask(t, taskID)

	var decided checkpointResponse
	status := ts.asUser(t, http.MethodPost, "/api/v1/checkpoints/"+cp.ID+"/decision",
		decisionRequest{Decision: "reject", Feedback: "wrong direction"}, &decided)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "rejected", decided.Status)

	var task taskResponse
	status = ts.asUser(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &task)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "cancelled", task.Status)
	for _, sub := range task.Subtasks {
		require.NotEqual(t, "pending", sub.Status, "unstarted work is cancelled with the task")
	}
}

func TestCheckpointRollback(t *testing.T) {
	ts := setupServer(t, func(o *serverOptions) { o.eval = stubEvaluator{score: 9.0} })
	taskID, genID, key := ts.seedAssignedGeneration(t)

	status := ts.asWorker(t, key, http.MethodPost, "/api/v1/subtasks/"+genID+"/result",
		submitResultRequest{Status: "completed", Result: map[string]any{"code": "package main"}}, nil)
	require.Equal(t, http.StatusOK, status)

	// The freed worker picked up a dependent before the pause lands.
	var task taskResponse
	status = ts.asUser(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &task)
	require.Equal(t, http.StatusOK, status)
	var depID string
	for _, sub := range task.Subtasks {
		if sub.Status == "in_progress" {
			depID = sub.ID
		}
	}
	require.NotEmpty(t, depID)

	cp := ts.pauseTask(t, taskID)
	require.Equal(t, []string{genID}, cp.SubtasksCompleted, "the snapshot holds only pre-pause completions")

	// In-flight work may still land while the task waits.
	status = ts.asWorker(t, key, http.MethodPost, "/api/v1/subtasks/"+depID+"/result",
		submitResultRequest{Status: "completed", Result: map[string]any{"score": 9}}, nil)
	require.Equal(t, http.StatusOK, status)

	var eval evaluationResponse
	status = ts.asUser(t, http.MethodPost, "/api/v1/subtasks/"+depID+"/evaluate", nil, &eval)
	require.Equal(t, http.StatusOK, status)

	var rolled rollbackResponse
	status = ts.asUser(t, http.MethodPost, "/api/v1/checkpoints/"+cp.ID+"/rollback",
		rollbackRequest{Reason: "wrong direction"}, &rolled)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, cp.ID, rolled.Checkpoint.ID)
	require.Equal(t, 1, rolled.SubtasksReset, "only the post-snapshot completion rewinds")
	require.Equal(t, 25, rolled.Progress)

	var dep subtaskResponse
	status = ts.asUser(t, http.MethodGet, "/api/v1/subtasks/"+depID, nil, &dep)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "pending", dep.Status)
	require.Empty(t, dep.Output)
	require.Empty(t, dep.AssignedWorker)

	// Rolling back to the pause point discards its evaluations too.
	_, err := ts.store.Evaluations().LatestBySubtask(context.Background(), domain.SubtaskID(depID))
	require.True(t, domain.IsNotFound(err))

	// The pause point itself survives; the task resumes on its decision.
	status = ts.asUser(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &task)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "checkpoint", task.Status)

	status = ts.asUser(t, http.MethodPost, "/api/v1/checkpoints/"+cp.ID+"/decision",
		decisionRequest{Decision: "accept"}, nil)
	require.Equal(t, http.StatusOK, status)

	status = ts.asUser(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &task)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "in_progress", task.Status)
}

func TestRollbackUnknownCheckpoint(t *testing.T) {
	ts := setupServer(t)

	status := ts.asUser(t, http.MethodPost, "/api/v1/checkpoints/cp-missing/rollback", nil, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestGetCheckpoint(t *testing.T) {
	ts := setupServer(t)
	taskID, _, _ := ts.seedAssignedGeneration(t)
	cp := ts.pauseTask(t, taskID)

	var got checkpointResponse
	status := ts.asUser(t, http.MethodGet, "/api/v1/checkpoints/"+cp.ID, nil, &got)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "manual", got.TriggerReason)

	status = ts.asUser(t, http.MethodGet, "/api/v1/checkpoints/cp-missing", nil, nil)
	require.Equal(t, http.StatusNotFound, status)

	status = ts.asUser(t, http.MethodGet, "/api/v1/checkpoints", nil, nil)
	require.Equal(t, http.StatusBadRequest, status, "listing requires task_id")
}
