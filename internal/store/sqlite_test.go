package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/domain"
)

// setupStore opens a fresh migrated database in a temp dir. The store is
// closed when the test completes.
func setupStore(t *testing.T) *SQLite {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), dbPath)
	require.NoError(t, err, "Failed to open test database")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// createTestTask inserts a minimal task and returns it.
func createTestTask(t *testing.T, s Store) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(&domain.TaskSpec{Description: "build the thing"})
	require.NoError(t, err)
	require.NoError(t, s.Tasks().Create(context.Background(), task))
	return task
}

// createTestWorker inserts a minimal worker and returns it.
func createTestWorker(t *testing.T, s Store, machineID string) *domain.Worker {
	t.Helper()
	now := time.Now().UTC()
	w := &domain.Worker{
		ID:            domain.NewWorkerID(),
		MachineID:     machineID,
		MachineName:   "host-" + machineID,
		Status:        domain.WorkerOnline,
		Tools:         []string{"claude_code"},
		LastHeartbeat: now,
		RegisteredAt:  now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.Workers().Create(context.Background(), w))
	return w
}

func TestOpen_MigratesIdempotently(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(ctx, dbPath)
	require.NoError(t, err)
	createTestTask(t, s)
	require.NoError(t, s.Close())

	// Reopening must not re-run migrations or lose data.
	s2, err := Open(ctx, dbPath)
	require.NoError(t, err)
	defer s2.Close()

	tasks, err := s2.Tasks().List(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := s.InTx(ctx, func(tx Store) error {
		task, err := domain.NewTask(&domain.TaskSpec{Description: "doomed"})
		require.NoError(t, err)
		if err := tx.Tasks().Create(ctx, task); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	tasks, err := s.Tasks().List(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Empty(t, tasks, "rolled back task must not persist")
}

func TestInTx_CommitsOnSuccess(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	var id domain.TaskID
	err := s.InTx(ctx, func(tx Store) error {
		task, err := domain.NewTask(&domain.TaskSpec{Description: "kept"})
		if err != nil {
			return err
		}
		id = task.ID
		return tx.Tasks().Create(ctx, task)
	})
	require.NoError(t, err)

	got, err := s.Tasks().Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "kept", got.Description)
}

func TestInTx_NestedReusesTransaction(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	sentinel := errors.New("inner failure")
	err := s.InTx(ctx, func(tx Store) error {
		task, err := domain.NewTask(&domain.TaskSpec{Description: "outer"})
		if err != nil {
			return err
		}
		if err := tx.Tasks().Create(ctx, task); err != nil {
			return err
		}
		// The nested call must join the same transaction, so its error
		// rolls back the outer write too.
		return tx.InTx(ctx, func(inner Store) error {
			return sentinel
		})
	})
	require.ErrorIs(t, err, sentinel)

	tasks, err := s.Tasks().List(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestForeignKeys_CascadeSubtasks(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	task := createTestTask(t, s)
	sub := domain.NewSubtask(task.ID, "implement", domain.SubtaskTypeCodeGeneration)
	require.NoError(t, s.Subtasks().Create(ctx, sub))

	// Orphan subtasks are rejected.
	stray := domain.NewSubtask(domain.TaskID("no-such-task"), "stray", domain.SubtaskTypeAnalysis)
	require.Error(t, s.Subtasks().Create(ctx, stray), "foreign keys must be enforced")
}
