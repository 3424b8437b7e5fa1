package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/loomctl/loom/internal/domain"
)

const subtaskColumns = `id, task_id, name, description, status, progress, subtask_type,
	recommended_tool, assigned_worker, assigned_tool, complexity, priority,
	dependencies, input, output, error, created_at, updated_at, started_at, completed_at`

type subtaskRepo struct {
	q querier
}

var _ SubtaskRepo = (*subtaskRepo)(nil)

func scanSubtask(scanner interface{ Scan(...any) error }) (*subtaskModel, error) {
	var m subtaskModel
	err := scanner.Scan(
		&m.ID, &m.TaskID, &m.Name, &m.Description, &m.Status, &m.Progress, &m.SubtaskType,
		&m.RecommendedTool, &m.AssignedWorker, &m.AssignedTool, &m.Complexity, &m.Priority,
		&m.Dependencies, &m.Input, &m.Output, &m.Error, &m.CreatedAt, &m.UpdatedAt,
		&m.StartedAt, &m.CompletedAt,
	)
	return &m, err
}

func (r *subtaskRepo) Create(ctx context.Context, subtask *domain.Subtask) error {
	m, err := toSubtaskModel(subtask)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO subtasks (`+subtaskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TaskID, m.Name, m.Description, m.Status, m.Progress, m.SubtaskType,
		m.RecommendedTool, m.AssignedWorker, m.AssignedTool, m.Complexity, m.Priority,
		m.Dependencies, m.Input, m.Output, m.Error, m.CreatedAt, m.UpdatedAt,
		m.StartedAt, m.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert subtask: %w", err)
	}
	return nil
}

func (r *subtaskRepo) CreateBatch(ctx context.Context, subtasks []*domain.Subtask) error {
	for _, s := range subtasks {
		if err := r.Create(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (r *subtaskRepo) Get(ctx context.Context, id domain.SubtaskID) (*domain.Subtask, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE id = ?`, id.String(),
	)
	m, err := scanSubtask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("subtask", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subtask: %w", err)
	}
	return m.toDomain()
}

func (r *subtaskRepo) Update(ctx context.Context, subtask *domain.Subtask) error {
	m, err := toSubtaskModel(subtask)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE subtasks SET name = ?, description = ?, status = ?, progress = ?,
			subtask_type = ?, recommended_tool = ?, assigned_worker = ?, assigned_tool = ?,
			complexity = ?, priority = ?, dependencies = ?, input = ?, output = ?, error = ?,
			updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		m.Name, m.Description, m.Status, m.Progress,
		m.SubtaskType, m.RecommendedTool, m.AssignedWorker, m.AssignedTool,
		m.Complexity, m.Priority, m.Dependencies, m.Input, m.Output, m.Error,
		m.UpdatedAt, m.StartedAt, m.CompletedAt,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update subtask: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.NewNotFound("subtask", m.ID)
	}
	return nil
}

func (r *subtaskRepo) ListByTask(ctx context.Context, taskID domain.TaskID) ([]*domain.Subtask, error) {
	return r.querySubtasks(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = ? ORDER BY created_at ASC, rowid ASC`,
		taskID.String(),
	)
}

func (r *subtaskRepo) ListByTasks(ctx context.Context, taskIDs []domain.TaskID) (map[domain.TaskID][]*domain.Subtask, error) {
	if len(taskIDs) == 0 {
		return map[domain.TaskID][]*domain.Subtask{}, nil
	}
	query := `SELECT ` + subtaskColumns + ` FROM subtasks WHERE task_id IN (` + placeholders(len(taskIDs)) + `)
		ORDER BY created_at ASC, rowid ASC`
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id.String()
	}
	subtasks, err := r.querySubtasks(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	grouped := make(map[domain.TaskID][]*domain.Subtask, len(taskIDs))
	for _, s := range subtasks {
		grouped[s.TaskID] = append(grouped[s.TaskID], s)
	}
	return grouped, nil
}

func (r *subtaskRepo) ListByStatuses(ctx context.Context, statuses ...domain.SubtaskStatus) ([]*domain.Subtask, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + subtaskColumns + ` FROM subtasks WHERE status IN (` + placeholders(len(statuses)) + `)
		ORDER BY created_at ASC, rowid ASC`
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s.String()
	}
	return r.querySubtasks(ctx, query, args...)
}

func (r *subtaskRepo) ListQueuedUnassigned(ctx context.Context) ([]*domain.Subtask, error) {
	return r.querySubtasks(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks
		WHERE status = ? AND assigned_worker IS NULL
		ORDER BY priority DESC, created_at ASC, rowid ASC`,
		domain.SubtaskQueued.String(),
	)
}

func (r *subtaskRepo) ListByWorker(ctx context.Context, workerID domain.WorkerID, statuses ...domain.SubtaskStatus) ([]*domain.Subtask, error) {
	query := `SELECT ` + subtaskColumns + ` FROM subtasks WHERE assigned_worker = ?`
	args := []any{workerID.String()}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, s.String())
		}
	}
	query += ` ORDER BY created_at ASC, rowid ASC`
	return r.querySubtasks(ctx, query, args...)
}

func (r *subtaskRepo) CountByStatus(ctx context.Context, taskID domain.TaskID) (map[domain.SubtaskStatus]int, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM subtasks WHERE task_id = ? GROUP BY status`,
		taskID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count subtasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.SubtaskStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[domain.SubtaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating count rows: %w", err)
	}
	return counts, nil
}

func (r *subtaskRepo) querySubtasks(ctx context.Context, query string, args ...any) ([]*domain.Subtask, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subtasks []*domain.Subtask
	for rows.Next() {
		m, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subtask row: %w", err)
		}
		s, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subtask rows: %w", err)
	}
	return subtasks, nil
}
