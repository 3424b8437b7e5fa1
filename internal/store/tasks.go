package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/loomctl/loom/internal/domain"
)

const taskColumns = `id, description, status, progress, checkpoint_frequency, privacy_level,
	tool_preferences, metadata, created_at, updated_at, started_at, completed_at`

type taskRepo struct {
	q querier
}

var _ TaskRepo = (*taskRepo)(nil)

func scanTask(scanner interface{ Scan(...any) error }) (*taskModel, error) {
	var m taskModel
	err := scanner.Scan(
		&m.ID, &m.Description, &m.Status, &m.Progress, &m.CheckpointFrequency, &m.PrivacyLevel,
		&m.ToolPreferences, &m.Metadata, &m.CreatedAt, &m.UpdatedAt, &m.StartedAt, &m.CompletedAt,
	)
	return &m, err
}

func (r *taskRepo) Create(ctx context.Context, task *domain.Task) error {
	m, err := toTaskModel(task)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Description, m.Status, m.Progress, m.CheckpointFrequency, m.PrivacyLevel,
		m.ToolPreferences, m.Metadata, m.CreatedAt, m.UpdatedAt, m.StartedAt, m.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (r *taskRepo) Get(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id.String(),
	)
	m, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("task", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return m.toDomain()
}

func (r *taskRepo) Update(ctx context.Context, task *domain.Task) error {
	m, err := toTaskModel(task)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE tasks SET description = ?, status = ?, progress = ?, checkpoint_frequency = ?,
			privacy_level = ?, tool_preferences = ?, metadata = ?, updated_at = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?`,
		m.Description, m.Status, m.Progress, m.CheckpointFrequency,
		m.PrivacyLevel, m.ToolPreferences, m.Metadata, m.UpdatedAt,
		m.StartedAt, m.CompletedAt,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.NewNotFound("task", m.ID)
	}
	return nil
}

func (r *taskRepo) Delete(ctx context.Context, id domain.TaskID) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.NewNotFound("task", id.String())
	}
	return nil
}

func (r *taskRepo) List(ctx context.Context, filter TaskFilter) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if len(filter.Statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, s := range filter.Statuses {
			args = append(args, s.String())
		}
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return r.queryTasks(ctx, query, args...)
}

func (r *taskRepo) ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]*domain.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN (` + placeholders(len(statuses)) + `)
		ORDER BY created_at ASC, rowid ASC`
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s.String()
	}
	return r.queryTasks(ctx, query, args...)
}

func (r *taskRepo) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		m, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		task, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// placeholders returns n comma-separated "?" markers for IN clauses.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
