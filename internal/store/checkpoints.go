package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loomctl/loom/internal/domain"
)

const checkpointColumns = `id, task_id, status, trigger_reason, subtasks_completed,
	user_decision, decision_notes, requires_attention, triggered_at, reviewed_at`

type checkpointRepo struct {
	q querier
}

var _ CheckpointRepo = (*checkpointRepo)(nil)

func scanCheckpoint(scanner interface{ Scan(...any) error }) (*checkpointModel, error) {
	var m checkpointModel
	err := scanner.Scan(
		&m.ID, &m.TaskID, &m.Status, &m.TriggerReason, &m.SubtasksCompleted,
		&m.UserDecision, &m.DecisionNotes, &m.RequiresAttention, &m.TriggeredAt, &m.ReviewedAt,
	)
	return &m, err
}

func (r *checkpointRepo) Create(ctx context.Context, cp *domain.Checkpoint) error {
	m, err := toCheckpointModel(cp)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TaskID, m.Status, m.TriggerReason, m.SubtasksCompleted,
		m.UserDecision, m.DecisionNotes, m.RequiresAttention, m.TriggeredAt, m.ReviewedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

func (r *checkpointRepo) Get(ctx context.Context, id domain.CheckpointID) (*domain.Checkpoint, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id.String(),
	)
	m, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("checkpoint", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return m.toDomain()
}

func (r *checkpointRepo) Update(ctx context.Context, cp *domain.Checkpoint) error {
	m, err := toCheckpointModel(cp)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE checkpoints SET status = ?, subtasks_completed = ?, user_decision = ?,
			decision_notes = ?, requires_attention = ?, reviewed_at = ?
		WHERE id = ?`,
		m.Status, m.SubtasksCompleted, m.UserDecision,
		m.DecisionNotes, m.RequiresAttention, m.ReviewedAt,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.NewNotFound("checkpoint", m.ID)
	}
	return nil
}

func (r *checkpointRepo) ListByTask(ctx context.Context, taskID domain.TaskID) ([]*domain.Checkpoint, error) {
	return r.queryCheckpoints(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE task_id = ?
		ORDER BY triggered_at ASC, rowid ASC`,
		taskID.String(),
	)
}

func (r *checkpointRepo) LatestByTask(ctx context.Context, taskID domain.TaskID) (*domain.Checkpoint, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE task_id = ?
		ORDER BY triggered_at DESC, rowid DESC LIMIT 1`,
		taskID.String(),
	)
	m, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("checkpoint", taskID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return m.toDomain()
}

func (r *checkpointRepo) PendingByTask(ctx context.Context, taskID domain.TaskID) (*domain.Checkpoint, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE task_id = ? AND status = ?
		ORDER BY triggered_at DESC, rowid DESC LIMIT 1`,
		taskID.String(), domain.CheckpointPendingReview.String(),
	)
	m, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("checkpoint", taskID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending checkpoint: %w", err)
	}
	return m.toDomain()
}

func (r *checkpointRepo) ListPending(ctx context.Context) ([]*domain.Checkpoint, error) {
	return r.queryCheckpoints(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE status = ?
		ORDER BY triggered_at ASC, rowid ASC`,
		domain.CheckpointPendingReview.String(),
	)
}

func (r *checkpointRepo) DeleteAfter(ctx context.Context, taskID domain.TaskID, t time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE task_id = ? AND triggered_at > ?`,
		taskID.String(), t.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

func (r *checkpointRepo) queryCheckpoints(ctx context.Context, query string, args ...any) ([]*domain.Checkpoint, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var checkpoints []*domain.Checkpoint
	for rows.Next() {
		m, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		c, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return checkpoints, nil
}
