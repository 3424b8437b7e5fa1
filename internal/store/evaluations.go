package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/loomctl/loom/internal/domain"
)

const evaluationColumns = `id, subtask_id, code_quality, completeness, security, architecture,
	testability, overall_score, details, evaluated_at`

type evaluationRepo struct {
	q querier
}

var _ EvaluationRepo = (*evaluationRepo)(nil)

func scanEvaluation(scanner interface{ Scan(...any) error }) (*evaluationModel, error) {
	var m evaluationModel
	err := scanner.Scan(
		&m.ID, &m.SubtaskID, &m.CodeQuality, &m.Completeness, &m.Security, &m.Architecture,
		&m.Testability, &m.OverallScore, &m.Details, &m.EvaluatedAt,
	)
	return &m, err
}

func (r *evaluationRepo) Create(ctx context.Context, eval *domain.Evaluation) error {
	m, err := toEvaluationModel(eval)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO evaluations (`+evaluationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SubtaskID, m.CodeQuality, m.Completeness, m.Security, m.Architecture,
		m.Testability, m.OverallScore, m.Details, m.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	return nil
}

func (r *evaluationRepo) LatestBySubtask(ctx context.Context, subtaskID domain.SubtaskID) (*domain.Evaluation, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE subtask_id = ?
		ORDER BY evaluated_at DESC, rowid DESC LIMIT 1`,
		subtaskID.String(),
	)
	m, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("evaluation", subtaskID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest evaluation: %w", err)
	}
	return m.toDomain()
}

func (r *evaluationRepo) ListBySubtask(ctx context.Context, subtaskID domain.SubtaskID) ([]*domain.Evaluation, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE subtask_id = ?
		ORDER BY evaluated_at DESC, rowid DESC`,
		subtaskID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var evals []*domain.Evaluation
	for rows.Next() {
		m, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evaluation row: %w", err)
		}
		e, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		evals = append(evals, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evaluation rows: %w", err)
	}
	return evals, nil
}

func (r *evaluationRepo) DeleteBySubtasks(ctx context.Context, subtaskIDs []domain.SubtaskID) error {
	if len(subtaskIDs) == 0 {
		return nil
	}
	args := make([]any, len(subtaskIDs))
	for i, id := range subtaskIDs {
		args[i] = id.String()
	}
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM evaluations WHERE subtask_id IN (`+placeholders(len(subtaskIDs))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to delete evaluations: %w", err)
	}
	return nil
}
