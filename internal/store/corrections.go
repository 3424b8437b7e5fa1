package store

import (
	"context"
	"fmt"

	"github.com/loomctl/loom/internal/domain"
)

const correctionColumns = `id, checkpoint_id, subtask_id, correction_type, guidance,
	reference_files, result, retry_count, apply_to_future, created_at, updated_at`

type correctionRepo struct {
	q querier
}

var _ CorrectionRepo = (*correctionRepo)(nil)

func scanCorrection(scanner interface{ Scan(...any) error }) (*correctionModel, error) {
	var m correctionModel
	err := scanner.Scan(
		&m.ID, &m.CheckpointID, &m.SubtaskID, &m.CorrectionType, &m.Guidance,
		&m.ReferenceFiles, &m.Result, &m.RetryCount, &m.ApplyToFuture, &m.CreatedAt, &m.UpdatedAt,
	)
	return &m, err
}

func (r *correctionRepo) Create(ctx context.Context, c *domain.Correction) error {
	m, err := toCorrectionModel(c)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO corrections (`+correctionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.CheckpointID, m.SubtaskID, m.CorrectionType, m.Guidance,
		m.ReferenceFiles, m.Result, m.RetryCount, m.ApplyToFuture, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert correction: %w", err)
	}
	return nil
}

func (r *correctionRepo) Update(ctx context.Context, c *domain.Correction) error {
	m, err := toCorrectionModel(c)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE corrections SET correction_type = ?, guidance = ?, reference_files = ?,
			result = ?, retry_count = ?, apply_to_future = ?, updated_at = ?
		WHERE id = ?`,
		m.CorrectionType, m.Guidance, m.ReferenceFiles,
		m.Result, m.RetryCount, m.ApplyToFuture, m.UpdatedAt,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update correction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.NewNotFound("correction", m.ID)
	}
	return nil
}

func (r *correctionRepo) ListByCheckpoint(ctx context.Context, checkpointID domain.CheckpointID) ([]*domain.Correction, error) {
	return r.queryCorrections(ctx,
		`SELECT `+correctionColumns+` FROM corrections WHERE checkpoint_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		checkpointID.String(),
	)
}

func (r *correctionRepo) ListBySubtask(ctx context.Context, subtaskID domain.SubtaskID) ([]*domain.Correction, error) {
	return r.queryCorrections(ctx,
		`SELECT `+correctionColumns+` FROM corrections WHERE subtask_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		subtaskID.String(),
	)
}

func (r *correctionRepo) CountOpenBySubtask(ctx context.Context, subtaskID domain.SubtaskID) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM corrections WHERE subtask_id = ? AND result IN (?, ?)`,
		subtaskID.String(), domain.CorrectionPending.String(), domain.CorrectionFailed.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count corrections: %w", err)
	}
	return n, nil
}

func (r *correctionRepo) queryCorrections(ctx context.Context, query string, args ...any) ([]*domain.Correction, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list corrections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var corrections []*domain.Correction
	for rows.Next() {
		m, err := scanCorrection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan correction row: %w", err)
		}
		c, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		corrections = append(corrections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating correction rows: %w", err)
	}
	return corrections, nil
}
