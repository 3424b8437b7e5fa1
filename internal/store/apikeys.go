package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loomctl/loom/internal/domain"
)

const apiKeyColumns = `id, worker_id, prefix, hash, created_at, expires_at, revoked_at`

type apiKeyRepo struct {
	q querier
}

var _ APIKeyRepo = (*apiKeyRepo)(nil)

func scanAPIKey(scanner interface{ Scan(...any) error }) (*apiKeyModel, error) {
	var m apiKeyModel
	err := scanner.Scan(&m.ID, &m.WorkerID, &m.Prefix, &m.Hash, &m.CreatedAt, &m.ExpiresAt, &m.RevokedAt)
	return &m, err
}

func (r *apiKeyRepo) Create(ctx context.Context, key *domain.WorkerAPIKey) error {
	m := toAPIKeyModel(key)
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO worker_api_keys (`+apiKeyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.WorkerID, m.Prefix, m.Hash, m.CreatedAt, m.ExpiresAt, m.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

func (r *apiKeyRepo) Get(ctx context.Context, id string) (*domain.WorkerAPIKey, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM worker_api_keys WHERE id = ?`, id,
	)
	m, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("api key", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return m.toDomain(), nil
}

func (r *apiKeyRepo) GetByPrefix(ctx context.Context, prefix string) (*domain.WorkerAPIKey, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM worker_api_keys WHERE prefix = ?`, prefix,
	)
	m, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("api key", prefix)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key by prefix: %w", err)
	}
	return m.toDomain(), nil
}

func (r *apiKeyRepo) ListByWorker(ctx context.Context, workerID domain.WorkerID) ([]*domain.WorkerAPIKey, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM worker_api_keys WHERE worker_id = ? ORDER BY created_at DESC, rowid DESC`,
		workerID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*domain.WorkerAPIKey
	for rows.Next() {
		m, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key row: %w", err)
		}
		keys = append(keys, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating api key rows: %w", err)
	}
	return keys, nil
}

func (r *apiKeyRepo) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE worker_api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		at.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.NewNotFound("api key", id)
	}
	return nil
}
