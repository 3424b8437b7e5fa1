package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loomctl/loom/internal/domain"
)

const workerColumns = `id, machine_id, machine_name, status, tools, cpu_percent, memory_percent,
	disk_percent, system_info, last_heartbeat, registered_at, updated_at`

type workerRepo struct {
	q querier
}

var _ WorkerRepo = (*workerRepo)(nil)

func scanWorker(scanner interface{ Scan(...any) error }) (*workerModel, error) {
	var m workerModel
	err := scanner.Scan(
		&m.ID, &m.MachineID, &m.MachineName, &m.Status, &m.Tools, &m.CPUPercent, &m.MemoryPercent,
		&m.DiskPercent, &m.SystemInfo, &m.LastHeartbeat, &m.RegisteredAt, &m.UpdatedAt,
	)
	return &m, err
}

func (r *workerRepo) Create(ctx context.Context, worker *domain.Worker) error {
	m, err := toWorkerModel(worker)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO workers (`+workerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.MachineID, m.MachineName, m.Status, m.Tools, m.CPUPercent, m.MemoryPercent,
		m.DiskPercent, m.SystemInfo, m.LastHeartbeat, m.RegisteredAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert worker: %w", err)
	}
	return nil
}

func (r *workerRepo) Get(ctx context.Context, id domain.WorkerID) (*domain.Worker, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id.String(),
	)
	m, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("worker", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return m.toDomain()
}

func (r *workerRepo) GetByMachineID(ctx context.Context, machineID string) (*domain.Worker, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE machine_id = ?`, machineID,
	)
	m, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("worker", machineID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker by machine id: %w", err)
	}
	return m.toDomain()
}

func (r *workerRepo) Update(ctx context.Context, worker *domain.Worker) error {
	m, err := toWorkerModel(worker)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE workers SET machine_id = ?, machine_name = ?, status = ?, tools = ?,
			cpu_percent = ?, memory_percent = ?, disk_percent = ?, system_info = ?,
			last_heartbeat = ?, updated_at = ?
		WHERE id = ?`,
		m.MachineID, m.MachineName, m.Status, m.Tools,
		m.CPUPercent, m.MemoryPercent, m.DiskPercent, m.SystemInfo,
		m.LastHeartbeat, m.UpdatedAt,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update worker: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.NewNotFound("worker", m.ID)
	}
	return nil
}

func (r *workerRepo) List(ctx context.Context) ([]*domain.Worker, error) {
	return r.queryWorkers(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY registered_at ASC, rowid ASC`,
	)
}

func (r *workerRepo) ListByStatuses(ctx context.Context, statuses ...domain.WorkerStatus) ([]*domain.Worker, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + workerColumns + ` FROM workers WHERE status IN (` + placeholders(len(statuses)) + `)
		ORDER BY registered_at ASC, rowid ASC`
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s.String()
	}
	return r.queryWorkers(ctx, query, args...)
}

func (r *workerRepo) ListHeartbeatBefore(ctx context.Context, cutoff time.Time, statuses ...domain.WorkerStatus) ([]*domain.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE last_heartbeat < ?`
	args := []any{cutoff.UnixMilli()}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, s.String())
		}
	}
	query += ` ORDER BY last_heartbeat ASC`
	return r.queryWorkers(ctx, query, args...)
}

func (r *workerRepo) queryWorkers(ctx context.Context, query string, args ...any) ([]*domain.Worker, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*domain.Worker
	for rows.Next() {
		m, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker row: %w", err)
		}
		w, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating worker rows: %w", err)
	}
	return workers, nil
}
