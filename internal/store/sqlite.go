package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// querier is the subset of *sql.DB and *sql.Tx the repositories use, so
// the same repository code serves both transactional and plain access.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite implements Store on a SQLite database file.
type SQLite struct {
	db *sql.DB
	q  querier
	tx *sql.Tx
}

var _ Store = (*SQLite)(nil)

// Open opens (creating if necessary) the database at path, applies the
// connection pragmas and runs pending migrations. Use ":memory:" for an
// ephemeral database.
func Open(ctx context.Context, path string) (*SQLite, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	if path == ":memory:" {
		// WAL requires a file; in-memory databases keep their own journal.
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serialises writers and keeps in-memory databases on
	// a single backing store.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLite{db: db, q: db}, nil
}

func (s *SQLite) Tasks() TaskRepo             { return &taskRepo{q: s.q} }
func (s *SQLite) Subtasks() SubtaskRepo       { return &subtaskRepo{q: s.q} }
func (s *SQLite) Workers() WorkerRepo         { return &workerRepo{q: s.q} }
func (s *SQLite) APIKeys() APIKeyRepo         { return &apiKeyRepo{q: s.q} }
func (s *SQLite) Evaluations() EvaluationRepo { return &evaluationRepo{q: s.q} }
func (s *SQLite) Checkpoints() CheckpointRepo { return &checkpointRepo{q: s.q} }
func (s *SQLite) Corrections() CorrectionRepo { return &correctionRepo{q: s.q} }

// InTx runs fn inside a transaction. A nested call reuses the enclosing
// transaction rather than opening a second one.
func (s *SQLite) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txStore := &SQLite{db: s.db, q: tx, tx: tx}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
