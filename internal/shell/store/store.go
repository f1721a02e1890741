// Package store persists run history: one row per top-level operation plus
// one row per finished pipeline step. History makes progress observable and
// lets the operator diagnose a partially failed deployment before re-running.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/shipyard/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Store Interface
// =============================================================================

// Store records and retrieves deployment run history.
type Store interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	FinishRun(ctx context.Context, run *domain.Run) error
	RecordStep(ctx context.Context, result *domain.StepResult) error

	GetRun(ctx context.Context, id string) (*domain.Run, error)
	LatestRun(ctx context.Context) (*domain.Run, error)
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
	ListStepResults(ctx context.Context, runID string) ([]domain.StepResult, error)

	Close() error
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens the database at dsn and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Rows
// =============================================================================

// timeLayout is RFC 3339 with fixed-width nanoseconds. Timestamps are stored
// as UTC TEXT, so lexicographic ORDER BY must match chronological order;
// RFC3339Nano trims trailing zeros and would not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type runRow struct {
	ID         string         `db:"id"`
	Operation  string         `db:"operation"`
	Status     string         `db:"status"`
	StartedAt  string         `db:"started_at"`
	FinishedAt sql.NullString `db:"finished_at"`
}

func (r runRow) toDomain() (domain.Run, error) {
	started, err := time.Parse(time.RFC3339Nano, r.StartedAt)
	if err != nil {
		return domain.Run{}, fmt.Errorf("parse started_at: %w", err)
	}
	run := domain.Run{
		ID:        r.ID,
		Operation: r.Operation,
		Status:    domain.RunStatus(r.Status),
		StartedAt: started,
	}
	if r.FinishedAt.Valid {
		finished, err := time.Parse(time.RFC3339Nano, r.FinishedAt.String)
		if err != nil {
			return domain.Run{}, fmt.Errorf("parse finished_at: %w", err)
		}
		run.FinishedAt = &finished
	}
	return run, nil
}

// =============================================================================
// Writes
// =============================================================================

// CreateRun inserts a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, operation, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Operation, string(run.Status), run.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun updates a run's terminal status.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *domain.Run) error {
	var finished any
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC().Format(timeLayout)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		string(run.Status), finished, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

// RecordStep upserts a step result. Re-running a step in a restarted
// pipeline replaces its previous outcome.
func (s *SQLiteStore) RecordStep(ctx context.Context, result *domain.StepResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_results (run_id, step, outcome, message, log_path, position)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step) DO UPDATE SET
		   outcome = excluded.outcome,
		   message = excluded.message,
		   log_path = excluded.log_path,
		   position = excluded.position`,
		result.RunID, result.Step, string(result.Outcome),
		result.Message, result.LogPath, result.Position,
	)
	if err != nil {
		return fmt.Errorf("record step: %w", err)
	}
	return nil
}

// =============================================================================
// Reads
// =============================================================================

// GetRun returns a run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, operation, status, started_at, finished_at FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// LatestRun returns the most recently started run.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*domain.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, operation, status, started_at, finished_at FROM runs
		 ORDER BY started_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	run, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs newest first, up to limit (default 50).
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, operation, status, started_at, finished_at FROM runs
		 ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]domain.Run, 0, len(rows))
	for _, row := range rows {
		run, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// ListStepResults returns a run's step results in pipeline order.
func (s *SQLiteStore) ListStepResults(ctx context.Context, runID string) ([]domain.StepResult, error) {
	var results []domain.StepResult
	err := s.db.SelectContext(ctx, &results,
		`SELECT run_id, step, outcome, message, log_path, position FROM step_results
		 WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	return results, nil
}
