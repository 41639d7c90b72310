package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// PoolInterface defines the database pool operations the store needs
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS wf_windows (
	study_id    TEXT NOT NULL,
	window_id   INTEGER NOT NULL,
	efficiency  DOUBLE PRECISION,
	best_trial  TEXT,
	payload     JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (study_id, window_id)
);
CREATE TABLE IF NOT EXISTS wf_trials (
	study_id    TEXT NOT NULL,
	window_id   INTEGER NOT NULL,
	trial_id    TEXT NOT NULL,
	source      TEXT NOT NULL,
	oos_rank    INTEGER NOT NULL,
	failed      BOOLEAN NOT NULL,
	payload     JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (study_id, window_id, trial_id)
);
CREATE TABLE IF NOT EXISTS wf_reports (
	study_id    TEXT PRIMARY KEY,
	payload     JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresStore persists results to PostgreSQL
type PostgresStore struct {
	pool PoolInterface
}

// NewPostgresStore creates a store over an open pool
func NewPostgresStore(pool PoolInterface) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect opens a pgx pool and verifies connectivity
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the result tables when missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// SaveWindowResult upserts a window row
func (s *PostgresStore) SaveWindowResult(ctx context.Context, result *types.WindowResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode window %d: %w", result.Window.ID, err)
	}
	var eff *float64
	if result.EfficiencyDefined {
		eff = &result.Efficiency
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO wf_windows (study_id, window_id, efficiency, best_trial, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (study_id, window_id) DO UPDATE SET
			efficiency = EXCLUDED.efficiency,
			best_trial = EXCLUDED.best_trial,
			payload = EXCLUDED.payload,
			updated_at = now()`,
		result.StudyID, result.Window.ID, eff, result.BestTrialID, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert window %d: %w", result.Window.ID, err)
	}
	return nil
}

// SaveTrialMetrics upserts a trial row
func (s *PostgresStore) SaveTrialMetrics(ctx context.Context, record *types.TrialRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode trial %s: %w", record.TrialID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO wf_trials (study_id, window_id, trial_id, source, oos_rank, failed, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (study_id, window_id, trial_id) DO UPDATE SET
			source = EXCLUDED.source,
			oos_rank = EXCLUDED.oos_rank,
			failed = EXCLUDED.failed,
			payload = EXCLUDED.payload,
			updated_at = now()`,
		record.StudyID, record.WindowID, record.TrialID, string(record.Source), record.OOSRank, record.Failed(), payload,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert trial %s: %w", record.TrialID, err)
	}
	return nil
}

// SaveReport upserts a run report
func (s *PostgresStore) SaveReport(ctx context.Context, report *types.RunReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO wf_reports (study_id, payload) VALUES ($1, $2)
		ON CONFLICT (study_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		report.StudyID, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert report %s: %w", report.StudyID, err)
	}
	return nil
}

// LoadReport reads a run report
func (s *PostgresStore) LoadReport(ctx context.Context, studyID string) (*types.RunReport, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM wf_reports WHERE study_id = $1`, studyID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", studyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report %s: %w", studyID, err)
	}

	var report types.RunReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", studyID, err)
	}
	return &report, nil
}
