package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/types"
)

// RunRepository persists run records. The full record is stored as JSON
// with the queryable fields denormalized into columns.
type RunRepository struct {
	db  *DB
	now func() time.Time
}

// NewRunRepository creates a repository on db
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const upsertRun = `
INSERT INTO runs (id, status, priority, symbol, graph_hash, progress, error, persistence_error,
                  record, created_at, finished_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    status            = excluded.status,
    progress          = excluded.progress,
    error             = excluded.error,
    persistence_error = excluded.persistence_error,
    record            = excluded.record,
    finished_at       = excluded.finished_at,
    updated_at        = excluded.updated_at`

// Save inserts or replaces the run. Records larger than the configured
// payload limit fail with PAYLOAD_TOO_LARGE and nothing is written.
func (r *RunRepository) Save(ctx context.Context, run *types.BacktestRun) error {
	record, err := json.Marshal(run)
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodePersistence, "failed to encode run", err)
	}
	if limit := r.db.config.MaxPayloadBytes; len(record) > limit {
		return apperrors.Newf(apperrors.ErrCodePayloadTooLarge,
			"run %s record is %d bytes, limit %d", run.ID, len(record), limit)
	}

	var finished interface{}
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(upsertRun),
		run.ID, string(run.Status), string(run.Config.Priority), run.Config.Symbol, run.GraphHash,
		run.Progress, run.Error, run.PersistenceError, string(record),
		run.CreatedAt.UTC(), finished, r.now(),
	)
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodePersistence, fmt.Sprintf("failed to save run %s", run.ID), err)
	}
	return nil
}

// Get loads a run by id
func (r *RunRepository) Get(ctx context.Context, id string) (*types.BacktestRun, error) {
	var record string
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT record FROM runs WHERE id = ?`), id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrCodeRunNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodePersistence, fmt.Sprintf("failed to load run %s", id), err)
	}
	return decodeRun(record)
}

// List returns runs newest first, optionally filtered by status
func (r *RunRepository) List(ctx context.Context, filter types.RunFilter) ([]*types.BacktestRun, error) {
	query := `SELECT record FROM runs`
	var args []interface{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodePersistence, "failed to list runs", err)
	}
	defer rows.Close()

	var runs []*types.BacktestRun
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, apperrors.NewAppError(apperrors.ErrCodePersistence, "failed to scan run", err)
		}
		run, err := decodeRun(record)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodePersistence, "failed to list runs", err)
	}
	return runs, nil
}

// PruneFinished deletes terminal runs that finished before cutoff
func (r *RunRepository) PruneFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, apperrors.NewAppError(apperrors.ErrCodePersistence, "failed to prune runs", err)
	}
	return res.RowsAffected()
}

func decodeRun(record string) (*types.BacktestRun, error) {
	var run types.BacktestRun
	if err := json.Unmarshal([]byte(record), &run); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodePersistence, "stored run record is corrupt", err)
	}
	return &run, nil
}
