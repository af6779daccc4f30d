package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"botswarm/pkg/models"
)

type BatchRepo struct {
	db *sql.DB
}

func NewBatchRepo(db *sql.DB) *BatchRepo {
	return &BatchRepo{db: db}
}

func (r *BatchRepo) Create(ctx context.Context, batch *models.Batch) error {
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO batches (batch_id, scenario_id, mode, created_at) VALUES (?, ?, ?, ?)`
	result, err := r.db.ExecContext(ctx, query,
		batch.BatchID, batch.ScenarioID, string(batch.Mode), batch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	batch.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read batch id: %w", err)
	}
	return nil
}

func (r *BatchRepo) GetByBatchID(ctx context.Context, batchID string) (*models.Batch, error) {
	query := `SELECT id, batch_id, scenario_id, mode, created_at FROM batches WHERE batch_id = ?`
	return scanBatch(r.db.QueryRowContext(ctx, query, batchID))
}

// List returns the most recent batches. Batch ids are ULIDs, so id order
// follows creation order.
func (r *BatchRepo) List(ctx context.Context, limit int) ([]*models.Batch, error) {
	query := `SELECT id, batch_id, scenario_id, mode, created_at FROM batches ORDER BY batch_id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}
	return batches, nil
}

func scanBatch(s rowScanner) (*models.Batch, error) {
	var batch models.Batch
	var mode string

	err := s.Scan(&batch.ID, &batch.BatchID, &batch.ScenarioID, &mode, &batch.CreatedAt)
	if err != nil {
		return nil, err
	}

	batch.Mode = models.BatchMode(mode)
	return &batch, nil
}
