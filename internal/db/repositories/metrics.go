package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"botswarm/pkg/models"
)

// MetricRepo writes the append-only message metric log. Every attempt is
// a row, including retried and skipped ones.
type MetricRepo struct {
	db *sql.DB
}

func NewMetricRepo(db *sql.DB) *MetricRepo {
	return &MetricRepo{db: db}
}

func (r *MetricRepo) Insert(ctx context.Context, metric *models.MessageMetric) error {
	var receivedAt interface{}
	if !metric.ReceivedAt.IsZero() {
		receivedAt = metric.ReceivedAt
	}

	query := `
		INSERT INTO message_metrics (metric_id, session_id, message_index, attempt,
			prompt_tokens, completion_tokens, total_tokens, sent_at, received_at,
			response_time_ms, success, status_code, error_type, error_message, similarity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		metric.MetricID, metric.SessionID, metric.MessageIndex, metric.Attempt,
		metric.PromptTokens, metric.CompletionTokens, metric.TotalTokens,
		metric.SentAt, receivedAt, metric.ResponseTimeMs, metric.Success,
		nullableInt(metric.StatusCode), nullableString(metric.ErrorType),
		nullableString(metric.ErrorMessage), metric.Similarity,
	)
	if err != nil {
		return fmt.Errorf("failed to insert metric: %w", err)
	}

	metric.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read metric id: %w", err)
	}
	return nil
}

// ListBySession returns a session's metric rows in message order, with
// attempts of the same message adjacent.
func (r *MetricRepo) ListBySession(ctx context.Context, sessionID string) ([]models.MessageMetric, error) {
	query := `
		SELECT id, metric_id, session_id, message_index, attempt,
			prompt_tokens, completion_tokens, total_tokens, sent_at, received_at,
			response_time_ms, success, status_code, error_type, error_message, similarity
		FROM message_metrics
		WHERE session_id = ?
		ORDER BY message_index, attempt
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var metrics []models.MessageMetric
	for rows.Next() {
		var m models.MessageMetric
		var receivedAt sql.NullTime
		var statusCode sql.NullInt64
		var errorType, errorMessage sql.NullString

		err := rows.Scan(
			&m.ID,
			&m.MetricID,
			&m.SessionID,
			&m.MessageIndex,
			&m.Attempt,
			&m.PromptTokens,
			&m.CompletionTokens,
			&m.TotalTokens,
			&m.SentAt,
			&receivedAt,
			&m.ResponseTimeMs,
			&m.Success,
			&statusCode,
			&errorType,
			&errorMessage,
			&m.Similarity,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}

		if receivedAt.Valid {
			m.ReceivedAt = receivedAt.Time
		}
		m.StatusCode = int(statusCode.Int64)
		m.ErrorType = errorType.String
		m.ErrorMessage = errorMessage.String
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metrics: %w", err)
	}
	return metrics, nil
}

// CountBySession reports the number of recorded attempts for a session.
func (r *MetricRepo) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_metrics WHERE session_id = ?`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count metrics: %w", err)
	}
	return count, nil
}

func nullableInt(i int) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(i), Valid: true}
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
