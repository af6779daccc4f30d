package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"botswarm/pkg/models"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

const sessionColumns = `id, session_id, target_id, scenario_id, batch_id, status, config,
	custom_messages, summary, error, created_at, started_at, completed_at`

func (r *SessionRepo) Create(ctx context.Context, sess *models.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.Status == "" {
		sess.Status = models.SessionPending
	}

	config, err := jsonColumn(sess.Config)
	if err != nil {
		return err
	}
	messages, err := jsonColumn(sess.CustomMessages)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (session_id, target_id, scenario_id, batch_id, status, config, custom_messages, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		sess.SessionID, sess.TargetID, nullInt64(sess.ScenarioID), nullString(sess.BatchID),
		string(sess.Status), config, messages, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	sess.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read session id: %w", err)
	}
	return nil
}

func (r *SessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = ?`
	return scanSession(r.db.QueryRowContext(ctx, query, sessionID))
}

func (r *SessionRepo) List(ctx context.Context, limit int) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY id DESC LIMIT ?`
	return r.query(ctx, query, limit)
}

func (r *SessionRepo) ListByBatch(ctx context.Context, batchID string) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE batch_id = ? ORDER BY id`
	return r.query(ctx, query, batchID)
}

func (r *SessionRepo) ListByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = ? ORDER BY id DESC`
	return r.query(ctx, query, string(status))
}

// Update persists the mutable execution fields: status, error, summary
// and the lifecycle timestamps.
func (r *SessionRepo) Update(ctx context.Context, sess *models.Session) error {
	summary, err := jsonColumn(sess.Summary)
	if err != nil {
		return err
	}

	query := `
		UPDATE sessions
		SET status = ?, summary = ?, error = ?, started_at = ?, completed_at = ?
		WHERE session_id = ?
	`
	_, err = r.db.ExecContext(ctx, query,
		string(sess.Status), summary, nullString(sess.Error),
		nullTime(sess.StartedAt), nullTime(sess.CompletedAt), sess.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// Delete removes a session and its metrics.
func (r *SessionRepo) Delete(ctx context.Context, sessionID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_metrics WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session metrics: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return tx.Commit()
}

func (r *SessionRepo) query(ctx context.Context, query string, args ...interface{}) ([]*models.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(s rowScanner) (*models.Session, error) {
	var sess models.Session
	var scenarioID sql.NullInt64
	var batchID, config, messages, summary, errMsg sql.NullString
	var status string
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&sess.ID,
		&sess.SessionID,
		&sess.TargetID,
		&scenarioID,
		&batchID,
		&status,
		&config,
		&messages,
		&summary,
		&errMsg,
		&sess.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.ScenarioID = int64Ptr(scenarioID)
	sess.BatchID = stringPtr(batchID)
	sess.Status = models.SessionStatus(status)
	sess.Error = stringPtr(errMsg)
	sess.StartedAt = timePtr(startedAt)
	sess.CompletedAt = timePtr(completedAt)

	if err := scanJSON(config, &sess.Config); err != nil {
		return nil, err
	}
	if err := scanJSON(messages, &sess.CustomMessages); err != nil {
		return nil, err
	}
	if summary.Valid && summary.String != "" && summary.String != "null" {
		var agg models.SessionSummary
		if err := scanJSON(summary, &agg); err != nil {
			return nil, err
		}
		sess.Summary = &agg
	}
	return &sess, nil
}
