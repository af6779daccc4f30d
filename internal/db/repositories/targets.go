package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"botswarm/pkg/models"
)

type TargetRepo struct {
	db *sql.DB
}

func NewTargetRepo(db *sql.DB) *TargetRepo {
	return &TargetRepo{db: db}
}

const targetColumns = `id, name, connector_type, endpoint, auth_type, auth_config, headers,
	request_template, response_template, protocol_config, plugins, timeout_ms, created_at, updated_at`

func (r *TargetRepo) Create(ctx context.Context, target *models.Target) error {
	now := time.Now().UTC()
	target.CreatedAt = now
	target.UpdatedAt = now

	headers, err := jsonColumn(target.Headers)
	if err != nil {
		return err
	}
	reqTemplate, err := jsonColumn(target.RequestTemplate)
	if err != nil {
		return err
	}
	respTemplate, err := jsonColumn(target.ResponseTemplate)
	if err != nil {
		return err
	}
	plugins, err := jsonColumn(target.Plugins)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO targets (name, connector_type, endpoint, auth_type, auth_config, headers,
			request_template, response_template, protocol_config, plugins, timeout_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		target.Name, string(target.ConnectorType), target.Endpoint, target.AuthType,
		target.AuthConfig, headers, reqTemplate, respTemplate,
		target.ProtocolConfig, plugins, target.TimeoutMs, target.CreatedAt, target.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert target: %w", err)
	}

	target.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read target id: %w", err)
	}
	return nil
}

func (r *TargetRepo) GetByID(ctx context.Context, id int64) (*models.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE id = ?`
	return scanTarget(r.db.QueryRowContext(ctx, query, id))
}

func (r *TargetRepo) GetByName(ctx context.Context, name string) (*models.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE name = ?`
	return scanTarget(r.db.QueryRowContext(ctx, query, name))
}

func (r *TargetRepo) List(ctx context.Context) ([]*models.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer rows.Close()

	var targets []*models.Target
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating targets: %w", err)
	}
	return targets, nil
}

func (r *TargetRepo) Update(ctx context.Context, target *models.Target) error {
	target.UpdatedAt = time.Now().UTC()

	headers, err := jsonColumn(target.Headers)
	if err != nil {
		return err
	}
	reqTemplate, err := jsonColumn(target.RequestTemplate)
	if err != nil {
		return err
	}
	respTemplate, err := jsonColumn(target.ResponseTemplate)
	if err != nil {
		return err
	}
	plugins, err := jsonColumn(target.Plugins)
	if err != nil {
		return err
	}

	query := `
		UPDATE targets
		SET name = ?, connector_type = ?, endpoint = ?, auth_type = ?, auth_config = ?,
			headers = ?, request_template = ?, response_template = ?, protocol_config = ?,
			plugins = ?, timeout_ms = ?, updated_at = ?
		WHERE id = ?
	`
	_, err = r.db.ExecContext(ctx, query,
		target.Name, string(target.ConnectorType), target.Endpoint, target.AuthType,
		target.AuthConfig, headers, reqTemplate, respTemplate, target.ProtocolConfig,
		plugins, target.TimeoutMs, target.UpdatedAt, target.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update target: %w", err)
	}
	return nil
}

func (r *TargetRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete target: %w", err)
	}
	return nil
}

func scanTarget(s rowScanner) (*models.Target, error) {
	var target models.Target
	var connectorType string
	var authType, headers, reqTemplate, respTemplate, plugins sql.NullString

	err := s.Scan(
		&target.ID,
		&target.Name,
		&connectorType,
		&target.Endpoint,
		&authType,
		&target.AuthConfig,
		&headers,
		&reqTemplate,
		&respTemplate,
		&target.ProtocolConfig,
		&plugins,
		&target.TimeoutMs,
		&target.CreatedAt,
		&target.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	target.ConnectorType = models.ConnectorType(connectorType)
	if authType.Valid {
		target.AuthType = authType.String
	}
	if err := scanJSON(headers, &target.Headers); err != nil {
		return nil, err
	}
	if err := scanJSON(reqTemplate, &target.RequestTemplate); err != nil {
		return nil, err
	}
	if err := scanJSON(respTemplate, &target.ResponseTemplate); err != nil {
		return nil, err
	}
	if err := scanJSON(plugins, &target.Plugins); err != nil {
		return nil, err
	}
	return &target, nil
}
