package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"botswarm/pkg/models"
)

type ScenarioRepo struct {
	db *sql.DB
}

func NewScenarioRepo(db *sql.DB) *ScenarioRepo {
	return &ScenarioRepo{db: db}
}

const scenarioColumns = `id, name, description, flow, defaults, created_at, updated_at`

func (r *ScenarioRepo) Create(ctx context.Context, scenario *models.Scenario) error {
	now := time.Now().UTC()
	scenario.CreatedAt = now
	scenario.UpdatedAt = now

	defaults, err := jsonColumn(scenario.Defaults)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO scenarios (name, description, flow, defaults, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		scenario.Name, nullString(scenario.Description), string(scenario.Flow),
		defaults, scenario.CreatedAt, scenario.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scenario: %w", err)
	}

	scenario.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read scenario id: %w", err)
	}
	return nil
}

func (r *ScenarioRepo) GetByID(ctx context.Context, id int64) (*models.Scenario, error) {
	query := `SELECT ` + scenarioColumns + ` FROM scenarios WHERE id = ?`
	return scanScenario(r.db.QueryRowContext(ctx, query, id))
}

func (r *ScenarioRepo) GetByName(ctx context.Context, name string) (*models.Scenario, error) {
	query := `SELECT ` + scenarioColumns + ` FROM scenarios WHERE name = ?`
	return scanScenario(r.db.QueryRowContext(ctx, query, name))
}

func (r *ScenarioRepo) List(ctx context.Context) ([]*models.Scenario, error) {
	query := `SELECT ` + scenarioColumns + ` FROM scenarios ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	var scenarios []*models.Scenario
	for rows.Next() {
		scenario, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, scenario)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scenarios: %w", err)
	}
	return scenarios, nil
}

func (r *ScenarioRepo) Update(ctx context.Context, scenario *models.Scenario) error {
	scenario.UpdatedAt = time.Now().UTC()

	defaults, err := jsonColumn(scenario.Defaults)
	if err != nil {
		return err
	}

	query := `
		UPDATE scenarios
		SET name = ?, description = ?, flow = ?, defaults = ?, updated_at = ?
		WHERE id = ?
	`
	_, err = r.db.ExecContext(ctx, query,
		scenario.Name, nullString(scenario.Description), string(scenario.Flow),
		defaults, scenario.UpdatedAt, scenario.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update scenario: %w", err)
	}
	return nil
}

func (r *ScenarioRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM scenarios WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete scenario: %w", err)
	}
	return nil
}

func scanScenario(s rowScanner) (*models.Scenario, error) {
	var scenario models.Scenario
	var description, defaults sql.NullString
	var flow string

	err := s.Scan(
		&scenario.ID,
		&scenario.Name,
		&description,
		&flow,
		&defaults,
		&scenario.CreatedAt,
		&scenario.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	scenario.Description = stringPtr(description)
	scenario.Flow = json.RawMessage(flow)
	if err := scanJSON(defaults, &scenario.Defaults); err != nil {
		return nil, err
	}
	return &scenario, nil
}
