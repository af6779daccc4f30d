package repositories

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"botswarm/internal/db"
)

type Repositories struct {
	Targets   *TargetRepo
	Scenarios *ScenarioRepo
	Sessions  *SessionRepo
	Batches   *BatchRepo
	Metrics   *MetricRepo
	Schedules *ScheduleRepo
	db        db.Database
}

func New(database db.Database) *Repositories {
	conn := database.Conn()

	return &Repositories{
		Targets:   NewTargetRepo(conn),
		Scenarios: NewScenarioRepo(conn),
		Sessions:  NewSessionRepo(conn),
		Batches:   NewBatchRepo(conn),
		Metrics:   NewMetricRepo(conn),
		Schedules: NewScheduleRepo(conn),
		db:        database,
	}
}

// BeginTx starts a database transaction
func (r *Repositories) BeginTx() (*sql.Tx, error) {
	return r.db.Conn().Begin()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// jsonColumn marshals a value for a TEXT column. A nil value maps to
// NULL.
func jsonColumn(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(data), nil
}

// scanJSON decodes a nullable TEXT column into dst. NULL and empty
// columns leave dst untouched.
func scanJSON(raw sql.NullString, dst interface{}) error {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), dst); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	value := ns.String
	return &value
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	value := ni.Int64
	return &value
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	value := nt.Time
	return &value
}
