package db

import "database/sql"

// Database is the storage handle the repositories accept, satisfied by
// the sqlite-backed DB and the in-memory TestDB.
type Database interface {
	Conn() *sql.DB
	Close() error
	Migrate() error
}

var _ Database = (*DB)(nil)
