package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

type DB struct {
	conn *sql.DB
}

// New opens the database behind the given URL. Plain paths and file:
// URLs use the embedded sqlite driver; libsql://, wss:// and https://
// URLs dial a remote sqld instance.
func New(databaseURL string) (*DB, error) {
	driver := "sqlite"
	if isRemote(databaseURL) {
		driver = "libsql"
	}

	conn, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		// SQLite allows one writer at a time. A single-connection pool
		// serializes access so concurrent sessions never hit SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

func isRemote(url string) bool {
	return strings.HasPrefix(url, "libsql://") ||
		strings.HasPrefix(url, "wss://") ||
		strings.HasPrefix(url, "https://")
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Migrate runs embedded migrations
func (db *DB) Migrate() error {
	return RunMigrations(db.conn)
}
