// Package sqlite implements the repository interfaces on SQLite through the
// pure-Go modernc.org/sqlite driver.
//
// WHY SQLITE?
// The execution history is an append-mostly audit log written by a single
// server process. An embedded database keeps it in one file next to the
// workspace, with nothing else to deploy. modernc.org/sqlite is a Go
// translation of SQLite, so the binary still builds with CGO_ENABLED=0.
//
// Pass ":memory:" to New for a throwaway database (tests), or a file path
// for a persistent audit log.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool and provides repository methods.
type DB struct {
	conn *sql.DB
}

// New opens the database, enables WAL and runs migrations.
//
// CONNECTION POOL:
// sql.Open only builds the pool; no connection exists until the first
// query. Ping forces one so a bad path or a permissions problem fails here
// instead of on the first recorded execution.
//
// PRAGMAS:
// journal_mode=WAL is stored in the database file, so setting it once is
// enough. busy_timeout makes a writer wait for a concurrent one instead of
// failing with SQLITE_BUSY. It is per connection, so for files it goes in
// the DSN and every connection the pool opens gets it.
func New(dbPath string) (*DB, error) {
	dsn := dbPath
	if dbPath != ":memory:" && !strings.Contains(dbPath, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// An in-memory database exists per connection; pin the pool to one.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets history reads proceed while a result is being written.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}
	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database is reachable; used by the health endpoint.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// migrate creates the schema. Each statement is idempotent.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id               TEXT PRIMARY KEY,
			language         TEXT NOT NULL,
			status           TEXT NOT NULL,
			stdout           TEXT NOT NULL DEFAULT '',
			stderr           TEXT NOT NULL DEFAULT '',
			exit_code        INTEGER,
			duration_ms      INTEGER NOT NULL DEFAULT 0,
			stdout_truncated INTEGER NOT NULL DEFAULT 0,
			stderr_truncated INTEGER NOT NULL DEFAULT 0,
			class            TEXT NOT NULL DEFAULT 'untrusted',
			source_bytes     INTEGER NOT NULL DEFAULT 0,
			submitted_at     DATETIME NOT NULL,
			finished_at      DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_finished_at ON executions(finished_at);
	`)
	if err != nil {
		return fmt.Errorf("creating executions table: %w", err)
	}

	// Added after the first schema; older databases get the column here.
	if err := db.addColumnIfNotExists("executions", "packages", "TEXT NOT NULL DEFAULT '[]'"); err != nil {
		return fmt.Errorf("adding packages to executions: %w", err)
	}
	return nil
}

// addColumnIfNotExists makes ALTER TABLE migrations safe to run repeatedly.
func (db *DB) addColumnIfNotExists(table, column, definition string) error {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	_, err = db.conn.Exec(fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition,
	))
	return err
}
