// ABOUTME: SQLite persistence for namespaces, the tool/resource catalog, and provisioning records
// ABOUTME: Uses modernc.org/sqlite with automatic schema creation and idempotent migrations

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements namespace.Repository, dispatch.Catalog, and
// dispatch.ProvisionLedger on one SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens or creates the database at path. ":memory:" gives a
// private in-memory database. Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS namespaces (
			path       TEXT PRIMARY KEY,
			idx        INTEGER NOT NULL,
			name       TEXT,
			updated_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_namespaces_name
			ON namespaces(name) WHERE name IS NOT NULL;

		CREATE TABLE IF NOT EXISTS tools (
			name               TEXT PRIMARY KEY,
			description        TEXT,
			uri                TEXT NOT NULL,
			type               TEXT NOT NULL,
			input_schema       TEXT,
			namespace          TEXT,
			configuration_data TEXT,
			secrets_data       TEXT,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS resources (
			name               TEXT PRIMARY KEY,
			description        TEXT,
			location           TEXT NOT NULL,
			type               TEXT NOT NULL,
			mime_type          TEXT,
			namespace          TEXT,
			configuration_data TEXT,
			secrets_data       TEXT,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS provisions (
			kind              TEXT NOT NULL,
			name              TEXT NOT NULL,
			target_id         TEXT NOT NULL,
			configuration_uri TEXT NOT NULL,
			secrets_uri       TEXT NOT NULL,
			properties_json   TEXT,
			created_at        TEXT NOT NULL,
			PRIMARY KEY (kind, name, target_id),
			CHECK (kind IN ('tool', 'resource'))
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "tools",
			column: "namespace_path",
			apply:  `ALTER TABLE tools ADD COLUMN namespace_path TEXT`,
		},
		{
			table:  "resources",
			column: "namespace_path",
			apply:  `ALTER TABLE resources ADD COLUMN namespace_path TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := `SELECT 1 FROM pragma_table_info('` + m.table + `') WHERE name = ?`
		if err := s.db.QueryRow(check, m.column).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString converts empty strings to NULL for nullable columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
