package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/001_kv_entries.sql
var kvEntriesSchema string

// SqliteKV stores keys in a local SQLite database, the default backend.
type SqliteKV struct {
	db            *sql.DB
	maxValueBytes int64
}

// OpenSqliteKV opens (creating if needed) the database at path and runs
// migrations. maxValueBytes of 0 means unbounded.
func OpenSqliteKV(path string, maxValueBytes int64) (*SqliteKV, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	kv := &SqliteKV{db: db, maxValueBytes: maxValueBytes}
	if err := kv.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return kv, nil
}

// Get implements KV.
func (s *SqliteKV) Get(ctx context.Context, key string) ([]byte, error) {
	var row struct {
		Value []byte `db:"value"`
	}
	err := sqlscan.Get(ctx, s.db, &row, `SELECT value FROM kv_entries WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.Value, nil
}

// Set implements KV.
func (s *SqliteKV) Set(ctx context.Context, key string, value []byte) error {
	if s.maxValueBytes > 0 && int64(len(value)) > s.maxValueBytes {
		return ErrCapacityExceeded
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	return err
}

// Delete implements KV.
func (s *SqliteKV) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
	return err
}

// Close implements KV.
func (s *SqliteKV) Close() error {
	return s.db.Close()
}

func (s *SqliteKV) runMigrations() error {
	createMigrationsTable := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := s.db.Exec(createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, extractUpMigration(kvEntriesSchema)},
	}

	for _, migration := range migrations {
		if applied[migration.version] {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if _, err := tx.Exec(migration.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.version, err)
		}
	}
	return nil
}

// extractUpMigration extracts the UP migration from goose format.
func extractUpMigration(content string) string {
	lines := strings.Split(content, "\n")
	var up []string
	inUp := false
	inStatement := false

	for _, line := range lines {
		switch {
		case strings.Contains(line, "-- +goose Up"):
			inUp = true
		case strings.Contains(line, "-- +goose Down"):
			return strings.Join(up, "\n")
		case strings.Contains(line, "-- +goose StatementBegin"):
			inStatement = true
		case strings.Contains(line, "-- +goose StatementEnd"):
			inStatement = false
		default:
			if inUp && inStatement {
				up = append(up, line)
			}
		}
	}
	return strings.Join(up, "\n")
}
