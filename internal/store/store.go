// Package store is the durable State Store: SQLite-backed records and
// atomic operations for features, convoys, tasks, events and sessions.
// It opens mattn/go-sqlite3 in WAL mode with foreign keys enabled and runs
// an append-only migration list over the feature/convoy/task/event/session
// schema.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store owns the single embedded transactional database backing the
// coordination plane. All mutations serialize through its *sql.DB; readers
// see a consistent snapshot via SQLite's WAL mode.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open creates (if needed) and opens the SQLite database at path, enables
// WAL mode and foreign keys the way
// original_source/ai_sprint/services/state_manager.py's get_db does, and
// applies pending migrations.
func Open(path string, log *zap.Logger) (*Store, error) {
	if path != "~" {
		path = expandHome(path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=30000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; SQLite serializes regardless

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := runMigrations(db, log); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, log: log}, nil
}

// DB exposes the underlying handle for packages (queue, taskfsm, convoy)
// that need to participate in the same transactional boundary.
func (s *Store) DB() *sql.DB { return s.db }

// ImmediateTx is a writer-locked transaction for the three operations that
// need serializable check-and-flip semantics: task claim, event consume,
// and convoy allocation. database/sql's Tx type has no way to select
// SQLite's BEGIN IMMEDIATE (as opposed to the default deferred BEGIN)
// through sql.TxOptions, so it is opened on a dedicated *sql.Conn with a
// raw "BEGIN IMMEDIATE" statement and committed/rolled back the same way.
type ImmediateTx struct {
	conn *sql.Conn
}

// BeginImmediate acquires a connection and starts a BEGIN IMMEDIATE
// transaction, taking the writer lock up front rather than on first write.
func (s *Store) BeginImmediate(ctx context.Context) (*ImmediateTx, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("begin immediate: %w", err)
	}
	return &ImmediateTx{conn: conn}, nil
}

func (t *ImmediateTx) Exec(query string, args ...interface{}) (sql.Result, error) {
	return t.conn.ExecContext(context.Background(), query, args...)
}

func (t *ImmediateTx) QueryRow(query string, args ...interface{}) *sql.Row {
	return t.conn.QueryRowContext(context.Background(), query, args...)
}

func (t *ImmediateTx) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return t.conn.QueryContext(context.Background(), query, args...)
}

// Commit commits and releases the connection back to the pool.
func (t *ImmediateTx) Commit() error {
	defer t.conn.Close()
	_, err := t.conn.ExecContext(context.Background(), "COMMIT")
	return err
}

// Rollback rolls back and releases the connection back to the pool. Safe
// to call after a successful Commit (no-op error is swallowed).
func (t *ImmediateTx) Rollback() error {
	defer t.conn.Close()
	_, _ = t.conn.ExecContext(context.Background(), "ROLLBACK")
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// nowISO returns the current instant as a lexicographically-sortable
// ISO-8601 UTC string, so stored timestamps sort in chronological order.
func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// formatTime renders t as the same ISO-8601 layout nowISO uses, so stored
// timestamps sort lexicographically in chronological order.
func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseISO(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func parseISOPtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseISO(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
