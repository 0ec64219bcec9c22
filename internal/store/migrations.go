package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// migration is one entry in the strictly ordered, append-only migration
// list, tracked via the schema_version table. Each entry runs at most once,
// in version order, covering everything from single "add column" steps to
// arbitrary schema statements.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the append-only, strictly ordered migration list. Never
// edit an applied migration; append a new one instead.
var migrations = []migration{
	{
		Version: 1,
		Name:    "initial_schema",
		SQL: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS features (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	spec_path TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('ready','in_progress','done','failed')),
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS convoys (
	id TEXT PRIMARY KEY,
	feature_id TEXT NOT NULL REFERENCES features(id),
	story TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('available','in_progress','done','blocked')),
	files TEXT NOT NULL,
	dependencies TEXT NOT NULL DEFAULT '[]',
	assignee TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	convoy_id TEXT NOT NULL REFERENCES convoys(id),
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	file_path TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('todo','in_progress','in_review','in_tests','in_docs','done')),
	priority TEXT NOT NULL,
	assignee TEXT,
	acceptance_criteria TEXT NOT NULL DEFAULT '[]',
	validation_results TEXT,
	failure_reason TEXT,
	failure_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','processing','done','failed')),
	created_at TEXT NOT NULL,
	processed_at TEXT
);

CREATE TABLE IF NOT EXISTS agent_sessions (
	agent_id TEXT PRIMARY KEY,
	agent_type TEXT NOT NULL CHECK (agent_type IN ('manager','cab','refinery','librarian','developer','tester')),
	convoy_id TEXT REFERENCES convoys(id),
	current_task TEXT REFERENCES tasks(id),
	worktree TEXT,
	status TEXT NOT NULL CHECK (status IN ('active','crashed','hung','stuck')),
	last_heartbeat TEXT NOT NULL,
	started_at TEXT NOT NULL,
	crashed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_agent_status ON events(agent_id, status);
CREATE INDEX IF NOT EXISTS idx_convoys_feature_status ON convoys(feature_id, status);
CREATE INDEX IF NOT EXISTS idx_convoys_assignee ON convoys(assignee);
CREATE INDEX IF NOT EXISTS idx_tasks_convoy ON tasks(convoy_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON agent_sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_heartbeat ON agent_sessions(last_heartbeat);
`,
	},
}

// currentSchemaVersion returns the highest applied migration version, or 0
// if the schema_version table doesn't exist yet.
func currentSchemaVersion(db *sql.DB) int {
	var v sql.NullInt64
	err := db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&v)
	if err != nil {
		return 0
	}
	if !v.Valid {
		return 0
	}
	return int(v.Int64)
}

// runMigrations applies all migrations with version > current, each in its
// own transaction.
func runMigrations(db *sql.DB, log *zap.Logger) error {
	current := currentSchemaVersion(db)
	log.Debug("running migrations", zap.Int("current_version", current))

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		log.Info("applied migration", zap.Int("version", m.Version), zap.String("name", m.Name))
	}
	return nil
}
