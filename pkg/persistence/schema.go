package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration
// support.
const CurrentSchemaVersion = 1

func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(_ *sql.DB, version int) error {
	switch version {
	case 1:
		return nil // version 1 is the initial schema
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

func createSchema(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL UNIQUE CHECK (agent_type IN ('ceo','dao','cmo','cto','cfo','coo','cco')),
			name TEXT NOT NULL,
			profile_ref TEXT,
			loop_interval INTEGER NOT NULL DEFAULT 3600,
			status TEXT NOT NULL DEFAULT 'inactive' CHECK (status IN ('inactive','starting','active','stopping','error')),
			last_heartbeat DATETIME,
			container_handle TEXT,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS agent_state (
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (agent_id, key)
		)`,

		`CREATE TABLE IF NOT EXISTS agent_history (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			action_type TEXT NOT NULL CHECK (action_type IN ('decision','task','communication','error','idea')),
			summary TEXT NOT NULL,
			details TEXT,
			embedding BLOB,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			proposed_by TEXT NOT NULL,
			tier TEXT NOT NULL CHECK (tier IN ('operational','minor','major','critical')),
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','approved','rejected','vetoed','escalated')),
			veto_round INTEGER NOT NULL DEFAULT 0,
			ceo_vote TEXT CHECK (ceo_vote IN ('approve','veto','abstain')),
			dao_vote TEXT CHECK (dao_vote IN ('approve','veto','abstain')),
			clevel_votes TEXT NOT NULL DEFAULT '{}',
			human_decision TEXT,
			resolved_at DATETIME,
			version INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			assigned_to TEXT NOT NULL,
			created_by TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','in_progress','completed','failed','cancelled')),
			priority INTEGER NOT NULL DEFAULT 3 CHECK (priority BETWEEN 1 AND 5),
			due_date DATETIME,
			completed_at DATETIME,
			result TEXT,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			source_agent TEXT,
			target_agent TEXT,
			payload TEXT,
			correlation_id TEXT,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS escalations (
			id TEXT PRIMARY KEY,
			decision_id TEXT NOT NULL REFERENCES decisions(id),
			reason TEXT NOT NULL,
			channels_notified TEXT NOT NULL DEFAULT '[]',
			human_response TEXT,
			responded_at DATETIME,
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','responded','timeout')),
			notify_count INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS system_settings (
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (category, key)
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_history_agent ON agent_history(agent_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to, status)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)",
		"CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)",
		"CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id)",
		"CREATE INDEX IF NOT EXISTS idx_escalations_decision ON escalations(decision_id)",
		"CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
