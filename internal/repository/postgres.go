package repository

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPostgresDB creates and initializes a PostgreSQL database connection.
// The repositories use numbered placeholders so the same code serves both
// SQLite and Postgres backends.
func NewPostgresDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createPostgresTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createPostgresTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		checksum TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		base_payload TEXT,
		last_modified TIMESTAMP NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);

	CREATE TABLE IF NOT EXISTS change_log (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		version BIGINT NOT NULL,
		checksum TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_change_log_entity_id ON change_log(entity_id);
	CREATE INDEX IF NOT EXISTS idx_change_log_version ON change_log(version);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 5,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMP NOT NULL,
		last_attempt_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_order ON sync_queue(priority DESC, created_at ASC);

	CREATE TABLE IF NOT EXISTS conflict_cases (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		local_value TEXT NOT NULL,
		remote_value TEXT NOT NULL,
		base_value TEXT,
		local_modified TIMESTAMP NOT NULL,
		remote_modified TIMESTAMP NOT NULL,
		detected_at TIMESTAMP NOT NULL,
		strategy_used TEXT NOT NULL DEFAULT '',
		resolved_value TEXT,
		winning_side TEXT NOT NULL DEFAULT '',
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending_review',
		conflicting_fields TEXT,
		resolved_at TIMESTAMP,
		resolved_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conflict_cases_entity_id ON conflict_cases(entity_id);
	CREATE INDEX IF NOT EXISTS idx_conflict_cases_status ON conflict_cases(status);

	CREATE TABLE IF NOT EXISTS audit_trail (
		id TEXT PRIMARY KEY,
		conflict_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		strategy_used TEXT NOT NULL,
		winning_side TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		local_value TEXT NOT NULL,
		remote_value TEXT NOT NULL,
		resolved_value TEXT,
		resolved_by TEXT NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_trail_recorded_at ON audit_trail(recorded_at);

	CREATE TABLE IF NOT EXISTS sync_state (
		entity_type TEXT PRIMARY KEY,
		last_synced_version BIGINT NOT NULL DEFAULT 0,
		last_sync_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS engine_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}
