package repository

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteDB creates and initializes a SQLite database
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if dbPath == ":memory:" {
		// a second pool connection would see a separate empty database
		db.SetMaxOpenConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Durable writes survive a crash mid-cycle
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	-- Entities tracked by the sync engine (payload is opaque JSON)
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		checksum TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		base_payload TEXT,
		last_modified DATETIME NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);

	-- Change log: local mutations pending server acknowledgement
	CREATE TABLE IF NOT EXISTS change_log (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		version INTEGER NOT NULL,
		checksum TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_change_log_entity_id ON change_log(entity_id);
	CREATE INDEX IF NOT EXISTS idx_change_log_version ON change_log(version);

	-- Sync queue: durable, priority-ordered pending writes
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
		created_at DATETIME NOT NULL,
		last_attempt_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_order ON sync_queue(priority DESC, created_at ASC);

	-- Conflict cases (divergent local/remote versions)
	CREATE TABLE IF NOT EXISTS conflict_cases (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		local_value TEXT NOT NULL,
		remote_value TEXT NOT NULL,
		base_value TEXT,
		local_modified DATETIME NOT NULL,
		remote_modified DATETIME NOT NULL,
		detected_at DATETIME NOT NULL,
		strategy_used TEXT NOT NULL DEFAULT '',
		resolved_value TEXT,
		winning_side TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending_review',
		conflicting_fields TEXT,
		resolved_at DATETIME,
		resolved_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conflict_cases_entity_id ON conflict_cases(entity_id);
	CREATE INDEX IF NOT EXISTS idx_conflict_cases_status ON conflict_cases(status);

	-- Audit trail: append-only record of every resolution decision
	CREATE TABLE IF NOT EXISTS audit_trail (
		id TEXT PRIMARY KEY,
		conflict_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		strategy_used TEXT NOT NULL,
		winning_side TEXT NOT NULL,
		confidence REAL NOT NULL,
		local_value TEXT NOT NULL,
		remote_value TEXT NOT NULL,
		resolved_value TEXT,
		resolved_by TEXT NOT NULL,
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_trail_recorded_at ON audit_trail(recorded_at);

	-- Sync bookkeeping: last-synced version per entity type
	CREATE TABLE IF NOT EXISTS sync_state (
		entity_type TEXT PRIMARY KEY,
		last_synced_version INTEGER NOT NULL DEFAULT 0,
		last_sync_at DATETIME,
		updated_at DATETIME NOT NULL
	);

	-- Orchestrator resume state and last cycle result
	CREATE TABLE IF NOT EXISTS engine_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}
