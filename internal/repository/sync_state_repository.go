package repository

import (
	"context"
	"database/sql"
	"time"
)

// Well-known engine_state keys
const (
	StateKeyConnectionSnapshot = "connection_snapshot"
	StateKeyLastCycleResult    = "last_cycle_result"
	StateKeyOrchestratorPhase  = "orchestrator_phase"
	StateKeyAutoSync           = "auto_sync"
)

// SyncStateRepository implements SyncStateRepo
type SyncStateRepository struct {
	db *sql.DB
}

// NewSyncStateRepository creates a new sync state repository
func NewSyncStateRepository(db *sql.DB) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

// GetLastSyncedVersion returns the last server version acknowledged for an
// entity type; zero when the type has never synced
func (r *SyncStateRepository) GetLastSyncedVersion(ctx context.Context, entityType string) (int64, error) {
	var version int64
	err := r.db.QueryRowContext(ctx,
		`SELECT last_synced_version FROM sync_state WHERE entity_type = $1`,
		entityType,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}

// SetLastSyncedVersion records sync progress for an entity type
func (r *SyncStateRepository) SetLastSyncedVersion(ctx context.Context, entityType string, version int64) error {
	now := time.Now().UTC()
	query := `INSERT INTO sync_state (entity_type, last_synced_version, last_sync_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_type) DO UPDATE SET
			last_synced_version = EXCLUDED.last_synced_version,
			last_sync_at = EXCLUDED.last_sync_at,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query, entityType, version, now, now)
	return err
}

// GetValue reads a raw engine_state value; empty string when absent
func (r *SyncStateRepository) GetValue(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM engine_state WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetValue upserts a raw engine_state value
func (r *SyncStateRepository) SetValue(ctx context.Context, key, value string) error {
	now := time.Now().UTC()
	query := `INSERT INTO engine_state (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query, key, value, now)
	return err
}
