package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/medsync/engine/internal/models"
)

// ChangeLogRepository implements ChangeLogRepo
type ChangeLogRepository struct {
	db *sql.DB
}

// NewChangeLogRepository creates a new change log repository
func NewChangeLogRepository(db *sql.DB) *ChangeLogRepository {
	return &ChangeLogRepository{db: db}
}

// Add inserts a pending change record
func (r *ChangeLogRepository) Add(ctx context.Context, record *models.ChangeRecord) error {
	query := `INSERT INTO change_log (id, entity_id, entity_type, version, checksum, operation, payload, timestamp, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.EntityID,
		record.EntityType,
		record.Version,
		record.Checksum,
		record.Operation,
		string(record.Payload),
		record.Timestamp,
		record.RetryCount,
	)
	return err
}

// GetPending retrieves unacknowledged change records above a version,
// oldest version first so deltas transfer in order
func (r *ChangeLogRepository) GetPending(ctx context.Context, sinceVersion int64, limit int) ([]*models.ChangeRecord, error) {
	query := `SELECT id, entity_id, entity_type, version, checksum, operation, payload, timestamp, retry_count
		FROM change_log WHERE version > $1
		ORDER BY version ASC, timestamp ASC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, sinceVersion, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanChangeRecords(rows)
}

// GetByEntityID retrieves the latest pending change for one entity
func (r *ChangeLogRepository) GetByEntityID(ctx context.Context, entityID string) (*models.ChangeRecord, error) {
	query := `SELECT id, entity_id, entity_type, version, checksum, operation, payload, timestamp, retry_count
		FROM change_log WHERE entity_id = $1
		ORDER BY version DESC LIMIT 1`

	record := &models.ChangeRecord{}
	var payload string
	err := r.db.QueryRowContext(ctx, query, entityID).Scan(
		&record.ID,
		&record.EntityID,
		&record.EntityType,
		&record.Version,
		&record.Checksum,
		&record.Operation,
		&payload,
		&record.Timestamp,
		&record.RetryCount,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record.Payload = json.RawMessage(payload)
	return record, nil
}

// IncrementRetry bumps the per-record retry counter after an item-level
// push failure
func (r *ChangeLogRepository) IncrementRetry(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE change_log SET retry_count = retry_count + 1 WHERE id = $1`, id)
	return err
}

// Remove clears acknowledged change records
func (r *ChangeLogRepository) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}

	query := `DELETE FROM change_log WHERE id IN (` + strings.Join(placeholders, ", ") + `)`
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

// GetCount returns the number of pending change records
func (r *ChangeLogRepository) GetCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_log`).Scan(&count)
	return count, err
}

func (r *ChangeLogRepository) scanChangeRecords(rows *sql.Rows) ([]*models.ChangeRecord, error) {
	var records []*models.ChangeRecord

	for rows.Next() {
		record := &models.ChangeRecord{}
		var payload string
		if err := rows.Scan(
			&record.ID,
			&record.EntityID,
			&record.EntityType,
			&record.Version,
			&record.Checksum,
			&record.Operation,
			&payload,
			&record.Timestamp,
			&record.RetryCount,
		); err != nil {
			return nil, err
		}
		record.Payload = json.RawMessage(payload)
		records = append(records, record)
	}

	return records, rows.Err()
}
