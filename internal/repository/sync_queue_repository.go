package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/medsync/engine/internal/models"
)

// SyncQueueRepository implements SyncQueueRepo
type SyncQueueRepository struct {
	db *sql.DB
}

// NewSyncQueueRepository creates a new sync queue repository
func NewSyncQueueRepository(db *sql.DB) *SyncQueueRepository {
	return &SyncQueueRepository{db: db}
}

// Add persists a new queued operation
func (r *SyncQueueRepository) Add(ctx context.Context, op *models.SyncOperation) error {
	query := `INSERT INTO sync_queue (id, entity_id, entity_type, operation_type, payload, priority, status, attempts, last_error, created_at, last_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.ExecContext(ctx, query,
		op.ID,
		op.EntityID,
		op.EntityType,
		op.OperationType,
		string(op.Payload),
		op.Priority,
		op.Status,
		op.Attempts,
		op.LastError,
		op.CreatedAt,
		op.LastAttemptAt,
	)
	return err
}

// GetByID retrieves a queued operation by ID
func (r *SyncQueueRepository) GetByID(ctx context.Context, id string) (*models.SyncOperation, error) {
	query := selectOperation + ` WHERE id = $1`
	return r.scanOperation(r.db.QueryRowContext(ctx, query, id))
}

// DequeueBatch selects pending operations by priority descending then
// FIFO within a band, and marks them processing in the same transaction
// so a crash cannot hand the same work to two cycles.
func (r *SyncQueueRepository) DequeueBatch(ctx context.Context, max int) ([]*models.SyncOperation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := selectOperation + ` WHERE status = $1
		ORDER BY priority DESC, created_at ASC LIMIT $2`

	rows, err := tx.QueryContext(ctx, query, models.OperationStatusPending, max)
	if err != nil {
		return nil, err
	}
	ops, err := r.scanOperations(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = $1, last_attempt_at = $2 WHERE id = $3`,
			models.OperationStatusProcessing, now, op.ID,
		); err != nil {
			return nil, err
		}
		op.Status = models.OperationStatusProcessing
		op.LastAttemptAt = &now
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ops, nil
}

// UpdateStatus persists an operation's state transition
func (r *SyncQueueRepository) UpdateStatus(ctx context.Context, id, status string, attempts int, lastError *string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = $1, attempts = $2, last_error = $3, last_attempt_at = $4 WHERE id = $5`,
		status, attempts, lastError, now, id)
	return err
}

// GetByStatus retrieves operations in one status with pagination
func (r *SyncQueueRepository) GetByStatus(ctx context.Context, status string, skip, take int) ([]*models.SyncOperation, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status = $1`, status).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := selectOperation + ` WHERE status = $1
		ORDER BY priority DESC, created_at ASC LIMIT $2 OFFSET $3`
	rows, err := r.db.QueryContext(ctx, query, status, take, skip)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	ops, err := r.scanOperations(rows)
	return ops, total, err
}

// GetStats returns statistics about the queue
func (r *SyncQueueRepository) GetStats(ctx context.Context) (*models.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) as total,
			SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END) as pending,
			SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END) as processing,
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) as completed,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed
		FROM sync_queue
	`

	stats := &models.QueueStats{}
	var pending, processing, completed, failed sql.NullInt64
	err := r.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalCount, &pending, &processing, &completed, &failed)
	if err != nil {
		return nil, err
	}
	stats.PendingCount = int(pending.Int64)
	stats.ProcessingCount = int(processing.Int64)
	stats.CompletedCount = int(completed.Int64)
	stats.FailedCount = int(failed.Int64)
	return stats, nil
}

// PruneCompleted removes the oldest completed operations once total queue
// size exceeds capacity. Pending and failed entries are exempt.
func (r *SyncQueueRepository) PruneCompleted(ctx context.Context, capacity int) (int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&total); err != nil {
		return 0, err
	}
	excess := total - capacity
	if excess <= 0 {
		return 0, nil
	}

	query := `DELETE FROM sync_queue WHERE id IN (
		SELECT id FROM sync_queue WHERE status = $1
		ORDER BY created_at ASC LIMIT $2
	)`
	result, err := r.db.ExecContext(ctx, query, models.OperationStatusCompleted, excess)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

// ResetProcessing returns crash-interrupted operations to pending so the
// next cycle resumes them. Called once at startup.
func (r *SyncQueueRepository) ResetProcessing(ctx context.Context) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = $1 WHERE status = $2`,
		models.OperationStatusPending, models.OperationStatusProcessing)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

const selectOperation = `SELECT id, entity_id, entity_type, operation_type, payload, priority, status, attempts, last_error, created_at, last_attempt_at
	FROM sync_queue`

func (r *SyncQueueRepository) scanOperation(row *sql.Row) (*models.SyncOperation, error) {
	op := &models.SyncOperation{}
	var payload string
	var lastError sql.NullString
	var lastAttemptAt sql.NullTime

	err := row.Scan(
		&op.ID,
		&op.EntityID,
		&op.EntityType,
		&op.OperationType,
		&payload,
		&op.Priority,
		&op.Status,
		&op.Attempts,
		&lastError,
		&op.CreatedAt,
		&lastAttemptAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	op.Payload = json.RawMessage(payload)
	if lastError.Valid {
		op.LastError = &lastError.String
	}
	if lastAttemptAt.Valid {
		op.LastAttemptAt = &lastAttemptAt.Time
	}
	return op, nil
}

func (r *SyncQueueRepository) scanOperations(rows *sql.Rows) ([]*models.SyncOperation, error) {
	var ops []*models.SyncOperation

	for rows.Next() {
		op := &models.SyncOperation{}
		var payload string
		var lastError sql.NullString
		var lastAttemptAt sql.NullTime

		if err := rows.Scan(
			&op.ID,
			&op.EntityID,
			&op.EntityType,
			&op.OperationType,
			&payload,
			&op.Priority,
			&op.Status,
			&op.Attempts,
			&lastError,
			&op.CreatedAt,
			&lastAttemptAt,
		); err != nil {
			return nil, err
		}

		op.Payload = json.RawMessage(payload)
		if lastError.Valid {
			op.LastError = &lastError.String
		}
		if lastAttemptAt.Valid {
			op.LastAttemptAt = &lastAttemptAt.Time
		}
		ops = append(ops, op)
	}

	return ops, rows.Err()
}
