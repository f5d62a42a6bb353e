package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/medsync/engine/internal/models"
)

// ConflictRepository implements ConflictRepo
type ConflictRepository struct {
	db *sql.DB
}

// NewConflictRepository creates a new conflict repository
func NewConflictRepository(db *sql.DB) *ConflictRepository {
	return &ConflictRepository{db: db}
}

// Add inserts a new conflict case
func (r *ConflictRepository) Add(ctx context.Context, c *models.ConflictCase) error {
	query := `
		INSERT INTO conflict_cases (
			id, entity_id, entity_type, local_value, remote_value, base_value,
			local_modified, remote_modified, detected_at, strategy_used,
			resolved_value, winning_side, confidence, status,
			conflicting_fields, resolved_at, resolved_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID,
		c.EntityID,
		c.EntityType,
		string(c.LocalValue),
		string(c.RemoteValue),
		nullableRaw(c.BaseValue),
		c.LocalModified,
		c.RemoteModified,
		c.DetectedAt,
		c.StrategyUsed,
		nullableRaw(c.ResolvedValue),
		c.WinningSide,
		c.Confidence,
		c.Status,
		joinFields(c.ConflictingFields),
		c.ResolvedAt,
		c.ResolvedBy,
	)
	return err
}

// GetByID retrieves a conflict case by its ID
func (r *ConflictRepository) GetByID(ctx context.Context, id string) (*models.ConflictCase, error) {
	query := selectConflict + ` WHERE id = $1`
	return r.scanConflict(r.db.QueryRowContext(ctx, query, id))
}

// Update persists resolution fields of a conflict case. Input values are
// immutable once recorded; only resolution columns change.
func (r *ConflictRepository) Update(ctx context.Context, c *models.ConflictCase) error {
	query := `
		UPDATE conflict_cases
		SET strategy_used = $1, resolved_value = $2, winning_side = $3,
			confidence = $4, status = $5, conflicting_fields = $6,
			resolved_at = $7, resolved_by = $8
		WHERE id = $9
	`
	_, err := r.db.ExecContext(ctx, query,
		c.StrategyUsed,
		nullableRaw(c.ResolvedValue),
		c.WinningSide,
		c.Confidence,
		c.Status,
		joinFields(c.ConflictingFields),
		c.ResolvedAt,
		c.ResolvedBy,
		c.ID,
	)
	return err
}

// GetAll retrieves conflict cases with optional status filter
func (r *ConflictRepository) GetAll(ctx context.Context, status string, skip, take int) ([]*models.ConflictCase, int, error) {
	countQuery := `SELECT COUNT(*) FROM conflict_cases`
	dataQuery := selectConflict

	args := []interface{}{}
	if status != "" {
		countQuery += ` WHERE status = $1`
		dataQuery += ` WHERE status = $1`
		args = append(args, status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if status != "" {
		dataQuery += ` ORDER BY detected_at DESC LIMIT $2 OFFSET $3`
	} else {
		dataQuery += ` ORDER BY detected_at DESC LIMIT $1 OFFSET $2`
	}
	args = append(args, take, skip)

	rows, err := r.db.QueryContext(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	conflicts, err := r.scanConflicts(rows)
	return conflicts, total, err
}

// GetStats returns statistics about conflict cases
func (r *ConflictRepository) GetStats(ctx context.Context) (*models.ConflictStats, error) {
	query := `
		SELECT
			COUNT(*) as total,
			SUM(CASE WHEN status = 'pending_review' THEN 1 ELSE 0 END) as pending,
			SUM(CASE WHEN status = 'auto_resolved' THEN 1 ELSE 0 END) as auto_resolved,
			SUM(CASE WHEN status = 'resolved_by_user' THEN 1 ELSE 0 END) as user_resolved
		FROM conflict_cases
	`

	stats := &models.ConflictStats{}
	var pending, auto, user sql.NullInt64
	err := r.db.QueryRowContext(ctx, query).Scan(&stats.TotalCount, &pending, &auto, &user)
	if err != nil {
		return nil, err
	}
	stats.PendingReviewCount = int(pending.Int64)
	stats.AutoResolvedCount = int(auto.Int64)
	stats.UserResolvedCount = int(user.Int64)
	return stats, nil
}

// AppendAudit appends a resolution decision to the audit trail and evicts
// the oldest entries past capacity. Entries are never updated in place.
func (r *ConflictRepository) AppendAudit(ctx context.Context, entry *models.AuditEntry, capacity int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO audit_trail (
			id, conflict_id, entity_id, entity_type, strategy_used,
			winning_side, confidence, local_value, remote_value,
			resolved_value, resolved_by, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	if _, err := tx.ExecContext(ctx, query,
		entry.ID,
		entry.ConflictID,
		entry.EntityID,
		entry.EntityType,
		entry.StrategyUsed,
		entry.WinningSide,
		entry.Confidence,
		string(entry.LocalValue),
		string(entry.RemoteValue),
		nullableRaw(entry.ResolvedValue),
		entry.ResolvedBy,
		entry.RecordedAt,
	); err != nil {
		return err
	}

	if capacity > 0 {
		var total int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_trail`).Scan(&total); err != nil {
			return err
		}
		if excess := total - capacity; excess > 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM audit_trail WHERE id IN (
				SELECT id FROM audit_trail ORDER BY recorded_at ASC LIMIT $1
			)`, excess); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// GetAuditTrail retrieves the newest audit entries
func (r *ConflictRepository) GetAuditTrail(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	query := `SELECT id, conflict_id, entity_id, entity_type, strategy_used,
			winning_side, confidence, local_value, remote_value,
			resolved_value, resolved_by, recorded_at
		FROM audit_trail ORDER BY recorded_at DESC LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		entry := &models.AuditEntry{}
		var local, remote string
		var resolved sql.NullString
		if err := rows.Scan(
			&entry.ID,
			&entry.ConflictID,
			&entry.EntityID,
			&entry.EntityType,
			&entry.StrategyUsed,
			&entry.WinningSide,
			&entry.Confidence,
			&local,
			&remote,
			&resolved,
			&entry.ResolvedBy,
			&entry.RecordedAt,
		); err != nil {
			return nil, err
		}
		entry.LocalValue = json.RawMessage(local)
		entry.RemoteValue = json.RawMessage(remote)
		if resolved.Valid {
			entry.ResolvedValue = json.RawMessage(resolved.String)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

const selectConflict = `SELECT id, entity_id, entity_type, local_value, remote_value, base_value,
		local_modified, remote_modified, detected_at, strategy_used,
		resolved_value, winning_side, confidence, status,
		conflicting_fields, resolved_at, resolved_by
	FROM conflict_cases`

func (r *ConflictRepository) scanConflict(row *sql.Row) (*models.ConflictCase, error) {
	c := &models.ConflictCase{}
	var local, remote string
	var base, resolvedValue, fields, resolvedBy sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&c.ID,
		&c.EntityID,
		&c.EntityType,
		&local,
		&remote,
		&base,
		&c.LocalModified,
		&c.RemoteModified,
		&c.DetectedAt,
		&c.StrategyUsed,
		&resolvedValue,
		&c.WinningSide,
		&c.Confidence,
		&c.Status,
		&fields,
		&resolvedAt,
		&resolvedBy,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	populateConflict(c, local, remote, base, resolvedValue, fields, resolvedAt, resolvedBy)
	return c, nil
}

func (r *ConflictRepository) scanConflicts(rows *sql.Rows) ([]*models.ConflictCase, error) {
	var conflicts []*models.ConflictCase

	for rows.Next() {
		c := &models.ConflictCase{}
		var local, remote string
		var base, resolvedValue, fields, resolvedBy sql.NullString
		var resolvedAt sql.NullTime

		if err := rows.Scan(
			&c.ID,
			&c.EntityID,
			&c.EntityType,
			&local,
			&remote,
			&base,
			&c.LocalModified,
			&c.RemoteModified,
			&c.DetectedAt,
			&c.StrategyUsed,
			&resolvedValue,
			&c.WinningSide,
			&c.Confidence,
			&c.Status,
			&fields,
			&resolvedAt,
			&resolvedBy,
		); err != nil {
			return nil, err
		}

		populateConflict(c, local, remote, base, resolvedValue, fields, resolvedAt, resolvedBy)
		conflicts = append(conflicts, c)
	}

	return conflicts, rows.Err()
}

func populateConflict(c *models.ConflictCase, local, remote string, base, resolvedValue, fields sql.NullString, resolvedAt sql.NullTime, resolvedBy sql.NullString) {
	c.LocalValue = json.RawMessage(local)
	c.RemoteValue = json.RawMessage(remote)
	if base.Valid {
		c.BaseValue = json.RawMessage(base.String)
	}
	if resolvedValue.Valid {
		c.ResolvedValue = json.RawMessage(resolvedValue.String)
	}
	if fields.Valid && fields.String != "" {
		c.ConflictingFields = strings.Split(fields.String, ",")
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	if resolvedBy.Valid {
		c.ResolvedBy = &resolvedBy.String
	}
}

func nullableRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func joinFields(fields []string) string {
	return strings.Join(fields, ",")
}
