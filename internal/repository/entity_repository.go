package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/medsync/engine/internal/models"
)

// EntityRepository implements EntityRepo
type EntityRepository struct {
	db *sql.DB
}

// NewEntityRepository creates a new entity repository
func NewEntityRepository(db *sql.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

const selectEntity = `SELECT id, entity_type, version, checksum, payload, base_payload, last_modified, deleted
	FROM entities`

// GetByID retrieves an entity by its ID
func (r *EntityRepository) GetByID(ctx context.Context, id string) (*models.Entity, error) {
	row := r.db.QueryRowContext(ctx, selectEntity+` WHERE id = $1`, id)

	entity, err := scanEntity(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// GetByType retrieves entities of one type with pagination
func (r *EntityRepository) GetByType(ctx context.Context, entityType string, skip, take int) ([]*models.Entity, error) {
	query := selectEntity + ` WHERE entity_type = $1
		ORDER BY last_modified DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, entityType, take, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		entity, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}

	return entities, rows.Err()
}

// Upsert creates or replaces an entity
func (r *EntityRepository) Upsert(ctx context.Context, entity *models.Entity) error {
	query := `INSERT INTO entities (id, entity_type, version, checksum, payload, base_payload, last_modified, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			version = EXCLUDED.version,
			checksum = EXCLUDED.checksum,
			payload = EXCLUDED.payload,
			base_payload = EXCLUDED.base_payload,
			last_modified = EXCLUDED.last_modified,
			deleted = EXCLUDED.deleted`

	var basePayload interface{}
	if len(entity.BasePayload) > 0 {
		basePayload = string(entity.BasePayload)
	}

	_, err := r.db.ExecContext(ctx, query,
		entity.ID,
		entity.EntityType,
		entity.Version,
		entity.Checksum,
		string(entity.Payload),
		basePayload,
		entity.LastModified,
		entity.Deleted,
	)
	return err
}

// Delete removes an entity by ID
func (r *EntityRepository) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM entities WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetCount returns the total number of entities
func (r *EntityRepository) GetCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&count)
	return count, err
}

func scanEntity(scan func(...interface{}) error) (*models.Entity, error) {
	var entity models.Entity
	var payload string
	var basePayload sql.NullString

	if err := scan(
		&entity.ID,
		&entity.EntityType,
		&entity.Version,
		&entity.Checksum,
		&payload,
		&basePayload,
		&entity.LastModified,
		&entity.Deleted,
	); err != nil {
		return nil, err
	}

	entity.Payload = json.RawMessage(payload)
	if basePayload.Valid {
		entity.BasePayload = json.RawMessage(basePayload.String)
	}
	return &entity, nil
}
