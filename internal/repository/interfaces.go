package repository

import (
	"context"

	"github.com/medsync/engine/internal/models"
)

// EntityRepo defines the interface for entity persistence operations
type EntityRepo interface {
	GetByID(ctx context.Context, id string) (*models.Entity, error)
	GetByType(ctx context.Context, entityType string, skip, take int) ([]*models.Entity, error)
	Upsert(ctx context.Context, entity *models.Entity) error
	Delete(ctx context.Context, id string) (bool, error)
	GetCount(ctx context.Context) (int, error)
}

// ChangeLogRepo defines the interface for pending change records
type ChangeLogRepo interface {
	Add(ctx context.Context, record *models.ChangeRecord) error
	GetPending(ctx context.Context, sinceVersion int64, limit int) ([]*models.ChangeRecord, error)
	GetByEntityID(ctx context.Context, entityID string) (*models.ChangeRecord, error)
	IncrementRetry(ctx context.Context, id string) error
	Remove(ctx context.Context, ids []string) error
	GetCount(ctx context.Context) (int, error)
}

// SyncQueueRepo defines the interface for the durable sync queue
type SyncQueueRepo interface {
	Add(ctx context.Context, op *models.SyncOperation) error
	GetByID(ctx context.Context, id string) (*models.SyncOperation, error)
	DequeueBatch(ctx context.Context, max int) ([]*models.SyncOperation, error)
	UpdateStatus(ctx context.Context, id, status string, attempts int, lastError *string) error
	GetByStatus(ctx context.Context, status string, skip, take int) ([]*models.SyncOperation, int, error)
	GetStats(ctx context.Context) (*models.QueueStats, error)
	PruneCompleted(ctx context.Context, capacity int) (int, error)
	ResetProcessing(ctx context.Context) (int, error)
}

// ConflictRepo defines the interface for conflict cases and the audit trail
type ConflictRepo interface {
	Add(ctx context.Context, c *models.ConflictCase) error
	GetByID(ctx context.Context, id string) (*models.ConflictCase, error)
	Update(ctx context.Context, c *models.ConflictCase) error
	GetAll(ctx context.Context, status string, skip, take int) ([]*models.ConflictCase, int, error)
	GetStats(ctx context.Context) (*models.ConflictStats, error)
	AppendAudit(ctx context.Context, entry *models.AuditEntry, capacity int) error
	GetAuditTrail(ctx context.Context, limit int) ([]*models.AuditEntry, error)
}

// SyncStateRepo defines the interface for sync bookkeeping and cold-start
// snapshots (last-synced versions, connection cache, last cycle result)
type SyncStateRepo interface {
	GetLastSyncedVersion(ctx context.Context, entityType string) (int64, error)
	SetLastSyncedVersion(ctx context.Context, entityType string, version int64) error
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string) error
}
