package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medsync/engine/internal/models"
	"github.com/medsync/engine/internal/observability"
	"github.com/medsync/engine/internal/repository"
)

// Transport is the wire contract the engine consumes. Implementations must
// carry entityId, version, checksum and payload on every record; the engine
// assumes nothing else about the format.
type Transport interface {
	Push(ctx context.Context, records []*models.ChangeRecord) (*models.PushResult, error)
	Pull(ctx context.Context, entityType string, sinceVersion int64, limit int) ([]*models.RemoteRecord, int64, error)
	Fetch(ctx context.Context, entityID string) (*models.RemoteRecord, error)
}

// TrackerConfig holds change tracker configuration
type TrackerConfig struct {
	// BatchSize bounds how many change records transfer per request
	BatchSize int
	// EntityTypes lists the entity types the tracker pulls for
	EntityTypes []string
	// MaxRecordRetries bounds per-record retries within a batch before a
	// record is parked rather than re-pushed
	MaxRecordRetries int
}

// DefaultTrackerConfig returns the standard tracker settings
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		BatchSize:        50,
		EntityTypes:      []string{models.EntityTypeMedication, models.EntityTypeAdherence, models.EntityTypeSchedule},
		MaxRecordRetries: 3,
	}
}

// ChangeTracker detects local mutations, computes deltas against the last
// known server state and applies remote batches, handing divergences to the
// conflict resolver.
type ChangeTracker struct {
	entityRepo repository.EntityRepo
	changeRepo repository.ChangeLogRepo
	stateRepo  repository.SyncStateRepo
	checksums  *ChecksumService
	transport  Transport
	config     TrackerConfig
	logger     *observability.Logger

	// mu serializes version bumps so concurrent local writes cannot race
	// the read-modify-write of entity metadata
	mu               sync.Mutex
	bytesTransferred int64
}

// NewChangeTracker creates a ChangeTracker
func NewChangeTracker(
	entityRepo repository.EntityRepo,
	changeRepo repository.ChangeLogRepo,
	stateRepo repository.SyncStateRepo,
	checksums *ChecksumService,
	transport Transport,
	config TrackerConfig,
) *ChangeTracker {
	return &ChangeTracker{
		entityRepo: entityRepo,
		changeRepo: changeRepo,
		stateRepo:  stateRepo,
		checksums:  checksums,
		transport:  transport,
		config:     config,
		logger:     observability.GetLogger().WithField("component", "change_tracker"),
	}
}

// RecordChange inspects a locally mutated entity, and if its content
// checksum differs from the last recorded one, bumps the version and emits
// a ChangeRecord. Returns nil when the content is unchanged.
func (t *ChangeTracker) RecordChange(ctx context.Context, entity *models.Entity, operation string) (*models.ChangeRecord, error) {
	checksum, err := t.checksums.Compute(entity.Payload)
	if err != nil {
		return nil, fmt.Errorf("record change for %s: %w", entity.ID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	stored, err := t.entityRepo.GetByID(ctx, entity.ID)
	if err != nil {
		return nil, err
	}

	if stored != nil {
		if stored.Checksum == checksum && operation != models.OperationDelete {
			return nil, nil
		}
		entity.Version = stored.Version + 1
		entity.BasePayload = stored.BasePayload
	} else {
		entity.Version = 1
	}
	entity.Checksum = checksum
	entity.LastModified = time.Now().UTC()
	if operation == models.OperationDelete {
		entity.Deleted = true
	}

	if err := t.entityRepo.Upsert(ctx, entity); err != nil {
		return nil, err
	}

	record := models.NewChangeRecord(entity, operation)
	if err := t.changeRepo.Add(ctx, record); err != nil {
		return nil, err
	}

	t.logger.Debugf("Recorded %s for entity %s at version %d", operation, entity.ID, entity.Version)
	return record, nil
}

// StageOperation builds the wire record for a queued operation. The queue
// row stays the durable source of truth; nothing is written here.
func (t *ChangeTracker) StageOperation(ctx context.Context, op *models.SyncOperation) (*models.ChangeRecord, error) {
	checksum, err := t.checksums.Compute(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("stage operation %s: %w", op.ID, err)
	}

	version := int64(1)
	stored, err := t.entityRepo.GetByID(ctx, op.EntityID)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		version = stored.Version + 1
	}

	return &models.ChangeRecord{
		ID:         op.ID,
		EntityID:   op.EntityID,
		EntityType: op.EntityType,
		Version:    version,
		Checksum:   checksum,
		Operation:  op.OperationType,
		Payload:    op.Payload,
		Timestamp:  op.CreatedAt,
	}, nil
}

// CommitOperation writes a server-acknowledged queue operation into the
// local store. The acknowledged payload becomes the new common ancestor,
// and any pending change record for the entity is cleared as converged.
func (t *ChangeTracker) CommitOperation(ctx context.Context, op *models.SyncOperation, record *models.ChangeRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entity := &models.Entity{
		ID:           op.EntityID,
		EntityType:   op.EntityType,
		Version:      record.Version,
		Checksum:     record.Checksum,
		Payload:      op.Payload,
		BasePayload:  op.Payload,
		LastModified: time.Now().UTC(),
		Deleted:      op.OperationType == models.OperationDelete,
	}
	if err := t.entityRepo.Upsert(ctx, entity); err != nil {
		return err
	}

	pending, err := t.changeRepo.GetByEntityID(ctx, op.EntityID)
	if err != nil {
		return err
	}
	if pending != nil && pending.Checksum == record.Checksum {
		if err := t.changeRepo.Remove(ctx, []string{pending.ID}); err != nil {
			return err
		}
	}

	atomic.AddInt64(&t.bytesTransferred, int64(len(op.Payload)))
	return nil
}

// ComputeDelta groups pending change records above sinceVersion into a
// batch bounded by the configured size
func (t *ChangeTracker) ComputeDelta(ctx context.Context, sinceVersion int64) ([]*models.ChangeRecord, error) {
	return t.changeRepo.GetPending(ctx, sinceVersion, t.config.BatchSize)
}

// PushLocal transfers pending deltas batch by batch until the change log is
// empty or the transport fails. Rejected records are retried on later
// cycles up to the per-record budget; they never block the rest of the
// batch.
func (t *ChangeTracker) PushLocal(ctx context.Context) (int, []models.SyncError, error) {
	pushed := 0
	var itemErrors []models.SyncError

	for {
		if err := ctx.Err(); err != nil {
			return pushed, itemErrors, err
		}

		batch, err := t.ComputeDelta(ctx, 0)
		if err != nil {
			return pushed, itemErrors, err
		}
		if len(batch) == 0 {
			return pushed, itemErrors, nil
		}

		result, err := t.transport.Push(ctx, batch)
		if err != nil {
			return pushed, itemErrors, err
		}

		for _, record := range batch {
			atomic.AddInt64(&t.bytesTransferred, int64(len(record.Payload)))
		}

		accepted := make(map[string]bool, len(result.Accepted))
		for _, id := range result.Accepted {
			accepted[id] = true
		}

		var ackIDs []string
		for _, record := range batch {
			if accepted[record.EntityID] {
				ackIDs = append(ackIDs, record.ID)
				pushed++
				if err := t.promoteBase(ctx, record.EntityID); err != nil {
					t.logger.Warnf("Failed to promote base for %s: %v", record.EntityID, err)
				}
				continue
			}

			// Rejected record: count the retry, park it past the budget
			itemErrors = append(itemErrors, models.SyncError{
				EntityID: record.EntityID,
				Class:    models.ErrorClassTransient,
				Message:  "push rejected by server",
				At:       time.Now().UTC(),
			})
			if record.RetryCount+1 >= t.config.MaxRecordRetries {
				ackIDs = append(ackIDs, record.ID)
				t.logger.Warnf("Parking change record for %s after %d rejections", record.EntityID, record.RetryCount+1)
			} else if err := t.changeRepo.IncrementRetry(ctx, record.ID); err != nil {
				return pushed, itemErrors, err
			}
		}

		if err := t.changeRepo.Remove(ctx, ackIDs); err != nil {
			return pushed, itemErrors, err
		}

		if len(ackIDs) == 0 {
			// Nothing acknowledged; avoid spinning on the same batch
			return pushed, itemErrors, nil
		}
	}
}

// promoteBase snapshots the acknowledged payload as the new common ancestor
func (t *ChangeTracker) promoteBase(ctx context.Context, entityID string) error {
	entity, err := t.entityRepo.GetByID(ctx, entityID)
	if err != nil || entity == nil {
		return err
	}
	entity.BasePayload = entity.Payload
	return t.entityRepo.Upsert(ctx, entity)
}

// PullRemote pulls remote deltas for every configured entity type and
// applies them, updating per-type sync bookkeeping as batches land
func (t *ChangeTracker) PullRemote(ctx context.Context) (*models.ApplyResult, error) {
	total := &models.ApplyResult{}

	for _, entityType := range t.config.EntityTypes {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		for {
			since, err := t.stateRepo.GetLastSyncedVersion(ctx, entityType)
			if err != nil {
				return total, err
			}

			records, serverVersion, err := t.transport.Pull(ctx, entityType, since, t.config.BatchSize)
			if err != nil {
				return total, err
			}
			if len(records) == 0 {
				if serverVersion > since {
					if err := t.stateRepo.SetLastSyncedVersion(ctx, entityType, serverVersion); err != nil {
						return total, err
					}
				}
				break
			}

			result, err := t.ApplyRemoteBatch(ctx, records)
			mergeApplyResults(total, result)
			if err != nil {
				return total, err
			}

			highest := since
			for _, record := range records {
				if record.Version > highest {
					highest = record.Version
				}
			}
			if err := t.stateRepo.SetLastSyncedVersion(ctx, entityType, highest); err != nil {
				return total, err
			}

			if len(records) < t.config.BatchSize {
				break
			}
		}
	}

	return total, nil
}

// ApplyRemoteBatch applies incoming remote records. Strictly newer remote
// versions with no local divergence apply directly; divergent entities
// produce ConflictCases for the resolver. Per-record failures accumulate in
// the result instead of blocking the rest of the batch, and the whole
// operation is idempotent: re-applying an already-applied batch is a no-op.
func (t *ChangeTracker) ApplyRemoteBatch(ctx context.Context, batch []*models.RemoteRecord) (*models.ApplyResult, error) {
	result := &models.ApplyResult{}

	for _, record := range batch {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		applied, conflict, err := t.applyRemoteRecord(ctx, record)
		result.Bytes += int64(len(record.Payload))
		atomic.AddInt64(&t.bytesTransferred, int64(len(record.Payload)))

		switch {
		case err != nil:
			if isCorruption(err) {
				result.Corrupted = append(result.Corrupted, record.EntityID)
			} else {
				result.Failed = append(result.Failed, record.EntityID)
			}
			t.logger.Warnf("Failed to apply remote record for %s: %v", record.EntityID, err)
		case conflict != nil:
			result.Conflicted = append(result.Conflicted, conflict)
		case applied:
			result.Applied++
		}
	}

	return result, nil
}

// errCorruption marks a checksum mismatch after apply
type corruptionError struct{ entityID string }

func (e *corruptionError) Error() string {
	return fmt.Sprintf("checksum mismatch after apply for entity %s", e.entityID)
}

func isCorruption(err error) bool {
	_, ok := err.(*corruptionError)
	return ok
}

func (t *ChangeTracker) applyRemoteRecord(ctx context.Context, record *models.RemoteRecord) (bool, *models.ConflictCase, error) {
	// A corrupted transfer is never trusted: verify the content checksum
	// before touching the store, and re-fetch the full entity when it
	// fails.
	checksum, err := t.checksums.Compute(record.Payload)
	if err != nil {
		return false, nil, err
	}
	if checksum != record.Checksum {
		t.logger.Warnf("Data integrity event: checksum mismatch for %s, re-fetching", record.EntityID)
		fresh, fetchErr := t.transport.Fetch(ctx, record.EntityID)
		if fetchErr != nil {
			return false, nil, &corruptionError{entityID: record.EntityID}
		}
		freshSum, err := t.checksums.Compute(fresh.Payload)
		if err != nil || freshSum != fresh.Checksum {
			return false, nil, &corruptionError{entityID: record.EntityID}
		}
		record = fresh
		checksum = freshSum
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entity, err := t.entityRepo.GetByID(ctx, record.EntityID)
	if err != nil {
		return false, nil, err
	}

	pending, err := t.changeRepo.GetByEntityID(ctx, record.EntityID)
	if err != nil {
		return false, nil, err
	}

	switch {
	case entity == nil:
		// Unknown entity: direct create
		return true, nil, t.writeRemote(ctx, record, checksum)

	case pending == nil:
		if record.Version <= entity.Version {
			// Already applied or stale; idempotent skip
			return false, nil, nil
		}
		return true, nil, t.writeRemote(ctx, record, checksum)

	default:
		if pending.Checksum == record.Checksum {
			// Both sides converged on identical content; clear the pending
			// record and accept the server version number
			if err := t.changeRepo.Remove(ctx, []string{pending.ID}); err != nil {
				return false, nil, err
			}
			return true, nil, t.writeRemote(ctx, record, checksum)
		}

		// Local and remote diverged from the common ancestor
		c := models.NewConflictCase(record.EntityID, record.EntityType, entity.Payload, record.Payload, entity.BasePayload)
		c.LocalModified = entity.LastModified
		c.RemoteModified = record.ModifiedAt
		return false, c, nil
	}
}

func (t *ChangeTracker) writeRemote(ctx context.Context, record *models.RemoteRecord, checksum string) error {
	entity := &models.Entity{
		ID:           record.EntityID,
		EntityType:   record.EntityType,
		Version:      record.Version,
		Checksum:     checksum,
		Payload:      record.Payload,
		BasePayload:  record.Payload,
		LastModified: record.ModifiedAt,
		Deleted:      record.Operation == models.OperationDelete,
	}
	if err := t.entityRepo.Upsert(ctx, entity); err != nil {
		return err
	}

	// Verify what landed in the store matches what was applied
	stored, err := t.entityRepo.GetByID(ctx, record.EntityID)
	if err != nil {
		return err
	}
	storedSum, err := t.checksums.Compute(stored.Payload)
	if err != nil || storedSum != checksum {
		return &corruptionError{entityID: record.EntityID}
	}
	return nil
}

// BytesTransferred returns the cumulative byte count moved by this tracker
func (t *ChangeTracker) BytesTransferred() int64 {
	return atomic.LoadInt64(&t.bytesTransferred)
}

// PendingCount returns the number of unacknowledged local changes
func (t *ChangeTracker) PendingCount(ctx context.Context) (int, error) {
	return t.changeRepo.GetCount(ctx)
}

func mergeApplyResults(total, part *models.ApplyResult) {
	if part == nil {
		return
	}
	total.Applied += part.Applied
	total.Bytes += part.Bytes
	total.Conflicted = append(total.Conflicted, part.Conflicted...)
	total.Corrupted = append(total.Corrupted, part.Corrupted...)
	total.Failed = append(total.Failed, part.Failed...)
}
