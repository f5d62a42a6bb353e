package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsync/engine/internal/models"
	"github.com/medsync/engine/internal/repository"
)

// fakeTransport is a scriptable wire endpoint for tracker tests
type fakeTransport struct {
	mu      sync.Mutex
	pushes  [][]*models.ChangeRecord
	pushFn  func(records []*models.ChangeRecord) (*models.PushResult, error)
	pullFn  func(entityType string, sinceVersion int64, limit int) ([]*models.RemoteRecord, int64, error)
	fetchFn func(entityID string) (*models.RemoteRecord, error)
}

func (f *fakeTransport) Push(_ context.Context, records []*models.ChangeRecord) (*models.PushResult, error) {
	f.mu.Lock()
	f.pushes = append(f.pushes, records)
	f.mu.Unlock()

	if f.pushFn != nil {
		return f.pushFn(records)
	}
	result := &models.PushResult{}
	for _, r := range records {
		result.Accepted = append(result.Accepted, r.EntityID)
	}
	return result, nil
}

func (f *fakeTransport) Pull(_ context.Context, entityType string, sinceVersion int64, limit int) ([]*models.RemoteRecord, int64, error) {
	if f.pullFn != nil {
		return f.pullFn(entityType, sinceVersion, limit)
	}
	return nil, sinceVersion, nil
}

func (f *fakeTransport) Fetch(_ context.Context, entityID string) (*models.RemoteRecord, error) {
	if f.fetchFn != nil {
		return f.fetchFn(entityID)
	}
	return nil, fmt.Errorf("no fetch scripted for %s", entityID)
}

func (f *fakeTransport) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

type trackerFixture struct {
	tracker   *ChangeTracker
	transport *fakeTransport
	entities  *repository.EntityRepository
	changes   *repository.ChangeLogRepository
	checksums *ChecksumService
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()

	db := newTestDB(t)
	transport := &fakeTransport{}
	entities := repository.NewEntityRepository(db)
	changes := repository.NewChangeLogRepository(db)
	checksums := NewChecksumService()
	tracker := NewChangeTracker(entities, changes, repository.NewSyncStateRepository(db),
		checksums, transport, DefaultTrackerConfig())

	return &trackerFixture{
		tracker:   tracker,
		transport: transport,
		entities:  entities,
		changes:   changes,
		checksums: checksums,
	}
}

func (f *trackerFixture) remoteRecord(t *testing.T, entityID string, version int64, payload string) *models.RemoteRecord {
	t.Helper()
	sum, err := f.checksums.Compute(json.RawMessage(payload))
	require.NoError(t, err)
	return &models.RemoteRecord{
		EntityID:   entityID,
		EntityType: models.EntityTypeMedication,
		Version:    version,
		Checksum:   sum,
		Operation:  models.OperationUpdate,
		Payload:    json.RawMessage(payload),
		ModifiedAt: time.Now().UTC(),
	}
}

func TestChangeTracker_RecordChange(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t)

	entity := models.NewEntity("med-1", models.EntityTypeMedication, json.RawMessage(`{"name":"Metformin","dosage":"500mg"}`))

	record, err := f.tracker.RecordChange(ctx, entity, models.OperationCreate)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(1), record.Version)
	assert.NotEmpty(t, record.Checksum)

	t.Run("unchanged content is skipped", func(t *testing.T) {
		same := models.NewEntity("med-1", models.EntityTypeMedication, json.RawMessage(`{"dosage":"500mg","name":"Metformin"}`))
		record, err := f.tracker.RecordChange(ctx, same, models.OperationUpdate)
		require.NoError(t, err)
		assert.Nil(t, record)

		count, err := f.tracker.PendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("changed content bumps the version", func(t *testing.T) {
		changed := models.NewEntity("med-1", models.EntityTypeMedication, json.RawMessage(`{"name":"Metformin","dosage":"1000mg"}`))
		record, err := f.tracker.RecordChange(ctx, changed, models.OperationUpdate)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, int64(2), record.Version)
	})

	t.Run("delete records a tombstone even with identical content", func(t *testing.T) {
		gone := models.NewEntity("med-1", models.EntityTypeMedication, json.RawMessage(`{"name":"Metformin","dosage":"1000mg"}`))
		record, err := f.tracker.RecordChange(ctx, gone, models.OperationDelete)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, models.OperationDelete, record.Operation)

		stored, err := f.entities.GetByID(ctx, "med-1")
		require.NoError(t, err)
		assert.True(t, stored.Deleted)
	})
}

func TestChangeTracker_PushLocal(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t)

	for i := 0; i < 3; i++ {
		entity := models.NewEntity(fmt.Sprintf("med-%d", i), models.EntityTypeMedication,
			json.RawMessage(fmt.Sprintf(`{"name":"Drug %d"}`, i)))
		_, err := f.tracker.RecordChange(ctx, entity, models.OperationCreate)
		require.NoError(t, err)
	}

	pushed, itemErrors, err := f.tracker.PushLocal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pushed)
	assert.Empty(t, itemErrors)

	// acknowledged records are cleared from the change log
	count, err := f.tracker.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// the acknowledged payload becomes the new common ancestor
	stored, err := f.entities.GetByID(ctx, "med-0")
	require.NoError(t, err)
	assert.JSONEq(t, string(stored.Payload), string(stored.BasePayload))

	assert.Greater(t, f.tracker.BytesTransferred(), int64(0))
}

func TestChangeTracker_PushLocalRejections(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t)
	f.transport.pushFn = func([]*models.ChangeRecord) (*models.PushResult, error) {
		return &models.PushResult{Rejected: []string{"med-1"}}, nil
	}

	entity := models.NewEntity("med-1", models.EntityTypeMedication, json.RawMessage(`{"name":"Metformin"}`))
	_, err := f.tracker.RecordChange(ctx, entity, models.OperationCreate)
	require.NoError(t, err)

	// two rejections keep the record pending with retry accounting
	for i := 0; i < 2; i++ {
		pushed, itemErrors, err := f.tracker.PushLocal(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, pushed)
		require.Len(t, itemErrors, 1)
		assert.Equal(t, models.ErrorClassTransient, itemErrors[0].Class)

		count, err := f.tracker.PendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	}

	// the third rejection spends the per-record budget and parks it
	pushed, itemErrors, err := f.tracker.PushLocal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pushed)
	require.Len(t, itemErrors, 1)

	count, err := f.tracker.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestChangeTracker_ApplyRemoteBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("applies and is idempotent", func(t *testing.T) {
		f := newTrackerFixture(t)
		batch := []*models.RemoteRecord{
			f.remoteRecord(t, "med-1", 4, `{"name":"Metformin","dosage":"500mg"}`),
			f.remoteRecord(t, "med-2", 2, `{"name":"Lisinopril","dosage":"10mg"}`),
		}

		result, err := f.tracker.ApplyRemoteBatch(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Applied)
		assert.Empty(t, result.Conflicted)

		stored, err := f.entities.GetByID(ctx, "med-1")
		require.NoError(t, err)
		assert.Equal(t, int64(4), stored.Version)
		assert.JSONEq(t, `{"name":"Metformin","dosage":"500mg"}`, string(stored.Payload))

		// replaying the same batch changes nothing
		result, err = f.tracker.ApplyRemoteBatch(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Applied)
		assert.Empty(t, result.Failed)
	})

	t.Run("divergence produces a conflict case", func(t *testing.T) {
		f := newTrackerFixture(t)

		// server state both sides started from
		base := f.remoteRecord(t, "med-1", 1, `{"name":"Metformin","dosage":"500mg"}`)
		_, err := f.tracker.ApplyRemoteBatch(ctx, []*models.RemoteRecord{base})
		require.NoError(t, err)

		// local edit on top of the base
		local := models.NewEntity("med-1", models.EntityTypeMedication, json.RawMessage(`{"name":"Metformin","dosage":"1000mg"}`))
		_, err = f.tracker.RecordChange(ctx, local, models.OperationUpdate)
		require.NoError(t, err)

		// remote edit of the same entity from another device
		remote := f.remoteRecord(t, "med-1", 3, `{"name":"Metformin","dosage":"750mg"}`)
		result, err := f.tracker.ApplyRemoteBatch(ctx, []*models.RemoteRecord{remote})
		require.NoError(t, err)

		assert.Equal(t, 0, result.Applied)
		require.Len(t, result.Conflicted, 1)
		c := result.Conflicted[0]
		assert.Equal(t, "med-1", c.EntityID)
		assert.JSONEq(t, `{"name":"Metformin","dosage":"1000mg"}`, string(c.LocalValue))
		assert.JSONEq(t, `{"name":"Metformin","dosage":"750mg"}`, string(c.RemoteValue))
		assert.JSONEq(t, `{"name":"Metformin","dosage":"500mg"}`, string(c.BaseValue))
	})

	t.Run("identical content converges without conflict", func(t *testing.T) {
		f := newTrackerFixture(t)

		local := models.NewEntity("med-1", models.EntityTypeMedication, json.RawMessage(`{"name":"Metformin","dosage":"500mg"}`))
		_, err := f.tracker.RecordChange(ctx, local, models.OperationCreate)
		require.NoError(t, err)

		// remote carries byte-different but semantically identical content
		remote := f.remoteRecord(t, "med-1", 5, `{"dosage":"500mg", "name":"Metformin"}`)
		result, err := f.tracker.ApplyRemoteBatch(ctx, []*models.RemoteRecord{remote})
		require.NoError(t, err)

		assert.Equal(t, 1, result.Applied)
		assert.Empty(t, result.Conflicted)

		// the pending local change is cleared as converged
		count, err := f.tracker.PendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		stored, err := f.entities.GetByID(ctx, "med-1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), stored.Version)
	})
}

func TestChangeTracker_ChecksumMismatchRefetch(t *testing.T) {
	ctx := context.Background()

	t.Run("re-fetch recovers the record", func(t *testing.T) {
		f := newTrackerFixture(t)

		corrupted := f.remoteRecord(t, "med-1", 2, `{"name":"Metformin"}`)
		corrupted.Checksum = "feedfacefeedface"
		f.transport.fetchFn = func(entityID string) (*models.RemoteRecord, error) {
			return f.remoteRecord(t, entityID, 2, `{"name":"Metformin"}`), nil
		}

		result, err := f.tracker.ApplyRemoteBatch(ctx, []*models.RemoteRecord{corrupted})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Applied)
		assert.Empty(t, result.Corrupted)

		stored, err := f.entities.GetByID(ctx, "med-1")
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, int64(2), stored.Version)
	})

	t.Run("persistent corruption is reported, not applied", func(t *testing.T) {
		f := newTrackerFixture(t)

		corrupted := f.remoteRecord(t, "med-1", 2, `{"name":"Metformin"}`)
		corrupted.Checksum = "feedfacefeedface"
		f.transport.fetchFn = func(entityID string) (*models.RemoteRecord, error) {
			return nil, fmt.Errorf("fetch failed")
		}

		result, err := f.tracker.ApplyRemoteBatch(ctx, []*models.RemoteRecord{corrupted})
		require.NoError(t, err)
		assert.Equal(t, 0, result.Applied)
		assert.Equal(t, []string{"med-1"}, result.Corrupted)

		stored, err := f.entities.GetByID(ctx, "med-1")
		require.NoError(t, err)
		assert.Nil(t, stored)
	})
}

func TestChangeTracker_DeltaRoundTrip(t *testing.T) {
	ctx := context.Background()
	source := newTrackerFixture(t)
	replica := newTrackerFixture(t)

	payloads := map[string]string{
		"med-1": `{"name":"Metformin","dosage":"500mg"}`,
		"med-2": `{"name":"Lisinopril","dosage":"10mg"}`,
		"med-3": `{"name":"Aspirin","dosage":"81mg"}`,
	}
	for id, payload := range payloads {
		entity := models.NewEntity(id, models.EntityTypeMedication, json.RawMessage(payload))
		_, err := source.tracker.RecordChange(ctx, entity, models.OperationCreate)
		require.NoError(t, err)
	}

	delta, err := source.tracker.ComputeDelta(ctx, 0)
	require.NoError(t, err)
	require.Len(t, delta, 3)

	// replay the delta into an empty replica as a remote batch
	batch := make([]*models.RemoteRecord, 0, len(delta))
	for _, record := range delta {
		batch = append(batch, &models.RemoteRecord{
			EntityID:   record.EntityID,
			EntityType: record.EntityType,
			Version:    record.Version,
			Checksum:   record.Checksum,
			Operation:  record.Operation,
			Payload:    record.Payload,
			ModifiedAt: record.Timestamp,
		})
	}
	result, err := replica.tracker.ApplyRemoteBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Applied)

	// replica checksums match the source store entry for entry
	for id := range payloads {
		src, err := source.entities.GetByID(ctx, id)
		require.NoError(t, err)
		dst, err := replica.entities.GetByID(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, dst)
		assert.Equal(t, src.Checksum, dst.Checksum)
		assert.Equal(t, src.Version, dst.Version)
	}
}

func TestChangeTracker_PullRemote(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t)

	// one page of medication records, nothing for the other types
	f.transport.pullFn = func(entityType string, sinceVersion int64, limit int) ([]*models.RemoteRecord, int64, error) {
		if entityType != models.EntityTypeMedication || sinceVersion >= 7 {
			return nil, sinceVersion, nil
		}
		return []*models.RemoteRecord{
			f.remoteRecord(t, "med-1", 6, `{"name":"Metformin"}`),
			f.remoteRecord(t, "med-2", 7, `{"name":"Lisinopril"}`),
		}, 7, nil
	}

	result, err := f.tracker.PullRemote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Applied)

	// bookkeeping advanced to the highest applied version, so the next
	// pull starts past it
	result, err = f.tracker.PullRemote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Applied)
}

func TestChangeTracker_StageAndCommit(t *testing.T) {
	ctx := context.Background()
	f := newTrackerFixture(t)

	payload := json.RawMessage(`{"name":"Metformin","dosage":"500mg"}`)
	op := models.NewSyncOperation("med-1", models.EntityTypeMedication, models.OperationCreate, payload, models.PriorityDefault)

	record, err := f.tracker.StageOperation(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, op.ID, record.ID)
	assert.Equal(t, int64(1), record.Version)
	assert.NotEmpty(t, record.Checksum)

	// staging writes nothing
	stored, err := f.entities.GetByID(ctx, "med-1")
	require.NoError(t, err)
	assert.Nil(t, stored)

	require.NoError(t, f.tracker.CommitOperation(ctx, op, record))

	stored, err = f.entities.GetByID(ctx, "med-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, int64(1), stored.Version)
	assert.JSONEq(t, string(payload), string(stored.BasePayload))

	t.Run("a second staging sees the committed version", func(t *testing.T) {
		next := models.NewSyncOperation("med-1", models.EntityTypeMedication, models.OperationUpdate,
			json.RawMessage(`{"name":"Metformin","dosage":"1000mg"}`), models.PriorityDefault)
		record, err := f.tracker.StageOperation(ctx, next)
		require.NoError(t, err)
		assert.Equal(t, int64(2), record.Version)
	})

	t.Run("commit clears a converged pending change", func(t *testing.T) {
		entity := models.NewEntity("med-9", models.EntityTypeAdherence, json.RawMessage(`{"taken":true}`))
		_, err := f.tracker.RecordChange(ctx, entity, models.OperationCreate)
		require.NoError(t, err)

		op := models.NewSyncOperation("med-9", models.EntityTypeAdherence, models.OperationUpdate,
			json.RawMessage(`{"taken":true}`), models.PriorityDefault)
		record, err := f.tracker.StageOperation(ctx, op)
		require.NoError(t, err)
		require.NoError(t, f.tracker.CommitOperation(ctx, op, record))

		pending, err := f.changes.GetByEntityID(ctx, "med-9")
		require.NoError(t, err)
		assert.Nil(t, pending)
	})
}
