package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsync/engine/internal/models"
	"github.com/medsync/engine/internal/repository"
)

func newTestQueue(t *testing.T, config QueueConfig) *SyncQueue {
	t.Helper()
	repo := repository.NewSyncQueueRepository(newTestDB(t))
	return NewSyncQueue(repo, config)
}

func queuedOp(entityID string, priority int, createdAt time.Time) *models.SyncOperation {
	op := models.NewSyncOperation(entityID, "medication", models.OperationUpdate,
		json.RawMessage(`{"name":"Metformin"}`), priority)
	op.CreatedAt = createdAt
	return op
}

func TestSyncQueue_Ordering(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, DefaultQueueConfig())
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// three default-priority ops enqueued in order, one fast-track last
	ids := make([]string, 0, 4)
	for i, priority := range []int{5, 5, 5, 9} {
		op := queuedOp(fmt.Sprintf("med-%d", i), priority, base.Add(time.Duration(i)*time.Second))
		id, err := queue.Enqueue(ctx, op)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	batch, err := queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 4)

	// fast-track jumps the band, the rest stay FIFO
	assert.Equal(t, ids[3], batch[0].ID)
	assert.Equal(t, ids[0], batch[1].ID)
	assert.Equal(t, ids[1], batch[2].ID)
	assert.Equal(t, ids[2], batch[3].ID)

	for _, op := range batch {
		assert.Equal(t, models.OperationStatusProcessing, op.Status)
		assert.NotNil(t, op.LastAttemptAt)
	}

	// a second dequeue finds nothing pending
	batch, err = queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestSyncQueue_PriorityClamping(t *testing.T) {
	op := models.NewSyncOperation("med-1", "medication", models.OperationCreate, nil, 42)
	assert.Equal(t, models.PriorityMax, op.Priority)

	op = models.NewSyncOperation("med-1", "medication", models.OperationCreate, nil, -3)
	assert.Equal(t, models.PriorityMin, op.Priority)

	assert.True(t, models.NewSyncOperation("m", "medication", models.OperationCreate, nil, 8).IsFastTrack())
	assert.False(t, models.NewSyncOperation("m", "medication", models.OperationCreate, nil, 7).IsFastTrack())
}

func TestSyncQueue_RetryDelay(t *testing.T) {
	queue := newTestQueue(t, DefaultQueueConfig())

	assert.Equal(t, 1000*time.Millisecond, queue.RetryDelay(1))
	assert.Equal(t, 2000*time.Millisecond, queue.RetryDelay(2))
	assert.Equal(t, 4000*time.Millisecond, queue.RetryDelay(3))
}

func TestSyncQueue_RetryBudget(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, DefaultQueueConfig())

	op := queuedOp("med-1", models.PriorityDefault, time.Now().UTC())
	_, err := queue.Enqueue(ctx, op)
	require.NoError(t, err)

	opErr := fmt.Errorf("remote unavailable")

	// first two failures schedule retries with growing delays
	for attempt := 1; attempt < 3; attempt++ {
		batch, err := queue.DequeueBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		decision, err := queue.MarkFailed(ctx, op.ID, opErr)
		require.NoError(t, err)
		assert.True(t, decision.Retry)
		assert.False(t, decision.Exhausted)
		assert.Equal(t, attempt, decision.Attempts)
		assert.Equal(t, queue.RetryDelay(attempt), decision.Delay)
	}

	// third failure exhausts the budget
	batch, err := queue.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	decision, err := queue.MarkFailed(ctx, op.ID, opErr)
	require.NoError(t, err)
	assert.False(t, decision.Retry)
	assert.True(t, decision.Exhausted)
	assert.Equal(t, 3, decision.Attempts)

	// the operation is retained in the dead letter, not dropped
	dead, total, err := queue.DeadLetter(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, dead, 1)
	assert.Equal(t, op.ID, dead[0].ID)
	assert.Equal(t, models.OperationStatusFailed, dead[0].Status)
	require.NotNil(t, dead[0].LastError)
	assert.Equal(t, "remote unavailable", *dead[0].LastError)

	// nothing left to dequeue
	batch, err = queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestSyncQueue_MarkCompleted(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, DefaultQueueConfig())

	op := queuedOp("med-1", models.PriorityDefault, time.Now().UTC())
	_, err := queue.Enqueue(ctx, op)
	require.NoError(t, err)

	_, err = queue.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, queue.MarkCompleted(ctx, op.ID))

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CompletedCount)
	assert.Equal(t, 0, stats.PendingCount)
	assert.Equal(t, 0, stats.ProcessingCount)

	err = queue.MarkCompleted(ctx, "missing-id")
	assert.Error(t, err)
}

func TestSyncQueue_PruneCompleted(t *testing.T) {
	ctx := context.Background()
	config := DefaultQueueConfig()
	config.Capacity = 3
	queue := newTestQueue(t, config)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// fill to capacity with completed work, oldest first
	for i := 0; i < 3; i++ {
		op := queuedOp(fmt.Sprintf("done-%d", i), models.PriorityDefault, base.Add(time.Duration(i)*time.Second))
		_, err := queue.Enqueue(ctx, op)
		require.NoError(t, err)
		_, err = queue.DequeueBatch(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, queue.MarkCompleted(ctx, op.ID))
	}

	// a new pending op pushes the queue over capacity
	pending := queuedOp("pending-1", models.PriorityDefault, base.Add(time.Hour))
	_, err := queue.Enqueue(ctx, pending)
	require.NoError(t, err)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalCount)
	assert.Equal(t, 2, stats.CompletedCount)
	assert.Equal(t, 1, stats.PendingCount)

	// the pending entry survives pruning even though it is newest
	batch, err := queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, pending.ID, batch[0].ID)
}

func TestSyncQueue_Recover(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t, DefaultQueueConfig())
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		_, err := queue.Enqueue(ctx, queuedOp(fmt.Sprintf("med-%d", i), models.PriorityDefault, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	// simulate a crash mid-drain: ops stuck in processing
	batch, err := queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	recovered, err := queue.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	// recovered ops are dequeued again in the original order
	batch, err = queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "med-0", batch[0].EntityID)
	assert.Equal(t, "med-1", batch[1].EntityID)
}
