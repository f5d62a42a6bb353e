package services

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/medsync/engine/internal/models"
	"github.com/medsync/engine/internal/observability"
	"github.com/medsync/engine/internal/repository"
)

// QueueConfig holds sync queue configuration
type QueueConfig struct {
	// MaxAttempts is the retry budget per operation; on exhaustion the
	// operation transitions to failed and is retained for inspection
	MaxAttempts int
	// BackoffBase is the delay before the first retry
	BackoffBase time.Duration
	// BackoffMax caps the exponential growth
	BackoffMax time.Duration
	// Capacity is the total queue size above which completed entries are
	// pruned oldest first; pending and failed entries are exempt
	Capacity int
	// BatchSize bounds how many operations a cycle drains at once
	BatchSize int
}

// DefaultQueueConfig returns the standard queue settings
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxAttempts: 3,
		BackoffBase: 1000 * time.Millisecond,
		BackoffMax:  60 * time.Second,
		Capacity:    1000,
		BatchSize:   50,
	}
}

// SyncQueue is a durable, priority-ordered, retryable queue of pending
// write operations generated while offline or mid-failure. Every state
// transition is persisted before it is acknowledged, so a crash resumes
// from the last durable state.
type SyncQueue struct {
	repo    repository.SyncQueueRepo
	config  QueueConfig
	logger  *observability.Logger
	metrics *observability.SyncMetrics
}

// NewSyncQueue creates a SyncQueue
func NewSyncQueue(repo repository.SyncQueueRepo, config QueueConfig) *SyncQueue {
	logger := observability.GetLogger().WithField("component", "sync_queue")

	metrics, err := observability.NewSyncMetrics()
	if err != nil {
		logger.Warnf("Queue metrics unavailable: %v", err)
	}

	return &SyncQueue{
		repo:    repo,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// Recover returns crash-interrupted operations to pending. Call once at
// startup before the first cycle, so an app killed mid-drain resumes with
// the same queue contents and no duplicate work.
func (q *SyncQueue) Recover(ctx context.Context) (int, error) {
	recovered, err := q.repo.ResetProcessing(ctx)
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		q.logger.Infof("Recovered %d interrupted operations to pending", recovered)
	}
	return recovered, nil
}

// Enqueue durably adds an operation and returns its ID. The write is
// persisted before the call returns; queue capacity is enforced by pruning
// oldest completed entries only.
func (q *SyncQueue) Enqueue(ctx context.Context, op *models.SyncOperation) (string, error) {
	if err := q.repo.Add(ctx, op); err != nil {
		return "", fmt.Errorf("enqueue operation: %w", err)
	}

	if pruned, err := q.repo.PruneCompleted(ctx, q.config.Capacity); err != nil {
		q.logger.Warnf("Failed to prune completed operations: %v", err)
	} else if pruned > 0 {
		q.logger.Debugf("Pruned %d completed operations", pruned)
	}

	if q.metrics != nil {
		q.metrics.RecordEnqueue(ctx, op.EntityType, op.Priority)
	}
	q.logger.Debugf("Enqueued %s operation for %s at priority %d", op.OperationType, op.EntityID, op.Priority)
	return op.ID, nil
}

// DequeueBatch selects up to max pending operations, priority descending
// then FIFO within a band, and marks them processing
func (q *SyncQueue) DequeueBatch(ctx context.Context, max int) ([]*models.SyncOperation, error) {
	if max <= 0 {
		max = q.config.BatchSize
	}
	ops, err := q.repo.DequeueBatch(ctx, max)
	if err == nil && q.metrics != nil && len(ops) > 0 {
		q.metrics.RecordDequeue(ctx, len(ops))
	}
	return ops, err
}

// MarkCompleted persists a successful operation
func (q *SyncQueue) MarkCompleted(ctx context.Context, id string) error {
	op, err := q.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("operation %s not found", id)
	}
	return q.repo.UpdateStatus(ctx, id, models.OperationStatusCompleted, op.Attempts+1, nil)
}

// MarkFailed records a failed attempt and decides what happens next:
// another retry after an exponential backoff delay, or transition to
// failed (dead-letter) once the budget is spent. Failed operations are
// retained, never silently dropped.
func (q *SyncQueue) MarkFailed(ctx context.Context, id string, opErr error) (models.RetryDecision, error) {
	op, err := q.repo.GetByID(ctx, id)
	if err != nil {
		return models.RetryDecision{}, err
	}
	if op == nil {
		return models.RetryDecision{}, fmt.Errorf("operation %s not found", id)
	}

	attempts := op.Attempts + 1
	msg := opErr.Error()

	if attempts >= q.config.MaxAttempts {
		if err := q.repo.UpdateStatus(ctx, id, models.OperationStatusFailed, attempts, &msg); err != nil {
			return models.RetryDecision{}, err
		}
		q.logger.Warnf("Operation %s exhausted retry budget after %d attempts: %s", id, attempts, msg)
		return models.RetryDecision{Retry: false, Attempts: attempts, Exhausted: true}, nil
	}

	if err := q.repo.UpdateStatus(ctx, id, models.OperationStatusPending, attempts, &msg); err != nil {
		return models.RetryDecision{}, err
	}

	delay := q.RetryDelay(attempts)
	q.logger.Debugf("Operation %s failed (attempt %d), retrying in %s", id, attempts, delay)
	return models.RetryDecision{Retry: true, Delay: delay, Attempts: attempts}, nil
}

// RetryDelay returns the backoff delay after the given number of attempts:
// the base interval doubling per attempt, capped at the configured maximum
func (q *SyncQueue) RetryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.config.BackoffBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = q.config.BackoffMax

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// PendingCount returns how many operations are waiting
func (q *SyncQueue) PendingCount(ctx context.Context) (int, error) {
	stats, err := q.repo.GetStats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.PendingCount, nil
}

// Stats returns queue statistics
func (q *SyncQueue) Stats(ctx context.Context) (*models.QueueStats, error) {
	return q.repo.GetStats(ctx)
}

// DeadLetter lists operations that exhausted their retry budget
func (q *SyncQueue) DeadLetter(ctx context.Context, skip, take int) ([]*models.SyncOperation, int, error) {
	return q.repo.GetByStatus(ctx, models.OperationStatusFailed, skip, take)
}
