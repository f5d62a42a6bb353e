package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SyncOperation status constants
const (
	OperationStatusPending    = "pending"
	OperationStatusProcessing = "processing"
	OperationStatusCompleted  = "completed"
	OperationStatusFailed     = "failed"
)

// Priority bands for queued operations
const (
	PriorityMin       = 1
	PriorityDefault   = 5
	PriorityFastTrack = 8
	PriorityMax       = 10
)

// SyncOperation is a unit of work in the durable sync queue, created for
// writes that originate while offline or mid-failure.
type SyncOperation struct {
	ID            string          `json:"id"`
	EntityID      string          `json:"entityId"`
	EntityType    string          `json:"entityType"`
	OperationType string          `json:"operationType"`
	Payload       json.RawMessage `json:"payload"`
	Priority      int             `json:"priority"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
}

// NewSyncOperation creates a pending SyncOperation. Priority is clamped to
// the valid 1-10 range.
func NewSyncOperation(entityID, entityType, operationType string, payload json.RawMessage, priority int) *SyncOperation {
	if priority < PriorityMin {
		priority = PriorityMin
	}
	if priority > PriorityMax {
		priority = PriorityMax
	}
	return &SyncOperation{
		ID:            uuid.New().String(),
		EntityID:      entityID,
		EntityType:    entityType,
		OperationType: operationType,
		Payload:       payload,
		Priority:      priority,
		Status:        OperationStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
}

// IsFastTrack reports whether the operation bypasses background batching
func (op *SyncOperation) IsFastTrack() bool {
	return op.Priority >= PriorityFastTrack
}

// QueueStats contains statistics about the sync queue
type QueueStats struct {
	TotalCount      int `json:"totalCount"`
	PendingCount    int `json:"pendingCount"`
	ProcessingCount int `json:"processingCount"`
	CompletedCount  int `json:"completedCount"`
	FailedCount     int `json:"failedCount"`
}

// RetryDecision tells the caller what happens to a failed operation next
type RetryDecision struct {
	Retry     bool          `json:"retry"`
	Delay     time.Duration `json:"delay"`
	Attempts  int           `json:"attempts"`
	Exhausted bool          `json:"exhausted"`
}
