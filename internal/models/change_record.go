package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChangeRecord operation constants
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// ChangeRecord captures a local mutation pending transfer to the server.
// Records are cleared once the server acknowledges them.
type ChangeRecord struct {
	ID         string          `json:"id"`
	EntityID   string          `json:"entityId"`
	EntityType string          `json:"entityType"`
	Version    int64           `json:"version"`
	Checksum   string          `json:"checksum"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`

	// RetryCount tracks per-record failures within a batch so one bad
	// record cannot block the rest of the batch indefinitely.
	RetryCount int `json:"retryCount"`
}

// NewChangeRecord creates a ChangeRecord for a detected local mutation
func NewChangeRecord(entity *Entity, operation string) *ChangeRecord {
	return &ChangeRecord{
		ID:         uuid.New().String(),
		EntityID:   entity.ID,
		EntityType: entity.EntityType,
		Version:    entity.Version,
		Checksum:   entity.Checksum,
		Operation:  operation,
		Payload:    entity.Payload,
		Timestamp:  time.Now().UTC(),
	}
}

// ApplyResult summarizes the outcome of applying a remote batch locally
type ApplyResult struct {
	Applied    int             `json:"applied"`
	Conflicted []*ConflictCase `json:"conflicted,omitempty"`
	Corrupted  []string        `json:"corrupted,omitempty"` // entity IDs flagged for re-fetch
	Failed     []string        `json:"failed,omitempty"`    // entity IDs that errored
	Bytes      int64           `json:"bytes"`
}

// PushResult is the server's response to a pushed batch
type PushResult struct {
	Accepted      []string `json:"accepted"`
	Rejected      []string `json:"rejected"`
	ServerVersion int64    `json:"serverVersion"`
}
