package models

import (
	"encoding/json"
	"time"
)

// Entity type constants
const (
	EntityTypeMedication = "medication"
	EntityTypeAdherence  = "adherence"
	EntityTypeSchedule   = "schedule"
)

// Entity is a domain record tracked by the sync engine. The engine only
// reads and writes the version/checksum metadata; business fields live in
// the opaque payload owned by the local store.
type Entity struct {
	ID           string          `json:"id"`
	EntityType   string          `json:"entityType"`
	Version      int64           `json:"version"`
	Checksum     string          `json:"checksum"`
	Payload      json.RawMessage `json:"payload"`
	// BasePayload is a shadow copy of the payload as of the last
	// server-acknowledged state. It serves as the common ancestor for
	// three-way merges when local and remote diverge.
	BasePayload  json.RawMessage `json:"basePayload,omitempty"`
	LastModified time.Time       `json:"lastModified"`
	Deleted      bool            `json:"deleted"`
}

// NewEntity creates an Entity at version zero with the given payload
func NewEntity(id, entityType string, payload json.RawMessage) *Entity {
	return &Entity{
		ID:           id,
		EntityType:   entityType,
		Version:      0,
		Payload:      payload,
		LastModified: time.Now().UTC(),
	}
}

// RemoteRecord is an entity version as received from the server
type RemoteRecord struct {
	EntityID   string          `json:"entityId"`
	EntityType string          `json:"entityType"`
	Version    int64           `json:"version"`
	Checksum   string          `json:"checksum"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	ModifiedAt time.Time       `json:"modifiedAt"`
}
