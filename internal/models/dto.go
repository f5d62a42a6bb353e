package models

import "time"

// HealthResponse is the health check body
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is a generic API error body
type ErrorResponse struct {
	Error string `json:"error"`
}

// TriggerSyncRequest asks the orchestrator to start a cycle
type TriggerSyncRequest struct {
	Reason string `json:"reason"`
	// Force overrides the connection policy (e.g. user-requested sync on a
	// metered connection).
	Force bool `json:"force"`
}

// TriggerSyncResponse reports whether a cycle was started or coalesced
type TriggerSyncResponse struct {
	Started   bool   `json:"started"`
	Coalesced bool   `json:"coalesced"`
	State     string `json:"state"`
}

// SyncStatusResponse describes the orchestrator's current state
type SyncStatusResponse struct {
	State           string           `json:"state"`
	AutoSyncEnabled bool             `json:"autoSyncEnabled"`
	Connection      ConnectionState  `json:"connection"`
	LastResult      *SyncCycleResult `json:"lastResult,omitempty"`
	PendingOps      int              `json:"pendingOps"`
	PendingReviews  int              `json:"pendingReviews"`
}

// SetAutoSyncRequest toggles periodic background sync
type SetAutoSyncRequest struct {
	Enabled bool `json:"enabled"`
}

// ConflictListResponse is the response for listing conflict cases
type ConflictListResponse struct {
	Conflicts  []*ConflictCase `json:"conflicts"`
	TotalCount int             `json:"totalCount"`
	Skip       int             `json:"skip"`
	Take       int             `json:"take"`
}

// ResolveConflictRequest is the user's decision on a pending conflict
type ResolveConflictRequest struct {
	// Choice is "local", "remote" or "merged"; "merged" requires Value.
	Choice     string `json:"choice"`
	Value      []byte `json:"value,omitempty"`
	ResolvedBy string `json:"resolvedBy"`
}

// DeadLetterResponse lists operations that exhausted their retry budget
type DeadLetterResponse struct {
	Operations []*SyncOperation `json:"operations"`
	TotalCount int              `json:"totalCount"`
}

// EventMessage is the envelope broadcast on the sync event stream
type EventMessage struct {
	Type    string      `json:"type"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload,omitempty"`
}

// Event stream message types
const (
	EventSyncStarted     = "sync.started"
	EventSyncProgress    = "sync.progress"
	EventSyncCompleted   = "sync.completed"
	EventSyncAborted     = "sync.aborted"
	EventConflictPending = "conflict.pending"
	EventConnection      = "connection.changed"
)
