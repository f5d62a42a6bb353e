package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Resolution strategy constants
const (
	StrategyLastWriteWins  = "last_write_wins"
	StrategyThreeWayMerge  = "three_way_merge"
	StrategySafetyOverride = "safety_override"
	StrategyUserChoice     = "user_choice"
	StrategyBatch          = "batch"
)

// ConflictCase status constants
const (
	ConflictStatusAutoResolved   = "auto_resolved"
	ConflictStatusPendingReview  = "pending_review"
	ConflictStatusResolvedByUser = "resolved_by_user"
)

// Sides a resolution can favor
const (
	SideLocal  = "local"
	SideRemote = "remote"
	SideMerged = "merged"
)

// ConflictCase records a divergence between local and remote versions of an
// entity together with how (or whether) it was resolved.
type ConflictCase struct {
	ID            string          `json:"id"`
	EntityID      string          `json:"entityId"`
	EntityType    string          `json:"entityType"`
	LocalValue    json.RawMessage `json:"localValue"`
	RemoteValue   json.RawMessage `json:"remoteValue"`
	BaseValue     json.RawMessage `json:"baseValue,omitempty"`
	LocalModified time.Time       `json:"localModified"`
	RemoteModified time.Time      `json:"remoteModified"`
	DetectedAt    time.Time       `json:"detectedAt"`
	StrategyUsed  string          `json:"strategyUsed"`
	ResolvedValue json.RawMessage `json:"resolvedValue,omitempty"`
	WinningSide   string          `json:"winningSide,omitempty"`
	Confidence    float64         `json:"confidence"`
	Status        string          `json:"status"`
	// ConflictingFields lists fields changed on both sides relative to the
	// base; populated by the three-way merge.
	ConflictingFields []string   `json:"conflictingFields,omitempty"`
	ResolvedAt        *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy        *string    `json:"resolvedBy,omitempty"`
}

// NewConflictCase creates a ConflictCase for a detected divergence
func NewConflictCase(entityID, entityType string, local, remote, base json.RawMessage) *ConflictCase {
	return &ConflictCase{
		ID:          uuid.New().String(),
		EntityID:    entityID,
		EntityType:  entityType,
		LocalValue:  local,
		RemoteValue: remote,
		BaseValue:   base,
		DetectedAt:  time.Now().UTC(),
		Status:      ConflictStatusPendingReview,
	}
}

// IsResolved reports whether the case carries a final value
func (c *ConflictCase) IsResolved() bool {
	return c.Status == ConflictStatusAutoResolved || c.Status == ConflictStatusResolvedByUser
}

// AuditEntry is one immutable record in the resolution audit trail
type AuditEntry struct {
	ID            string          `json:"id"`
	ConflictID    string          `json:"conflictId"`
	EntityID      string          `json:"entityId"`
	EntityType    string          `json:"entityType"`
	StrategyUsed  string          `json:"strategyUsed"`
	WinningSide   string          `json:"winningSide"`
	Confidence    float64         `json:"confidence"`
	LocalValue    json.RawMessage `json:"localValue"`
	RemoteValue   json.RawMessage `json:"remoteValue"`
	ResolvedValue json.RawMessage `json:"resolvedValue,omitempty"`
	ResolvedBy    string          `json:"resolvedBy"`
	RecordedAt    time.Time       `json:"recordedAt"`
}

// NewAuditEntry snapshots a resolution decision for the audit trail
func NewAuditEntry(c *ConflictCase, resolvedBy string) *AuditEntry {
	return &AuditEntry{
		ID:            uuid.New().String(),
		ConflictID:    c.ID,
		EntityID:      c.EntityID,
		EntityType:    c.EntityType,
		StrategyUsed:  c.StrategyUsed,
		WinningSide:   c.WinningSide,
		Confidence:    c.Confidence,
		LocalValue:    c.LocalValue,
		RemoteValue:   c.RemoteValue,
		ResolvedValue: c.ResolvedValue,
		ResolvedBy:    resolvedBy,
		RecordedAt:    time.Now().UTC(),
	}
}

// ConflictStats contains statistics about conflict cases
type ConflictStats struct {
	TotalCount          int `json:"totalCount"`
	PendingReviewCount  int `json:"pendingReviewCount"`
	AutoResolvedCount   int `json:"autoResolvedCount"`
	UserResolvedCount   int `json:"userResolvedCount"`
}
