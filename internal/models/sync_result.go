package models

import "time"

// Error classes, per the engine's failure taxonomy
const (
	ErrorClassTransient  = "transient"
	ErrorClassConflict   = "conflict"
	ErrorClassCorruption = "corruption"
	ErrorClassExhausted  = "exhausted"
	ErrorClassFatal      = "fatal"
)

// SyncError is a classified per-item failure accumulated during a cycle
type SyncError struct {
	EntityID string    `json:"entityId,omitempty"`
	Class    string    `json:"class"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// IsFatal reports whether the error aborts the whole cycle
func (e SyncError) IsFatal() bool {
	return e.Class == ErrorClassFatal
}

// SyncCycleResult is produced once per orchestrator run, even on partial
// failure. Consumed by the API and the event stream.
type SyncCycleResult struct {
	CycleID           string      `json:"cycleId"`
	Trigger           string      `json:"trigger"`
	StartedAt         time.Time   `json:"startedAt"`
	FinishedAt        time.Time   `json:"finishedAt"`
	Pushed            int         `json:"pushed"`
	Pulled            int         `json:"pulled"`
	Drained           int         `json:"drained"`
	ConflictsResolved int         `json:"conflictsResolved"`
	ConflictsPending  int         `json:"conflictsPending"`
	BytesTransferred  int64       `json:"bytesTransferred"`
	Aborted           bool        `json:"aborted"`
	Errors            []SyncError `json:"errors,omitempty"`
}

// Duration returns how long the cycle took
func (r *SyncCycleResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the cycle finished without any errors
func (r *SyncCycleResult) Succeeded() bool {
	return !r.Aborted && len(r.Errors) == 0
}
