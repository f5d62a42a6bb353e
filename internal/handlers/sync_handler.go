package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/medsync/engine/internal/models"
	"github.com/medsync/engine/internal/repository"
	"github.com/medsync/engine/internal/services"
)

// SyncHandler handles sync orchestration endpoints
type SyncHandler struct {
	orchestrator *services.SyncOrchestrator
	monitor      *services.ConnectionMonitor
	queue        *services.SyncQueue
	conflictRepo repository.ConflictRepo
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(
	orchestrator *services.SyncOrchestrator,
	monitor *services.ConnectionMonitor,
	queue *services.SyncQueue,
	conflictRepo repository.ConflictRepo,
) *SyncHandler {
	return &SyncHandler{
		orchestrator: orchestrator,
		monitor:      monitor,
		queue:        queue,
		conflictRepo: conflictRepo,
	}
}

// TriggerSync requests a sync cycle
// @Summary Trigger sync
// @Description Start a sync cycle, or coalesce the request if one is running
// @Tags sync
// @Accept json
// @Produce json
// @Param request body models.TriggerSyncRequest false "Trigger options"
// @Success 202 {object} models.TriggerSyncResponse
// @Security ApiKeyAuth
// @Router /api/sync/trigger [post]
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req models.TriggerSyncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = services.TriggerManual
	}

	started, coalesced := h.orchestrator.TriggerSync(req.Reason, req.Force)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(models.TriggerSyncResponse{
		Started:   started,
		Coalesced: coalesced,
		State:     h.orchestrator.Phase(),
	})
}

// GetStatus returns the orchestrator's current state
// @Summary Get sync status
// @Description Current phase, connection state, pending work and last result
// @Tags sync
// @Produce json
// @Success 200 {object} models.SyncStatusResponse
// @Security ApiKeyAuth
// @Router /api/sync/status [get]
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	pendingOps, err := h.queue.PendingCount(r.Context())
	if err != nil {
		log.Printf("Error counting pending operations: %v", err)
	}
	var pendingReviews int
	if stats, err := h.conflictRepo.GetStats(r.Context()); err != nil {
		log.Printf("Error loading conflict stats: %v", err)
	} else {
		pendingReviews = stats.PendingReviewCount
	}

	response := models.SyncStatusResponse{
		State:           h.orchestrator.Phase(),
		AutoSyncEnabled: h.orchestrator.AutoSyncEnabled(),
		Connection:      h.monitor.Current(),
		LastResult:      h.orchestrator.LastResult(),
		PendingOps:      pendingOps,
		PendingReviews:  pendingReviews,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// GetLastResult returns the most recent cycle result
// @Summary Get last sync result
// @Tags sync
// @Produce json
// @Success 200 {object} models.SyncCycleResult
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/result [get]
func (h *SyncHandler) GetLastResult(w http.ResponseWriter, r *http.Request) {
	result := h.orchestrator.LastResult()
	if result == nil {
		http.Error(w, "No sync cycle has completed yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// SetAutoSync toggles the periodic sync timer
// @Summary Set auto sync
// @Tags sync
// @Accept json
// @Produce json
// @Param request body models.SetAutoSyncRequest true "Auto sync flag"
// @Success 200 {object} models.SetAutoSyncRequest
// @Security ApiKeyAuth
// @Router /api/sync/auto [put]
func (h *SyncHandler) SetAutoSync(w http.ResponseWriter, r *http.Request) {
	var req models.SetAutoSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.orchestrator.SetAutoSync(req.Enabled)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req)
}
