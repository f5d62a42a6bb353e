package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/medsync/engine/internal/models"
	"github.com/medsync/engine/internal/services"
)

// QueueHandler handles sync queue inspection endpoints
type QueueHandler struct {
	queue *services.SyncQueue
}

// NewQueueHandler creates a new QueueHandler
func NewQueueHandler(queue *services.SyncQueue) *QueueHandler {
	return &QueueHandler{queue: queue}
}

// GetStats returns operation counts by status
// @Summary Queue statistics
// @Tags queue
// @Produce json
// @Success 200 {object} models.QueueStats
// @Security ApiKeyAuth
// @Router /api/queue/stats [get]
func (h *QueueHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		log.Printf("Error loading queue stats: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// GetDeadLetter returns operations that exhausted their retry budget.
// Failed operations are retained, never silently dropped.
// @Summary Dead-letter operations
// @Tags queue
// @Produce json
// @Param skip query int false "Number of items to skip"
// @Param take query int false "Number of items to return (default 50, max 200)"
// @Success 200 {object} models.DeadLetterResponse
// @Security ApiKeyAuth
// @Router /api/queue/dead-letter [get]
func (h *QueueHandler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	skip := parseIntParam(r, "skip", 0)
	take := parseIntParam(r, "take", 50)
	if take > 200 {
		take = 200
	}

	ops, total, err := h.queue.DeadLetter(r.Context(), skip, take)
	if err != nil {
		log.Printf("Error loading dead-letter operations: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.DeadLetterResponse{
		Operations: ops,
		TotalCount: total,
	})
}
