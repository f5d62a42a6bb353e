package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/medsync/engine/internal/models"
	"github.com/medsync/engine/internal/repository"
	"github.com/medsync/engine/internal/services"
)

// UpsertEntityRequest is a local write to a tracked entity
type UpsertEntityRequest struct {
	EntityType string          `json:"entityType"`
	Payload    json.RawMessage `json:"payload"`
	// Priority overrides the automatic priority; 0 means automatic.
	// Writes touching safety-critical fields are fast-tracked.
	Priority int `json:"priority,omitempty"`
}

// UpsertEntityResponse reports what a local write caused
type UpsertEntityResponse struct {
	Entity      *models.Entity `json:"entity"`
	Changed     bool           `json:"changed"`
	OperationID string         `json:"operationId,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	SyncStarted bool           `json:"syncStarted"`
}

// EntityHandler handles local entity writes, the entry point of the sync
// pipeline
type EntityHandler struct {
	entityRepo   repository.EntityRepo
	tracker      *services.ChangeTracker
	queue        *services.SyncQueue
	orchestrator *services.SyncOrchestrator
	safetyFields map[string]bool
}

// NewEntityHandler creates a new EntityHandler
func NewEntityHandler(
	entityRepo repository.EntityRepo,
	tracker *services.ChangeTracker,
	queue *services.SyncQueue,
	orchestrator *services.SyncOrchestrator,
	safetyFields []string,
) *EntityHandler {
	safety := make(map[string]bool, len(safetyFields))
	for _, f := range safetyFields {
		safety[f] = true
	}
	return &EntityHandler{
		entityRepo:   entityRepo,
		tracker:      tracker,
		queue:        queue,
		orchestrator: orchestrator,
		safetyFields: safety,
	}
}

// UpsertEntity records a local write. Unchanged content is a no-op; a real
// change is tracked, durably enqueued and, for fast-track priorities,
// triggers a sync cycle immediately.
// @Summary Write entity
// @Tags entities
// @Accept json
// @Produce json
// @Param id path string true "Entity ID"
// @Param request body UpsertEntityRequest true "Entity content"
// @Success 200 {object} UpsertEntityResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/entities/{id} [put]
func (h *EntityHandler) UpsertEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpsertEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.EntityType == "" || len(req.Payload) == 0 {
		http.Error(w, "entityType and payload are required", http.StatusBadRequest)
		return
	}

	entity := &models.Entity{
		ID:         id,
		EntityType: req.EntityType,
		Payload:    req.Payload,
	}
	record, err := h.tracker.RecordChange(r.Context(), entity, models.OperationUpdate)
	if err != nil {
		log.Printf("Error recording change for %s: %v", id, err)
		http.Error(w, "Failed to record change", http.StatusInternalServerError)
		return
	}

	response := UpsertEntityResponse{Entity: entity}
	if record != nil {
		priority := req.Priority
		if priority == 0 {
			priority = h.priorityFor(req.Payload)
		}
		op := models.NewSyncOperation(id, req.EntityType, record.Operation, req.Payload, priority)
		if _, err := h.queue.Enqueue(r.Context(), op); err != nil {
			log.Printf("Error enqueueing operation for %s: %v", id, err)
			http.Error(w, "Failed to enqueue operation", http.StatusInternalServerError)
			return
		}

		response.Changed = true
		response.OperationID = op.ID
		response.Priority = op.Priority
		if op.IsFastTrack() {
			started, _ := h.orchestrator.TriggerSync(services.TriggerManual, false)
			response.SyncStarted = started
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// DeleteEntity records a local tombstone and enqueues the delete
// @Summary Delete entity
// @Tags entities
// @Produce json
// @Param id path string true "Entity ID"
// @Success 200 {object} UpsertEntityResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/entities/{id} [delete]
func (h *EntityHandler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	stored, err := h.entityRepo.GetByID(r.Context(), id)
	if err != nil {
		log.Printf("Error loading entity %s: %v", id, err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if stored == nil {
		http.Error(w, "Entity not found", http.StatusNotFound)
		return
	}

	record, err := h.tracker.RecordChange(r.Context(), stored, models.OperationDelete)
	if err != nil {
		log.Printf("Error recording delete for %s: %v", id, err)
		http.Error(w, "Failed to record delete", http.StatusInternalServerError)
		return
	}

	response := UpsertEntityResponse{Entity: stored}
	if record != nil {
		op := models.NewSyncOperation(id, stored.EntityType, models.OperationDelete, stored.Payload, models.PriorityDefault)
		if _, err := h.queue.Enqueue(r.Context(), op); err != nil {
			log.Printf("Error enqueueing delete for %s: %v", id, err)
			http.Error(w, "Failed to enqueue operation", http.StatusInternalServerError)
			return
		}
		response.Changed = true
		response.OperationID = op.ID
		response.Priority = op.Priority
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// GetEntity returns a single entity with its sync metadata
// @Summary Get entity
// @Tags entities
// @Produce json
// @Param id path string true "Entity ID"
// @Success 200 {object} models.Entity
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/entities/{id} [get]
func (h *EntityHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entity, err := h.entityRepo.GetByID(r.Context(), id)
	if err != nil {
		log.Printf("Error loading entity %s: %v", id, err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if entity == nil || entity.Deleted {
		http.Error(w, "Entity not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entity)
}

// ListEntities returns entities of one type with pagination
// @Summary List entities
// @Tags entities
// @Produce json
// @Param type query string true "Entity type"
// @Param skip query int false "Number of items to skip"
// @Param take query int false "Number of items to return (default 50, max 200)"
// @Success 200 {array} models.Entity
// @Security ApiKeyAuth
// @Router /api/entities [get]
func (h *EntityHandler) ListEntities(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("type")
	if entityType == "" {
		http.Error(w, "type query parameter required", http.StatusBadRequest)
		return
	}
	skip := parseIntParam(r, "skip", 0)
	take := parseIntParam(r, "take", 50)
	if take > 200 {
		take = 200
	}

	entities, err := h.entityRepo.GetByType(r.Context(), entityType, skip, take)
	if err != nil {
		log.Printf("Error listing entities: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entities)
}

// priorityFor fast-tracks writes that touch safety-critical fields
func (h *EntityHandler) priorityFor(payload json.RawMessage) int {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return models.PriorityDefault
	}
	for field := range fields {
		if h.safetyFields[field] {
			return models.PriorityFastTrack
		}
	}
	return models.PriorityDefault
}
