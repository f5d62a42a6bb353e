package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/medsync/engine/internal/models"
	"github.com/medsync/engine/internal/repository"
	"github.com/medsync/engine/internal/services"
)

// ConflictHandler handles conflict review endpoints
type ConflictHandler struct {
	conflictRepo repository.ConflictRepo
	resolver     *services.ConflictResolver
}

// NewConflictHandler creates a new ConflictHandler
func NewConflictHandler(conflictRepo repository.ConflictRepo, resolver *services.ConflictResolver) *ConflictHandler {
	return &ConflictHandler{
		conflictRepo: conflictRepo,
		resolver:     resolver,
	}
}

// ListConflicts returns conflict cases, optionally filtered by status
// @Summary List conflicts
// @Description List conflict cases with pagination, newest first
// @Tags conflicts
// @Produce json
// @Param status query string false "Filter by status (pending_review, auto_resolved, resolved_by_user)"
// @Param skip query int false "Number of items to skip"
// @Param take query int false "Number of items to return (default 50, max 200)"
// @Success 200 {object} models.ConflictListResponse
// @Security ApiKeyAuth
// @Router /api/conflicts [get]
func (h *ConflictHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	skip := parseIntParam(r, "skip", 0)
	take := parseIntParam(r, "take", 50)
	if take > 200 {
		take = 200
	}

	conflicts, total, err := h.conflictRepo.GetAll(r.Context(), status, skip, take)
	if err != nil {
		log.Printf("Error listing conflicts: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.ConflictListResponse{
		Conflicts:  conflicts,
		TotalCount: total,
		Skip:       skip,
		Take:       take,
	})
}

// GetConflict returns a single conflict case
// @Summary Get conflict
// @Tags conflicts
// @Produce json
// @Param id path string true "Conflict ID"
// @Success 200 {object} models.ConflictCase
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/conflicts/{id} [get]
func (h *ConflictHandler) GetConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := h.conflictRepo.GetByID(r.Context(), id)
	if err != nil {
		log.Printf("Error loading conflict %s: %v", id, err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if c == nil {
		http.Error(w, "Conflict not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c)
}

// ResolveConflict records a user decision on a pending conflict
// @Summary Resolve conflict
// @Description Apply a user decision (local, remote or merged) to a pending conflict
// @Tags conflicts
// @Accept json
// @Produce json
// @Param id path string true "Conflict ID"
// @Param request body models.ResolveConflictRequest true "Decision"
// @Success 200 {object} models.ConflictCase
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/conflicts/{id}/resolve [post]
func (h *ConflictHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req models.ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Choice != models.SideLocal && req.Choice != models.SideRemote && req.Choice != models.SideMerged {
		http.Error(w, "Choice must be local, remote or merged", http.StatusBadRequest)
		return
	}
	if req.Choice == models.SideMerged && len(req.Value) == 0 {
		http.Error(w, "Merged choice requires a value", http.StatusBadRequest)
		return
	}

	resolved, err := h.resolver.ResolveByUser(r.Context(), id, req.Choice, req.Value, req.ResolvedBy)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConflictNotFound):
			http.Error(w, "Conflict not found", http.StatusNotFound)
		case errors.Is(err, services.ErrConflictAlreadyResolved):
			http.Error(w, "Conflict is already resolved", http.StatusConflict)
		default:
			log.Printf("Error resolving conflict %s: %v", id, err)
			http.Error(w, "Failed to resolve conflict", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resolved)
}

// GetStats returns conflict counts by status
// @Summary Conflict statistics
// @Tags conflicts
// @Produce json
// @Success 200 {object} models.ConflictStats
// @Security ApiKeyAuth
// @Router /api/conflicts/stats [get]
func (h *ConflictHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.conflictRepo.GetStats(r.Context())
	if err != nil {
		log.Printf("Error loading conflict stats: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// GetAuditTrail returns recent resolution decisions, newest first
// @Summary Audit trail
// @Tags conflicts
// @Produce json
// @Param limit query int false "Number of entries to return (default 100)"
// @Success 200 {array} models.AuditEntry
// @Security ApiKeyAuth
// @Router /api/conflicts/audit [get]
func (h *ConflictHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 100)

	entries, err := h.conflictRepo.GetAuditTrail(r.Context(), limit)
	if err != nil {
		log.Printf("Error loading audit trail: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
